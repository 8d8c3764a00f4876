/*
Package deploy implements the deploy orchestrator for a single-host
service: building an image from a work directory, then replacing the
currently-running containers for a service with freshly-built ones.

# Architecture

	┌─────────────────── DEPLOY ORCHESTRATOR ───────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────────┐         │
	│  │                Orchestrator                    │        │
	│  │  - snapshots running containers (container.go) │        │
	│  │  - computes run options from a manifest        │        │
	│  │  - dispatches to one of three deploy modes      │        │
	│  └──────────────────────┬──────────────────────────┘        │
	│                         │                                   │
	│  ┌──────────────────────▼──────────────────────────┐        │
	│  │                Deploy Modes                      │        │
	│  │                                                   │        │
	│  │  no-scale:  rename → stop → start 1 → verify     │        │
	│  │  safe scale: rename+stop all → start N → verify  │        │
	│  │  roll scale: rename; interleave start/stop,      │        │
	│  │              pausing between each to let a new   │        │
	│  │              container come up before retiring   │        │
	│  │              an old one                          │        │
	│  └───────────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────────────┘

State machine (per deploy attempt):

	IDLE → VALIDATING → BUILDING → RENAMING_OLD → (STOPPING_OLD)? →
	  STARTING_NEW →* VERIFYING → CLEANUP → DONE
	                       │
	                       └── on error → ROLLBACK → FAILED

RENAMING_OLD is idempotent across retries thanks to its
timestamp-qualified suffix (".old.<unix>.<i>"). A failed build never
mutates live containers; a failed start rolls back to the prior
running set. If rollback itself fails, the error is reported verbatim
rather than retried silently.

# Core Components

Orchestrator:
  - Drives every deploy through a container.Driver.
  - Holds no state across attempts; each Deploy call derives its
    target container specification fresh from the manifest and a
    snapshot of currently-running containers.

Progress:
  - A callback invoked once per human-readable step, so a caller (the
    daemon's push handler) can stream lines back to the client as they
    happen.

# Deploy Modes

No-scale (scale unset or 0):
  - Exactly one container survives: the old one (if any) is renamed,
    stopped, and the new one takes its unqualified name.
  - On failure, the new container is removed and the old one is
    renamed back and restarted.

Safe scale (scale > 0, scale_mode=safe):
  - All old containers are renamed and stopped up front, then every
    replacement is started. Guarantees no mixed-version traffic but
    has a brief window with zero running containers.

Rolling scale (scale > 0, scale_mode=roll, the default):
  - Old containers are renamed but kept running. Each new container is
    started, then — if an old one remains — one old container is
    stopped after a pause sized to let the new container finish
    booting (pause = 1 + 5/max(1, len(old pool)) seconds).
  - Never drops to zero running containers of the service.

All three modes finish with a container and image prune, and attempt a
health-check poll (when the manifest declares one and a host port is
published) before tearing down the old containers.
*/
package deploy
