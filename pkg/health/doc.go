/*
Package health implements the HTTP healthcheck gate used by the deploy
orchestrator's VERIFYING step.

A manifest's "mypaas.healthcheck path interval timeout" directive
becomes an HTTPChecker polling http://127.0.0.1:<published-port><path>.
Checker is the interface HTTPChecker satisfies (Check, Type), kept
small enough that a non-HTTP checker could be added later without
touching the orchestrator.

Status tracks consecutive successes/failures across repeated Check
calls against a Config (Interval, Timeout, Retries, StartPeriod):
Update flips Healthy false once ConsecutiveFailures reaches
config.Retries, and back to true on the next success. The orchestrator
uses this to give up polling early — after Retries consecutive
failures — rather than always waiting out the full healthcheck
timeout on a container that is clearly never going to come up.

A manifest with no healthcheck directive, or no published host port to
reach the container on, skips verification entirely: Traefik's own
load-balancer health check (attached as labels at deploy time) is the
only gate in that case.
*/
package health
