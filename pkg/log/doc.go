/*
Package log provides structured logging for paasd using zerolog.

It wraps a single global zerolog.Logger, configured once via Init with a
Config (Level, JSONOutput, Output). JSONOutput picks between a
machine-readable JSON writer and zerolog's human-readable ConsoleWriter;
both attach a timestamp to every record.

# Component loggers

WithComponent/WithService/WithGroup/WithFingerprint derive a child
logger carrying one extra field, for call sites that want every
subsequent line tagged — e.g. the ingest listener logging under
"group", or the daemon logging a push under "fingerprint".

# Package-level helpers

Info, Debug, Warn, Error, Errorf, and Fatal write directly through the
global Logger for call sites that don't need a dedicated field. Errorf
takes a message and an error, attaching the error via zerolog's Err().

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("daemon listening")
	log.WithComponent("ingest").Info().Msg("datagram dropped")
	log.Errorf("push failed", err)
*/
package log
