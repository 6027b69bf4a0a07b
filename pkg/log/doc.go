/*
Package log provides structured logging for Aurora using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for the common one-line cases. All logs include timestamps and
support filtering by severity level for production debugging.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("aurora starting")

	reconcilerLog := log.WithComponent("reconciler")
	reconcilerLog.Info().Str("server_id", serverID).Msg("reconciling rule")

	log.Logger.Error().Err(err).Str("job_id", jobID).Msg("job failed")

# Context Logger Helpers

WithComponent, WithServerID, WithJobID and WithPortID each return a child
logger with the named field attached, so call sites don't repeat
Str("server_id", ...) everywhere a server is already in scope.

# Security

Never log secrets or sensitive data — SSH passwords, private key
contents, and sudo passwords must never reach a log line. Use typed
fields rather than string concatenation so user-controlled values (rule
configs, hostnames) can't forge extra JSON fields.
*/
package log
