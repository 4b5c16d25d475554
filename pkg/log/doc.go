/*
Package log provides structured logging for the strata engine on top
of zerolog.

Init configures the shared global logger once at startup (level, JSON
or console output); components then derive child loggers carrying
their identifying fields:

	logger := log.WithComponent("scrubber")
	logger.Info().Uint32("slab", n).Msg("slab scrubbed")

WithZone and WithSlab attach the fields recovery code reaches for most
often. The package-level helpers (Info, Error, ...) exist for one-off
messages in cmd code; long-lived components should hold a child
logger.
*/
package log
