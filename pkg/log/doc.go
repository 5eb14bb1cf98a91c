/*
Package log provides Flotilla's structured logging, a thin wrapper
around zerolog with a global logger and per-component child loggers.

Call Init once at process start with the configured level and output
format; every other package logs through the package-level helpers
(Info, Warn, Error, ...) or a context logger returned by WithComponent,
WithService, WithInstanceID or WithRevision.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("service", svc).Msg("scheduling pass complete")

See https://github.com/rs/zerolog for the underlying field API.
*/
package log
