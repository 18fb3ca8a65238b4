/*
Package log provides structured logging for the indexing engine using zerolog.

It wraps zerolog to provide JSON-structured logging with component-specific
loggers, configurable log levels, and helper functions for common logging
patterns. All logs include timestamps and support filtering by severity level.

# Usage

	import "github.com/cuemby/quarry/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("engine starting")

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Uint64("task_uid", 42).Msg("batch dispatched")

	taskLog := log.WithTaskUID(42)
	taskLog.Error().Err(err).Msg("batch failed")

# Context loggers

WithComponent, WithTaskUID and WithIndexUID attach a field to every
subsequent log line from the returned logger, so call sites don't repeat
.Str("index_uid", ...) everywhere.

# Integration points

  - pkg/scheduler logs batch assembly and dispatch decisions
  - pkg/engine, pkg/dump and cmd/quarry log through this package too
  - pkg/indexbuilder, pkg/queue and pkg/auth do not log
*/
package log
