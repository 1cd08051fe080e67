/*
Package log provides structured logging for Relay built on zerolog.

Call Init once at process start, then use the global Logger or the
WithComponent/WithTaskID/WithWorkerID helpers to create child loggers with
standard fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("dispatch")
	logger.Info().Str("task_id", id).Msg("task admitted")

Every record also lands in a fixed-size in-memory ring buffer; Recent
returns the buffered records and backs the control plane's GetLogs stream.
*/
package log
