package dispatch

import (
	"context"
	"strings"

	"github.com/cuemby/relay/pkg/bus"
)

// OnCommand consumes one admin command delivery. Recognised commands are
// PAUSE, RESUME, STATS and CANCEL <id>; anything else is logged and
// ignored. Commands are fire-and-forget, so every delivery is acked.
func (e *Engine) OnCommand(ctx context.Context, msg *bus.Message) error {
	defer msg.Ack()

	fields := strings.Fields(string(msg.Value))
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToUpper(fields[0]) {
	case "PAUSE":
		e.Pause()
	case "RESUME":
		e.Resume()
	case "STATS":
		s := e.Status()
		e.logger.Info().
			Bool("paused", s.Paused).
			Int("active", s.ActiveTasks).
			Int("queued", s.QueuedTasks).
			Uint64("processed", s.Stats.Processed).
			Uint64("failed", s.Stats.Failed).
			Uint64("retries", s.Stats.Retries).
			Msg("dispatch stats")
	case "CANCEL":
		if len(fields) < 2 {
			e.logger.Warn().Msg("cancel command without task id")
			return nil
		}
		e.Cancel(fields[1])
	default:
		e.logger.Warn().Str("command", fields[0]).Msg("unknown command ignored")
	}
	return nil
}
