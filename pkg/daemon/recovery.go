package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/relay/pkg/types"
)

// recoverySweepLimit bounds the number of documents re-admitted at startup
const recoverySweepLimit = 1000

// recoverPending re-publishes PENDING state-store documents whose deferred
// retry timers were lost on the previous shutdown. The sweep runs once,
// after the engine is consuming; duplicates are harmless because admission
// drops deliveries for ids already in flight.
func (d *Daemon) recoverPending(ctx context.Context) (int, error) {
	var pending []*types.Task
	filter := &types.TaskFilter{States: []types.TaskState{types.TaskStatePending}}
	err := d.store.ListTasks(ctx, filter, func(task *types.Task) bool {
		pending = append(pending, task)
		return len(pending) < recoverySweepLimit
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan pending tasks: %w", err)
	}

	recovered := 0
	for _, task := range pending {
		data, err := json.Marshal(task)
		if err != nil {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("skipping unencodable pending task")
			continue
		}
		if err := d.bus.Publish(ctx, d.cfg.Bus.TaskTopic, []byte(task.ID), data); err != nil {
			return recovered, fmt.Errorf("failed to re-publish task %s: %w", task.ID, err)
		}
		recovered++
	}
	return recovered, nil
}
