// Package commandqueue serializes agent runs through named lanes.
//
// Invariants:
// - A lane with concurrency 1 is a single-slot worker: one active task, a
//   FIFO pending queue, and nothing ever dropped.
// - A task submitted while the slot is busy waits as pending and is
//   auto-dispatched when the active task finishes.
// - Resetting a lane bumps its generation; pending tasks from the old
//   generation are rejected instead of silently executed.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(commandqueue.RunLane, func(ctx context.Context) (any, error) {
//		return runner.Run(ctx, params)
//	}, nil)
package commandqueue
