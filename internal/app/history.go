package app

import (
	"context"
	"time"

	"pulse/internal/eventbus"
	"pulse/internal/storage"
	"pulse/internal/task/runner"
	logx "pulse/pkg/logx"
)

const historyWriteTimeout = 2 * time.Second

// recordRuns persists run events until ctx is done, then drains whatever is
// still buffered.
func (a *App) recordRuns(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.persistRun(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			a.persistRun(e)
		}
	}
}

func (a *App) persistRun(e eventbus.Event) {
	ev, ok := e.Data.(runner.RunEvent)
	if !ok {
		return
	}
	rec := storage.RunRecord{
		ID:       ev.RunID,
		JobID:    ev.JobID,
		Schedule: ev.Schedule,
		Due:      ev.Due,
		Started:  ev.Started,
		Duration: ev.Duration,
		Error:    ev.Error,
		Panicked: ev.Panicked,
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.log.Warn("run history write failed", logx.String("job", ev.JobID), logx.String("run_id", ev.RunID), logx.Err(err))
	}
}
