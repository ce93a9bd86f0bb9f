// Package jobs builds the actions that config-declared jobs run.
//
//   - log: write Message to the application log at Level (default info)
//   - append_file: append Message (default "job ran at {now}") as one line to Path
//
// "{now}" and "{job}" in Message expand to the fire time and job id.
package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pulse/internal/clock"
	"pulse/internal/config"
	"pulse/internal/task/scheduler"
	logx "pulse/pkg/logx"
)

const (
	DefaultAppendMessage = "job ran at {now}"
	nowLayout            = "2006-01-02 15:04:05.000000"
)

// Factory creates actions bound to a logger and clock.
type Factory struct {
	log logx.Logger
	clk clock.Clock

	// One lock per file so two jobs appending to the same path never
	// interleave partial lines.
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

func NewFactory(log logx.Logger, clk clock.Clock) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Factory{log: log, clk: clk, files: map[string]*sync.Mutex{}}
}

// Build returns the action for one job definition.
func (f *Factory) Build(jc config.JobConfig) (scheduler.Action, error) {
	id := strings.TrimSpace(jc.ID)
	a := jc.Action
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case config.ActionLog:
		return f.Log(id, logx.ParseLevel(a.Level, logx.LevelInfo), a.Message), nil
	case config.ActionAppendFile:
		if strings.TrimSpace(a.Path) == "" {
			return nil, fmt.Errorf("job %q: %w: append_file needs a path", id, scheduler.ErrInvalidJob)
		}
		msg := a.Message
		if strings.TrimSpace(msg) == "" {
			msg = DefaultAppendMessage
		}
		return f.AppendFile(id, a.Path, msg), nil
	default:
		return nil, fmt.Errorf("job %q: %w: unknown action kind %q", id, scheduler.ErrInvalidJob, a.Kind)
	}
}

// Log returns an action that writes message to the log.
func (f *Factory) Log(jobID string, level logx.Level, message string) scheduler.Action {
	log := f.log.With(logx.String("job", jobID))
	return func(context.Context) error {
		log.Log(level, f.expand(jobID, message))
		return nil
	}
}

// AppendFile returns an action that appends one line to path.
func (f *Factory) AppendFile(jobID, path, message string) scheduler.Action {
	lock := f.fileLock(filepath.Clean(path))
	return func(context.Context) error {
		line := f.expand(jobID, message) + "\n"

		lock.Lock()
		defer lock.Unlock()
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := fh.WriteString(line); err != nil {
			_ = fh.Close()
			return err
		}
		return fh.Close()
	}
}

func (f *Factory) fileLock(path string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string]*sync.Mutex{}
	}
	l, ok := f.files[path]
	if !ok {
		l = &sync.Mutex{}
		f.files[path] = l
	}
	return l
}

func (f *Factory) expand(jobID, msg string) string {
	if !strings.Contains(msg, "{") {
		return msg
	}
	return strings.NewReplacer(
		"{now}", f.clk.Now().Format(nowLayout),
		"{job}", jobID,
	).Replace(msg)
}
