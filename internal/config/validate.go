package config

import (
	"context"
	"fmt"
	"strings"

	"pulse/internal/task/scheduler"
)

// Validate checks a parsed config before it is committed. Manager.Watch runs
// it (plus any extra validator) on every reload.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval); err != nil {
		return err
	}
	if cfg.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when telegram logging is enabled")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		if s.Retain < 0 {
			return fmt.Errorf("storage.retain must be >= 0")
		}
	}

	if d := cfg.Diag; d.Enabled {
		if _, err := ParseDurationField("diag.read_timeout", d.ReadTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("diag.idle_timeout", d.IdleTimeout); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			return fmt.Errorf("%s.id is required", path)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s.id: %w: %q", path, scheduler.ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			return fmt.Errorf("%s (%s).schedule: %w", path, id, err)
		}
		if err := validateAction(j.Action); err != nil {
			return fmt.Errorf("%s (%s).action: %w", path, id, err)
		}
	}
	return nil
}

func validateAction(a ActionConfig) error {
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case ActionLog:
		if strings.TrimSpace(a.Message) == "" {
			return fmt.Errorf("message is required for %q", ActionLog)
		}
	case ActionAppendFile:
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("path is required for %q", ActionAppendFile)
		}
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	switch strings.ToLower(strings.TrimSpace(a.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown level %q", a.Level)
	}
}
