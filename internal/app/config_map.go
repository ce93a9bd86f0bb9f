package app

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/config"
	"pulse/internal/observability/diag"
	"pulse/internal/storage"
	"pulse/internal/task/runner"
	logx "pulse/pkg/logx"
)

// mapLogConfig converts the logging section. A non-empty level overrides the
// configured one.
func mapLogConfig(cfg *config.Config, level string) logx.Config {
	l := cfg.Logging
	if strings.TrimSpace(level) != "" {
		l.Level = level
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	poll, err := config.DurationOr("scheduler.poll_interval", cfg.Scheduler.PollInterval, runner.DefaultPollInterval)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{PollInterval: poll, HistorySize: cfg.Scheduler.HistorySize}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDiagConfig returns enabled=false when the endpoint is off.
func mapDiagConfig(cfg *config.Config) (diag.Config, bool, error) {
	dc := cfg.Diag
	if !dc.Enabled {
		return diag.Config{}, false, nil
	}
	out := diag.Config{
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = diag.DefaultAddr
	}
	if err := diag.CheckAddr(out.Addr, out.Token, out.AllowInsecure); err != nil {
		return diag.Config{}, false, fmt.Errorf("diag: %w", err)
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("diag.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return diag.Config{}, false, err
	}
	if out.IdleTimeout, err = config.DurationOr("diag.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return diag.Config{}, false, err
	}
	return out, true, nil
}
