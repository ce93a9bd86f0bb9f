package config

import "strings"

// Config is the on-disk configuration (JSON, or YAML when the file ends in
// .yaml/.yml). Unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Diag      DiagConfig      `json:"diag"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to a chat. Token is a secret and is
// never logged.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - history_size: 100
type SchedulerConfig struct {
	// PollInterval is a Go duration string (e.g. "1s", "250ms").
	PollInterval string `json:"poll_interval,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// DiagConfig controls the optional inspection endpoint (/healthz, /jobs,
// /runs, /debug/pprof/). Changes take effect after a restart.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// Action kinds understood by the built-in job factory.
const (
	ActionLog        = "log"
	ActionAppendFile = "append_file"
)

// JobConfig declares one job. Enabled is a pointer so an omitted key means
// enabled and an explicit false disables the job without deleting it.
type JobConfig struct {
	ID       string       `json:"id"`
	Schedule string       `json:"schedule"`
	Enabled  *bool        `json:"enabled,omitempty"`
	Action   ActionConfig `json:"action"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

type ActionConfig struct {
	Kind string `json:"kind"`
	// Message is logged by "log" and written by "append_file". "{now}" expands
	// to the fire time.
	Message string `json:"message,omitempty"`
	// Path is the target file of "append_file".
	Path  string `json:"path,omitempty"`
	Level string `json:"level,omitempty"`
}

// EnabledJobs returns the enabled job definitions in file order.
func (c *Config) EnabledJobs() []JobConfig {
	if c == nil {
		return nil
	}
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.IsEnabled() {
			j.ID = strings.TrimSpace(j.ID)
			out = append(out, j)
		}
	}
	return out
}
