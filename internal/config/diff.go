package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pulse/pkg/logx"
)

// JobDiff lists job ids (enabled jobs only) that differ between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares the enabled job definitions of two configs. A job whose
// schedule or action changed is reported as Changed; disabling a job reports
// it as Removed.
func DiffJobs(oldCfg, newCfg *Config) JobDiff {
	oldM := jobsByID(oldCfg)
	newM := jobsByID(newCfg)

	var d JobDiff
	for id, n := range newM {
		o, ok := oldM[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case hashJSON(jobShape(o)) != hashJSON(jobShape(n)):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func jobsByID(cfg *Config) map[string]JobConfig {
	jobs := cfg.EnabledJobs()
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[j.ID] = j
	}
	return m
}

// jobShape drops fields that do not affect what or when a job runs.
func jobShape(j JobConfig) JobConfig {
	j.Enabled = nil
	j.Schedule = strings.TrimSpace(j.Schedule)
	return j
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.Bool("logging.telegram_token_set", strings.TrimSpace(newCfg.Logging.Telegram.Token) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.retain", nS.Retain),
		)
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	if d := DiffJobs(oldCfg, newCfg); !d.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strings("jobs.added", d.Added),
			logx.Strings("jobs.removed", d.Removed),
			logx.Strings("jobs.changed", d.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
