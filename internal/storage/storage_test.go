package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "pulse/pkg/logx"
)

var base = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func rec(i int, job string, errText string) RunRecord {
	at := base.Add(time.Duration(i) * time.Second)
	return RunRecord{
		ID:       fmt.Sprintf("run-%d", i),
		JobID:    job,
		Schedule: "every 1s",
		Due:      at,
		Started:  at,
		Duration: 3 * time.Millisecond,
		Error:    errText,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "pulse.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				job := "tick"
				if i%2 == 0 {
					job = "report"
				}
				errText := ""
				if i == 4 {
					errText = "boom"
				}
				if err := st.AppendRun(ctx, rec(i, job, errText)); err != nil {
					t.Fatalf("AppendRun %d: %v", i, err)
				}
			}

			all, err := st.RecentRuns(ctx, "", 3)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if got := ids(all); got != "[run-5 run-4 run-3]" {
				t.Fatalf("recent = %s", got)
			}
			if all[1].OK() || all[1].Error != "boom" {
				t.Fatalf("run-4 = %+v", all[1])
			}
			if !all[0].Started.Equal(base.Add(5*time.Second)) || all[0].Duration != 3*time.Millisecond {
				t.Fatalf("run-5 = %+v", all[0])
			}

			reports, err := st.RecentRuns(ctx, "report", 0)
			if err != nil {
				t.Fatalf("RecentRuns(report): %v", err)
			}
			if got := ids(reports); got != "[run-4 run-2]" {
				t.Fatalf("report runs = %s", got)
			}
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pulse.json")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 1; i <= fileCompactEvery; i++ {
		if err := st.AppendRun(ctx, rec(i, "j", "")); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	all, err := st.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 10 || all[0].ID != fmt.Sprintf("run-%d", fileCompactEvery) {
		t.Fatalf("after compaction: %d records, newest %q", len(all), all[0].ID)
	}
	// Appends keep working on the reopened file.
	if err := st.AppendRun(ctx, rec(fileCompactEvery+1, "j", "")); err != nil {
		t.Fatalf("AppendRun after compaction: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "pulse.runs.jsonl")); err != nil {
		t.Fatalf("runs file: %v", err)
	}
}

func TestFileStoreSurvivesFailedCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "pulse"), Retain: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	// A directory where the compaction temp file goes makes every compaction fail.
	if err := os.MkdirAll(filepath.Join(dir, "pulse.runs.jsonl.tmp", "busy"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 1; i <= fileCompactEvery+1; i++ {
		if err := st.AppendRun(ctx, rec(i, "j", "")); err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}
	all, err := st.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != fileCompactEvery+1 {
		t.Fatalf("records = %d, want %d", len(all), fileCompactEvery+1)
	}
}

func TestFileStoreReopensLostHandle(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pulse")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	fs := st.(*fileStore)

	ctx := context.Background()
	if err := st.AppendRun(ctx, rec(1, "j", "")); err != nil {
		t.Fatal(err)
	}
	// State left behind when reopening after a compaction fails.
	fs.mu.Lock()
	_ = fs.f.Close()
	fs.f = nil
	fs.mu.Unlock()

	if err := st.AppendRun(ctx, rec(2, "j", "")); err != nil {
		t.Fatalf("AppendRun after lost handle: %v", err)
	}
	all, _ := st.RecentRuns(ctx, "j", 0)
	if len(all) != 2 || all[0].ID != "run-2" {
		t.Fatalf("records = %+v", all)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendRun(context.Background(), rec(1, "j", "")); err == nil {
		t.Fatal("append after Close succeeded")
	}
	var nilStore *sqliteStore
	if err := nilStore.AppendRun(context.Background(), rec(1, "j", "")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil sqlite store err = %v", err)
	}
}

func ids(rs []RunRecord) string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return fmt.Sprint(out)
}
