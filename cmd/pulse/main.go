package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulse/internal/app"
	"pulse/internal/config"
)

func main() {
	env, err := config.LoadEnv(".env")
	if err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	defCfg := "./config.yaml"
	if env.Config != "" {
		defCfg = env.Config
	}

	var (
		cfgPath string
		runFor  time.Duration
		history int
		jobID   string
	)
	flag.StringVar(&cfgPath, "config", defCfg, "path to config (yaml or json)")
	flag.DurationVar(&runFor, "run-for", 0, "stop after this long (0 runs until signaled)")
	flag.IntVar(&history, "history", 0, "print the N most recent runs and exit")
	flag.StringVar(&jobID, "job", "", "filter -history by job id")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []app.Option{app.WithLogLevel(env.LogLevel)}
	if history > 0 {
		opts = append(opts, app.WithWatch(false), app.WithNotifier(nil))
	}
	a, err := app.New(cfgPath, opts...)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if history > 0 {
		os.Exit(printHistory(ctx, a, jobID, history))
	}

	if runFor > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, runFor)
		defer stop()
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	a.Logger().Info("scheduler exiting")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := a.Stop(sctx); err != nil {
		fmt.Println("stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func printHistory(ctx context.Context, a *app.App, jobID string, n int) int {
	defer a.Stop(context.Background())

	runs, err := a.RecentRuns(ctx, jobID, n)
	if err != nil {
		fmt.Println("history:", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return 0
	}
	for _, r := range runs {
		status := "ok"
		if !r.OK() {
			status = "error: " + r.Error
		}
		fmt.Printf("%s  %-20s %-10s %s\n", r.Started.Format(time.RFC3339), r.JobID, r.Duration.Round(time.Millisecond), status)
	}
	return 0
}
