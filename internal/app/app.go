package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pulse/internal/adapters/telegram"
	"pulse/internal/clock"
	"pulse/internal/config"
	"pulse/internal/eventbus"
	"pulse/internal/jobs"
	"pulse/internal/observability/diag"
	rtsup "pulse/internal/runtime/supervisor"
	"pulse/internal/storage"
	"pulse/internal/task/runner"
	"pulse/internal/task/scheduler"
	logx "pulse/pkg/logx"
)

// App wires config, logging, run history and the scheduler together. Jobs
// declared in the config file are registered on Start and kept in sync on
// hot reload; callers may also register their own jobs on Registry().
type App struct {
	cfgm *config.Manager

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock

	reg  *scheduler.Registry
	run  *runner.Runner
	jobs *jobs.Factory

	diag *diag.Server

	notify   Notifier
	watch    bool
	logLevel string

	sup *rtsup.Supervisor

	// mu guards the config-owned job handles and the config they came from.
	mu      sync.Mutex
	handles map[string]scheduler.Handle
	applied *config.Config

	// loopMu serializes loop restarts with Stop.
	loopMu   sync.Mutex
	poll     time.Duration
	stopping bool

	stopOnce sync.Once
	stopErr  error
}

type options struct {
	clk    clock.Clock
	notify Notifier
	sender logx.Sender
	watch  bool
	level  string
}

type Option func(*options)

// WithClock replaces the wall clock (tests).
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clk = clk } }

// WithNotifier replaces the systemd notifier.
func WithNotifier(n Notifier) Option { return func(o *options) { o.notify = n } }

// WithLogSender replaces the Telegram client used by the log sink.
func WithLogSender(s logx.Sender) Option { return func(o *options) { o.sender = s } }

// WithLogLevel overrides logging.level, including on reload.
func WithLogLevel(level string) Option { return func(o *options) { o.level = level } }

// WithWatch toggles config hot reload (default on).
func WithWatch(enabled bool) Option { return func(o *options) { o.watch = enabled } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clk: clock.Real(), notify: sdNotify, watch: true}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil && cfg.Logging.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Logging.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("logging.telegram: %w", err)
		}
		sender = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg, o.level), sender)
	log := root.With(logx.String("comp", "app"))

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	dcfg, diagOn, err := mapDiagConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	bus := eventbus.New()
	reg := scheduler.NewRegistry(o.clk, root.With(logx.String("comp", "registry")))

	a := &App{
		cfgm:     cfgm,
		root:     root,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		clk:      o.clk,
		reg:      reg,
		run:      runner.New(reg, o.clk, root, bus, rcfg),
		jobs:     jobs.NewFactory(root.With(logx.String("comp", "jobs")), o.clk),
		notify:   o.notify,
		watch:    o.watch,
		logLevel: o.level,
		handles:  map[string]scheduler.Handle{},
		poll:     rcfg.PollInterval,
	}
	if diagOn {
		a.diag = diag.New(dcfg, a, root.With(logx.String("comp", "diag")))
	}
	return a, nil
}

func (a *App) Registry() *scheduler.Registry { return a.reg }
func (a *App) Runner() *runner.Runner        { return a.run }
func (a *App) Logger() logx.Logger           { return a.root }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }

// Status reports the scheduler loop and its job table.
func (a *App) Status() runner.Snapshot { return a.run.Snapshot() }

// Goroutines reports the app supervisor's goroutine counters (zero before Start).
func (a *App) Goroutines() rtsup.Counters { return a.sup.Counters() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the configured jobs and launches the scheduler loop, the
// run history recorder and the config watcher. It returns once they run.
func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))

	if err := a.applyJobs(a.cfgm.Get()); err != nil {
		return err
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, runner.EventJobFinished, runner.EventJobFailed)
		a.sup.Go0("history.recorder", func(c context.Context) {
			defer unsub()
			a.recordRuns(c, events)
		})
	}

	a.loopMu.Lock()
	err := a.run.StartBackground(a.sup.Context(), a.poll)
	a.loopMu.Unlock()
	if err != nil {
		return err
	}

	if a.watch {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if a.diag != nil {
		// A listener failure is logged and does not cancel the app.
		a.sup.Go0("diag.http", func(c context.Context) {
			if err := a.diag.Serve(c); err != nil {
				a.log.Error("diag server failed", logx.Err(err))
			}
		})
	}

	a.notifyState(notifyReady)
	a.log.Info("pulse started", logx.Int("jobs", a.reg.Len()), logx.Duration("poll", a.poll), logx.String("config", a.cfgm.Path()))
	return nil
}

// Run starts the app and blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}
	<-a.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := a.Stop(sctx)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

// Stop ends the loop (the running tick completes), drains the history
// recorder and closes the store and log sinks. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.stopOnce.Do(func() {
		a.notifyState(notifyStopping)

		a.loopMu.Lock()
		a.stopping = true
		a.loopMu.Unlock()

		var errs []error
		a.run.Stop()
		if err := a.run.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.sup != nil {
			if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, a.sup.Err()) {
				errs = append(errs, err)
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		snap := a.run.Snapshot()
		a.log.Info("pulse stopped", logx.Uint64("runs", snap.Runs), logx.Uint64("failures", snap.Failures))
		_ = a.logs.Close()
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// RecentRuns reads run history from the store, or from the in-memory ring
// when storage is disabled. Newest first.
func (a *App) RecentRuns(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error) {
	if a.store != nil {
		return a.store.RecentRuns(ctx, jobID, limit)
	}
	h := a.run.Snapshot().History
	out := make([]storage.RunRecord, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if jobID != "" && h[i].JobID != jobID {
			continue
		}
		out = append(out, storage.RunRecord{
			ID:       h[i].RunID,
			JobID:    h[i].JobID,
			Started:  h[i].Started,
			Duration: h[i].Duration,
			Error:    h[i].Error,
		})
	}
	return out, nil
}

// applyJobs brings the config-owned registrations in line with cfg. Jobs
// whose definition changed are removed and registered again, which restarts
// their schedule from now.
func (a *App) applyJobs(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.DiffJobs(a.applied, cfg)
	drop := setOf(d.Removed, d.Changed)
	add := setOf(d.Added, d.Changed)

	var errs []error
	for id := range drop {
		h, ok := a.handles[id]
		if !ok {
			continue
		}
		if err := h.Remove(); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
			errs = append(errs, err)
		}
		delete(a.handles, id)
	}

	// File order decides the run order of jobs due on the same tick.
	for _, jc := range cfg.EnabledJobs() {
		if _, ok := add[jc.ID]; !ok {
			continue
		}
		act, err := a.jobs.Build(jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h, err := a.reg.RegisterSpec(jc.ID, jc.Schedule, act)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.handles[jc.ID] = h
	}
	a.applied = cfg

	if !d.Empty() {
		a.log.Debug("jobs synced",
			logx.Strings("added", d.Added),
			logx.Strings("removed", d.Removed),
			logx.Strings("changed", d.Changed),
		)
	}
	return errors.Join(errs...)
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg != nil {
				a.applyConfig(cfg)
			}
		}
	}
}

func (a *App) applyConfig(newCfg *config.Config) {
	a.notifyState(notifyReloading)
	defer a.notifyState(notifyReady)

	a.mu.Lock()
	old := a.applied
	a.mu.Unlock()

	sections, attrs := config.SummarizeConfigChange(old, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("applying config change", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			if old != nil && old.Logging.Telegram.Token != newCfg.Logging.Telegram.Token {
				a.log.Warn("logging.telegram.token changed; restart required for it to take effect")
			}
			a.logs.Apply(mapLogConfig(newCfg, a.logLevel))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "diag":
			a.log.Warn("diag config changed; restart required for changes to take effect")
		case "scheduler":
			if old != nil && old.Scheduler.HistorySize != newCfg.Scheduler.HistorySize {
				a.log.Warn("scheduler.history_size changed; restart required for it to take effect")
			}
			a.restartLoop(newCfg)
		}
	}

	if err := a.applyJobs(newCfg); err != nil {
		a.log.Error("some jobs could not be applied", logx.Err(err))
	}
}

// restartLoop restarts the scheduler loop when the poll interval changed.
func (a *App) restartLoop(cfg *config.Config) {
	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		a.log.Warn("scheduler config ignored", logx.Err(err))
		return
	}
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.stopping || rcfg.PollInterval == a.poll {
		return
	}
	a.run.Stop()
	wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.run.Wait(wctx); err != nil {
		a.log.Error("scheduler loop did not stop; keeping old poll interval", logx.Err(err))
		return
	}
	if err := a.run.StartBackground(a.sup.Context(), rcfg.PollInterval); err != nil {
		a.log.Error("scheduler loop restart failed", logx.Err(err))
		return
	}
	a.log.Info("scheduler loop restarted", logx.Duration("old_poll", a.poll), logx.Duration("poll", rcfg.PollInterval))
	a.poll = rcfg.PollInterval
}

func (a *App) notifyState(state string) {
	if a.notify == nil {
		return
	}
	sent, err := a.notify(state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

func setOf(lists ...[]string) map[string]struct{} {
	m := map[string]struct{}{}
	for _, l := range lists {
		for _, s := range l {
			m[s] = struct{}{}
		}
	}
	return m
}
