// Package diag serves an optional HTTP endpoint for inspecting a running
// scheduler: liveness, the job table, recent runs and net/http/pprof.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"pulse/internal/runtime/supervisor"
	"pulse/internal/storage"
	"pulse/internal/task/runner"
	logx "pulse/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	defaultRunsLimit = 20
	maxRunsLimit     = 1000
)

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback Addr needs Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Source is what the server reports on.
type Source interface {
	Status() runner.Snapshot
	Goroutines() supervisor.Counters
	RecentRuns(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error)
}

type Server struct {
	cfg Config
	src Source
	log logx.Logger

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, src Source, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, src: src, log: log}
}

// CheckAddr refuses a public bind without auth.
func CheckAddr(addr, token string, allowInsecure bool) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid addr %q (expected host:port): %w", addr, err)
	}
	if !allowInsecure && strings.TrimSpace(token) == "" && !isLoopbackAddr(addr) {
		return errors.New("binding to a non-loopback addr requires token or allow_insecure")
	}
	return nil
}

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve listens on cfg.Addr and serves until ctx is done. A clean shutdown
// returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if err := CheckAddr(s.cfg.Addr, s.cfg.Token, s.cfg.AllowInsecure); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
	}()

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}
	s.log.Info("diag listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		s.log.Info("diag stopped")
		return nil
	}
	return err
}

// Handler returns the routes, wrapped with token auth when configured.
func (s *Server) Handler() http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		if !s.src.Status().Running {
			http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/jobs", wrap(s.handleJobs))
	mux.HandleFunc("/runs", wrap(s.handleRuns))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type jobView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Schedule  string    `json:"schedule"`
	LastFired time.Time `json:"last_fired,omitzero"`
	NextRun   time.Time `json:"next_run"`
}

type statusView struct {
	Running      bool      `json:"running"`
	PollInterval string    `json:"poll_interval"`
	Ticks        uint64    `json:"ticks"`
	Runs         uint64    `json:"runs"`
	Failures     uint64    `json:"failures"`
	Jobs         []jobView `json:"jobs"`

	Goroutines supervisor.Counters `json:"goroutines"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Status()
	out := statusView{
		Running:      snap.Running,
		PollInterval: snap.PollInterval.String(),
		Ticks:        snap.Ticks,
		Runs:         snap.Runs,
		Failures:     snap.Failures,
		Jobs:         make([]jobView, 0, len(snap.Jobs)),
		Goroutines:   s.src.Goroutines(),
	}
	for _, j := range snap.Jobs {
		out.Jobs = append(out.Jobs, jobView{
			ID:        j.ID,
			Kind:      j.Kind.String(),
			Schedule:  j.Schedule,
			LastFired: j.LastFired,
			NextRun:   j.NextRun,
		})
	}
	writeJSON(w, out)
}

type runView struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Panicked   bool      `json:"panicked,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultRunsLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.src.RecentRuns(r.Context(), strings.TrimSpace(q.Get("job")), limit)
	if err != nil {
		s.log.Warn("diag runs query failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, rr := range runs {
		out = append(out, runView{
			ID:         rr.ID,
			JobID:      rr.JobID,
			Started:    rr.Started,
			DurationMS: rr.Duration.Milliseconds(),
			Error:      rr.Error,
			Panicked:   rr.Panicked,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// All interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
