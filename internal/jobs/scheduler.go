// Package jobs runs background work off the request path with at most one
// active job per (kind, key).
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// Handler executes one job. payload is the JSON the job was launched with.
type Handler func(ctx context.Context, key string, payload json.RawMessage) error

// Snapshot is the active-job list published on every registry change.
type Snapshot []entity.ActiveJob

// worker is the registry's handle on a running job.
type worker struct {
	startedAt time.Time
	done      chan struct{}
}

type Scheduler struct {
	logger  *slog.Logger
	events  *bus.Bus[Snapshot]
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu     sync.Mutex
	active map[entity.JobKey]*worker
	closed bool
}

type Option func(*Scheduler)

// WithJobTimeout bounds each job's context. Zero leaves jobs unbounded.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler creates a scheduler publishing registry changes on events (may be nil).
func NewScheduler(events *bus.Bus[Snapshot], logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:   logger,
		events:   events,
		base:     base,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		active:   make(map[entity.JobKey]*worker),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs the handler for kind, replacing any previous one.
func (s *Scheduler) Register(kind string, h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[kind] = h
}

// Run launches the job and returns immediately. If a job with the same kind
// and key is already active the call does nothing.
func (s *Scheduler) Run(kind, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("job payload not serializable", "job_kind", kind, "job_key", key, "error", err)
		return
	}

	s.hmu.RLock()
	h, ok := s.handlers[kind]
	s.hmu.RUnlock()
	if !ok {
		s.logger.Warn("unknown job kind, ignoring", "job_kind", kind, "job_key", key)
		return
	}

	k := entity.JobKey{Kind: kind, Key: key}
	w := &worker{startedAt: time.Now().UTC(), done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("cannot run job: scheduler is shutting down", "job_kind", kind, "job_key", key)
		return
	}
	if _, busy := s.active[k]; busy {
		s.mu.Unlock()
		s.logger.Debug("job already active, collapsing", "job_kind", kind, "job_key", key)
		return
	}
	s.active[k] = w
	s.wg.Add(1)
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Info("job started", "job_kind", kind, "job_key", key)
	go s.work(k, w, h, raw)
}

func (s *Scheduler) work(k entity.JobKey, w *worker, h Handler, payload json.RawMessage) {
	defer s.wg.Done()
	defer s.finish(k, w)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				"job_kind", k.Kind, "job_key", k.Key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx := s.base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := h(ctx, k.Key, payload); err != nil {
		s.logger.Error("job failed", "job_kind", k.Kind, "job_key", k.Key, "error", err,
			"elapsed_ms", time.Since(w.startedAt).Milliseconds())
		return
	}
	s.logger.Info("job finished", "job_kind", k.Kind, "job_key", k.Key,
		"elapsed_ms", time.Since(w.startedAt).Milliseconds())
}

// finish removes the registry entry. It runs exactly once per worker.
func (s *Scheduler) finish(k entity.JobKey, w *worker) {
	s.mu.Lock()
	if s.active[k] == w {
		delete(s.active, k)
	}
	s.publishLocked()
	s.mu.Unlock()
	close(w.done)
}

func (s *Scheduler) publishLocked() {
	if s.events != nil {
		s.events.Publish(s.snapshotLocked())
	}
}

func (s *Scheduler) snapshotLocked() Snapshot {
	out := make(Snapshot, 0, len(s.active))
	for k, w := range s.active {
		out = append(out, entity.ActiveJob{JobKey: k, StartedAt: w.startedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].String() < out[j].String()
	})
	return out
}

// IsActive reports whether a job with this kind and key is running.
func (s *Scheduler) IsActive(kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[entity.JobKey{Kind: kind, Key: key}]
	return ok
}

// Active lists running jobs, oldest first.
func (s *Scheduler) Active() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Wait blocks until the job for kind/key has exited or ctx is done. It
// returns nil at once when no such job is active.
func (s *Scheduler) Wait(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	w, ok := s.active[entity.JobKey{Kind: kind, Key: key}]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new jobs, cancels the context of running ones and waits
// for them to exit or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()

	select {
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted by context")
	case <-done:
		s.logger.Info("jobs drained, shutdown complete")
	}
}
