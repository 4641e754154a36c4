// Package server exposes the case API over HTTP, realtime events over SSE
// and a gRPC health endpoint.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/export"
	"github.com/joseph-ayodele/casewatch/internal/extract"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
	"github.com/joseph-ayodele/casewatch/internal/realtime"
)

// Drafter writes report emails; *extract.Analyzer satisfies it.
type Drafter interface {
	DraftEmail(ctx context.Context, req extract.EmailRequest) (*extract.EmailDraft, error)
}

// Deps are the collaborators the HTTP API needs.
type Deps struct {
	Store     *cases.Store
	Scheduler *jobs.Scheduler
	Hub       *realtime.Hub
	Export    *export.Service
	Drafter   Drafter
	// Health is called by /healthz; nil means always healthy.
	Health func(ctx context.Context) error
	// Lang is the default analysis language.
	Lang   string
	Logger *slog.Logger
}

type Server struct {
	store     *cases.Store
	scheduler *jobs.Scheduler
	hub       *realtime.Hub
	export    *export.Service
	drafter   Drafter
	health    func(ctx context.Context) error
	lang      string
	logger    *slog.Logger

	// SSE keep-alive interval
	pingEvery time.Duration
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		store:     d.Store,
		scheduler: d.Scheduler,
		hub:       d.Hub,
		export:    d.Export,
		drafter:   d.Drafter,
		health:    d.Health,
		lang:      d.Lang,
		logger:    d.Logger,
		pingEvery: 25 * time.Second,
	}
}

// HTTPServer returns an http.Server for the API on addr. Request contexts
// derive from ctx, so canceling ctx ends open event streams and lets
// Shutdown return without waiting for them.
func (s *Server) HTTPServer(ctx context.Context, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// Handler returns the routed API with request-id, logging and recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/cases", s.createCase)
	mux.HandleFunc("GET /api/cases", s.listCases)
	mux.HandleFunc("GET /api/cases/export.xlsx", s.exportCases)
	mux.HandleFunc("GET /api/cases/{id}", s.getCase)
	mux.HandleFunc("DELETE /api/cases/{id}", s.deleteCase)
	mux.HandleFunc("POST /api/cases/{id}/photos", s.addPhoto)
	mux.HandleFunc("DELETE /api/cases/{id}/photos/{filename}", s.removePhoto)
	mux.HandleFunc("PUT /api/cases/{id}/overrides", s.setOverrides)
	mux.HandleFunc("PUT /api/cases/{id}/vin-override", s.setVinOverride)
	mux.HandleFunc("POST /api/cases/{id}/analyze", s.analyzeCase)
	mux.HandleFunc("POST /api/cases/{id}/photos/{filename}/analyze", s.analyzePhoto)
	mux.HandleFunc("POST /api/cases/{id}/photos/{filename}/paperwork", s.extractPaperwork)
	mux.HandleFunc("POST /api/cases/{id}/email-draft", s.draftEmail)
	mux.HandleFunc("GET /api/cases/{id}/events", s.events)
	mux.HandleFunc("GET /api/events", s.allEvents)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /healthz", s.healthz)

	return s.withRequestID(s.withRecover(mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = common.WithRequestID(ctx, id)
		}
		ctx, rid := common.EnsureRequestID(ctx)
		w.Header().Set("X-Request-ID", rid)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.logger.Info("http request",
			"req_id", rid,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("http handler panicked",
					"req_id", common.RequestIDFromContext(r.Context()),
					"panic", v,
					"stack", string(debug.Stack()),
				)
				writeError(w, common.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
