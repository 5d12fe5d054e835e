package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
	"github.com/JakeFAU/csv-harvester/internal/scheduler"
)

// Scheduler is the part of scheduler.Scheduler the API drives.
type Scheduler interface {
	TryRunNow(ctx context.Context) error
	NextRun() time.Time
	State() scheduler.State
}

// ReportSource serves the most recent cycle report.
type ReportSource interface {
	Last() (harvest.CycleReport, bool)
}

// Server wires HTTP handlers to the scheduler and the cycle worker.
type Server struct {
	router  chi.Router
	baseCtx context.Context
	sched   Scheduler
	reports ReportSource
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Cycles started
// over HTTP run under baseCtx, not the request context.
func NewServer(baseCtx context.Context, sched Scheduler, reports ReportSource, logger *zap.Logger) *Server {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		baseCtx: baseCtx,
		sched:   sched,
		reports: reports,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/schedule", s.getSchedule)
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/last", s.getLastCycle)
			r.Post("/run", s.runCycle)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleResponse struct {
	State   string    `json:"state"`
	NextRun time.Time `json:"next_run"`
}

func (s *Server) getSchedule(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, scheduleResponse{
		State:   s.sched.State().String(),
		NextRun: s.sched.NextRun(),
	})
}

func (s *Server) getLastCycle(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.reports.Last()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no cycle has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	err := s.sched.TryRunNow(s.baseCtx)
	if errors.Is(err, scheduler.ErrCycleRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("manual cycle started", zap.String("request_id", requestID(r.Context())))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
