// Package httpapi exposes the pipeline operations, health and metrics over HTTP
// so an external scheduler can trigger each step.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bft-labs/niftysave/internal/app"
	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

// Pipeline is the set of operations the API triggers.
type Pipeline interface {
	Fill(ctx context.Context, maxSlices int) (app.FillResult, error)
	FanOut(ctx context.Context, maxBatch int) (app.BatchResult, error)
	Execute(ctx context.Context, maxBatch int) (app.BatchResult, error)
	Purge(ctx context.Context) (app.SweepResult, error)
	Report(ctx context.Context) (app.HealthReport, error)
	DeadLetters(ctx context.Context, since time.Time) ([]domain.DeadLetter, error)
}

var _ Pipeline = (*app.Operations)(nil)

// Server routes requests to a Pipeline.
type Server struct {
	pipeline Pipeline
	metrics  http.Handler
	logger   ports.Logger
	router   *mux.Router
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(pipeline Pipeline, metricsHandler http.Handler, logger ports.Logger) *Server {
	s := &Server{
		pipeline: pipeline,
		metrics:  metricsHandler,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.handle("/healthz", http.MethodGet, http.HandlerFunc(s.handleHealthz))
	if s.metrics != nil {
		s.handle("/metrics", http.MethodGet, s.metrics)
	}

	s.handle("/v1/fill", http.MethodPost, http.HandlerFunc(s.handleFill))
	s.handle("/v1/fanout", http.MethodPost, s.handleBatch(s.pipeline.FanOut))
	s.handle("/v1/execute", http.MethodPost, s.handleBatch(s.pipeline.Execute))
	s.handle("/v1/purge", http.MethodPost, http.HandlerFunc(s.handlePurge))
	s.handle("/v1/health", http.MethodGet, http.HandlerFunc(s.handleHealth))
	s.handle("/v1/deadletters", http.MethodGet, http.HandlerFunc(s.handleDeadLetters))
}

// handle registers h for method on path, followed by a catch-all for the same
// path answering 405 so a wrong verb never falls through to 404.
func (s *Server) handle(path, method string, h http.Handler) {
	s.router.Handle(path, h).Methods(method)
	s.router.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", method)
		respondMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", ports.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.Report(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.Report(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "max_slices")
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.pipeline.Fill(r.Context(), n)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// batchResponse adds the per-command error messages BatchResult omits.
type batchResponse struct {
	app.BatchResult
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleBatch(run func(context.Context, int) (app.BatchResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := intParam(r, "batch")
		if err != nil {
			respondMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := run(r.Context(), n)
		if err != nil {
			s.respondError(w, err)
			return
		}
		out := batchResponse{BatchResult: res}
		for _, e := range res.Errors {
			out.Errors = append(out.Errors, e.Error())
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Purge(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	dls, err := s.pipeline.DeadLetters(r.Context(), since)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, dls)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("http request",
			ports.String("method", r.Method),
			ports.String("path", r.URL.Path),
			ports.Int("status", rw.status),
			ports.Duration("took", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case domain.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", ports.Err(err))
	}
	respondMessage(w, status, err.Error())
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
