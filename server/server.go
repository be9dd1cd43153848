// Package server exposes the workflow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/metrics"
	"github.com/hazzzzzy/mvp-retail-ai/workflow"
)

// executeQuery is the request text of a direct plan execution.
const executeQuery = "执行上架"

// Runner runs one request through the workflow.
type Runner interface {
	Run(ctx context.Context, req retail.Request, sink retail.TokenFunc) (*workflow.Response, error)
}

// Server is the HTTP surface.
type Server struct {
	runner  Runner
	log     *zap.Logger
	model   string
	origins map[string]bool
	mounts  []mount
}

type mount struct {
	prefix   string
	register func(*mux.Router)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithModel reports model in every debug trail.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithAllowedOrigins enables CORS for origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			s.origins[o] = true
		}
	}
}

// WithMount registers extra routes under prefix.
func WithMount(prefix string, register func(*mux.Router)) Option {
	return func(s *Server) { s.mounts = append(s.mounts, mount{prefix, register}) }
}

// New creates a Server.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner, log: zap.NewNop(), origins: map[string]bool{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe, s.cors)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/chat", s.chat).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/chat/stream", s.chatStream).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/execute", s.execute).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	for _, m := range s.mounts {
		m.register(r.PathPrefix(m.prefix).Subrouter())
	}
	return r
}

type chatRequest struct {
	Query string `json:"query"`
}

type executeRequest struct {
	Plan *retail.Plan `json:"plan"`
}

type executeResponse struct {
	Intent    retail.Intent           `json:"intent"`
	Answer    string                  `json:"answer"`
	Execution *retail.ExecutionResult `json:"execution"`
	Debug     workflow.Debug          `json:"debug"`
}

type event struct {
	Type    string             `json:"type"`
	Content string             `json:"content,omitempty"`
	Result  *workflow.Response `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := s.runner.Run(r.Context(), retail.Request{Query: req.Query}, nil)
	if err != nil {
		s.log.Error("chat failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "request failed")
		return
	}
	resp.Debug.Model = s.model
	respondJSON(w, http.StatusOK, resp)
}

// chatStream emits start, token, done and error events. The workflow runs
// under the request context, so a disconnect cancels it.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(e event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(event{Type: "start"}); err != nil {
		return
	}
	resp, err := s.runner.Run(r.Context(), retail.Request{Query: req.Query}, func(token string) error {
		return send(event{Type: "token", Content: token})
	})
	switch {
	case err == nil:
		resp.Debug.Model = s.model
		send(event{Type: "done", Result: resp})
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		s.log.Info("stream client went away", zap.Error(err))
	default:
		s.log.Error("stream failed", zap.Error(err))
		send(event{Type: "error", Message: "request failed"})
	}
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req); err != nil || req.Plan == nil {
		respondError(w, http.StatusBadRequest, "plan is required")
		return
	}

	resp, err := s.runner.Run(r.Context(), retail.Request{Query: executeQuery, Plan: req.Plan}, nil)
	if err != nil {
		s.log.Error("execute failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "request failed")
		return
	}
	resp.Debug.Model = s.model
	respondJSON(w, http.StatusOK, executeResponse{
		Intent:    retail.IntentExecute,
		Answer:    resp.Answer,
		Execution: resp.Execution,
		Debug:     resp.Debug,
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.origins[origin] {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.RecordHTTPRequest(r.Method, endpoint, rec.status)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", endpoint),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
