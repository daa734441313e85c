// Package server exposes an agent over HTTP: JSON control endpoints
// plus a server-sent-events feed of lifecycle events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/agent"
	"github.com/nervestack/pulse/pkg/event"
	"github.com/nervestack/pulse/pkg/heartbeat"
)

const defaultChatTimeout = 30 * time.Second

// Server wires HTTP routes around one Agent.
type Server struct {
	agent       *agent.Agent
	stream      *event.Stream
	logger      *zap.Logger
	mux         *http.ServeMux
	chatTimeout time.Duration
	shutdown    func()
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChatTimeout bounds how long POST /chat waits for a response.
func WithChatTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.chatTimeout = d
		}
	}
}

// WithShutdown registers the callback POST /shutdown invokes after
// acknowledging the request.
func WithShutdown(fn func()) Option {
	return func(s *Server) { s.shutdown = fn }
}

// New creates a Server with pre-wired routes.
func New(ag *agent.Agent, opts ...Option) *Server {
	srv := &Server{
		agent:       ag,
		stream:      event.NewStream(ag.Bus()),
		logger:      zap.NewNop(),
		mux:         http.NewServeMux(),
		chatTimeout: defaultChatTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/model-info", s.handleModelInfo)
	s.mux.HandleFunc("/outputs", s.handleOutputs)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/input", s.handleInput)
	s.mux.HandleFunc("/beat", s.handleBeat)
	s.mux.HandleFunc("/thought", s.handleThought)
	s.mux.HandleFunc("/shutdown", s.handleShutdown)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// ServeHTTP implements http.Handler: request-ID tagging and logging
// around the route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := ulid.Make().String()
	w.Header().Set("X-Request-Id", id)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.mux.ServeHTTP(rec, r)
	s.logger.Info("http request",
		zap.String("request_id", id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("elapsed", time.Since(start)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": agent.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.agent.ModelInfo())
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	outputs := []heartbeat.Output{}
	for {
		out, ok := s.agent.PollOutput(0)
		if !ok {
			break
		}
		outputs = append(outputs, out)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.stream.ServeHTTP(w, r)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		errorJSON(w, http.StatusBadRequest, "empty message")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTimeout)
	defer cancel()
	resp, err := s.agent.Chat(ctx, msg)
	switch {
	case errors.Is(err, agent.ErrNoResponse):
		writeJSON(w, http.StatusOK, map[string]any{"response": "[No response]"})
	case err != nil:
		errorJSON(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"response": resp})
	}
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := s.agent.Submit(payload.Message); err != nil {
		errorJSON(w, http.StatusBadRequest, "empty message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.agent.TriggerBeat("api request")
	writeJSON(w, http.StatusOK, map[string]any{"status": "heartbeat triggered"})
}

func (s *Server) handleThought(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if content := strings.TrimSpace(payload.Content); content != "" {
		if err := s.agent.InjectThought(content); err != nil {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "thought injected"})
		return
	}
	if err := s.agent.MuseNow(); err != nil {
		errorJSON(w, http.StatusServiceUnavailable, "reverie not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "thought triggered"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	errorJSON(w, http.StatusNotFound, "not found")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
