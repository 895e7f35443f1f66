// Package server exposes the scheduler over HTTP+JSON. The protocol is
// deliberately small (register, request, result, heartbeat, retire) and
// the server is the callee for all of it; executors never talk to each
// other.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vk/pipegridgo/internal/ctxlog"
	"github.com/vk/pipegridgo/internal/scheduler"
	"github.com/vk/pipegridgo/internal/stage"
)

// Wire payloads shared by server and client.

type registerRequest struct {
	MemoryGB float64 `json:"memory_gb"`
	Procs    int     `json:"procs"`
	Greedy   bool    `json:"greedy"`
}

type registerResponse struct {
	ExecutorID string `json:"executor_id"`
}

type stagePayload struct {
	ID       int      `json:"id"`
	Command  []string `json:"command"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	MemoryGB float64  `json:"memory_gb"`
	Procs    int      `json:"procs"`
}

type resultRequest struct {
	StageID  int    `json:"stage_id"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

type heartbeatRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server wires the scheduler's operations onto an http.ServeMux.
type Server struct {
	sched      *scheduler.Scheduler
	httpServer *http.Server
	addr       string
}

// New returns a Server for the given scheduler.
func New(sched *scheduler.Scheduler) *Server {
	return &Server{sched: sched}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/executors", s.handleRegister)
	mux.HandleFunc("POST /api/v1/executors/{id}/request", s.handleRequest)
	mux.HandleFunc("POST /api/v1/executors/{id}/result", s.handleResult)
	mux.HandleFunc("POST /api/v1/executors/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/v1/executors/{id}", s.handleRetire)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving on addr and returns the bound address (useful when
// addr requests an ephemeral port). The listener keeps running until Stop.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	logger := ctxlog.FromContext(ctx)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("🛰️ Scheduler server listening.", "address", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed unexpectedly.", "error", err)
		}
	}()
	return s.addr, nil
}

// Addr returns the bound listen address after Start.
func (s *Server) Addr() string { return s.addr }

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	id, err := s.sched.RegisterExecutor(r.Context(),
		stage.Resources{MemoryGB: req.MemoryGB, Procs: req.Procs}, req.Greedy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ExecutorID: id.String()})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := executorID(w, r)
	if !ok {
		return
	}
	st, err := s.sched.RequestStage(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if st == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, stagePayload{
		ID:       st.ID,
		Command:  st.Command,
		Inputs:   st.Inputs,
		Outputs:  st.Outputs,
		MemoryGB: st.Resources.MemoryGB,
		Procs:    st.Resources.Procs,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := executorID(w, r)
	if !ok {
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.sched.ReportResult(r.Context(), id, req.StageID, req.ExitCode, req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := executorID(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := s.sched.Heartbeat(r.Context(), id, ts); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	id, ok := executorID(w, r)
	if !ok {
		return
	}
	if err := s.sched.RetireExecutor(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func executorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid executor id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps scheduler errors onto HTTP statuses the client branches on:
// 410 tells an executor it is no longer part of the run and should exit.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownExecutor):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrExecutorGone):
		return http.StatusGone
	case errors.Is(err, scheduler.ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
