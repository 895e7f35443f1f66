package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vk/pipegridgo/internal/stage"
)

// ErrGone is returned by the client when the server answers 410: the
// scheduler has written this executor off (missed heartbeats or graceful
// retirement already processed) and the process should exit.
var ErrGone = errors.New("server no longer recognizes this executor")

// ErrDraining is returned when the server refuses new work because the run
// reached a terminal state.
var ErrDraining = errors.New("server is draining")

// Client is the executor-side view of the scheduling protocol.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the scheduler at baseURL
// (e.g. "http://10.0.0.5:8642").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Register admits this process as an executor and returns its assigned ID.
func (c *Client) Register(ctx context.Context, capacity stage.Resources, greedy bool) (string, error) {
	var resp registerResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/executors", registerRequest{
		MemoryGB: capacity.MemoryGB,
		Procs:    capacity.Procs,
		Greedy:   greedy,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ExecutorID, nil
}

// RequestStage asks for one runnable stage. ok is false when the server has
// nothing that fits right now.
func (c *Client) RequestStage(ctx context.Context, executorID string) (*stage.Stage, bool, error) {
	var payload stagePayload
	err := c.do(ctx, http.MethodPost, "/api/v1/executors/"+executorID+"/request", nil, &payload)
	if err != nil {
		if errors.Is(err, errNoContent) {
			return nil, false, nil
		}
		return nil, false, err
	}
	st, err := stage.New(payload.Command, payload.Inputs, payload.Outputs,
		stage.Resources{MemoryGB: payload.MemoryGB, Procs: payload.Procs})
	if err != nil {
		return nil, false, fmt.Errorf("server sent an invalid stage: %w", err)
	}
	st.ID = payload.ID
	return st, true, nil
}

// ReportResult delivers the exit status of a finished stage.
func (c *Client) ReportResult(ctx context.Context, executorID string, stageID, exitCode int, message string) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/executors/"+executorID+"/result", resultRequest{
		StageID:  stageID,
		ExitCode: exitCode,
		Message:  message,
	}, nil)
	if errors.Is(err, errNoContent) {
		return nil
	}
	return err
}

// Heartbeat tells the server this executor is still alive.
func (c *Client) Heartbeat(ctx context.Context, executorID string, ts time.Time) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/executors/"+executorID+"/heartbeat",
		heartbeatRequest{Timestamp: ts}, nil)
	if errors.Is(err, errNoContent) {
		return nil
	}
	return err
}

// Retire deregisters this executor gracefully.
func (c *Client) Retire(ctx context.Context, executorID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/executors/"+executorID, nil, nil)
	if errors.Is(err, errNoContent) {
		return nil
	}
	return err
}

// errNoContent is the internal marker for a 204 response.
var errNoContent = errors.New("no content")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return errNoContent
	case resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrDraining
	case resp.StatusCode >= 400:
		var er errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&er); decodeErr == nil && er.Error != "" {
			return fmt.Errorf("server rejected %s %s: %s", method, path, er.Error)
		}
		return fmt.Errorf("server rejected %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
