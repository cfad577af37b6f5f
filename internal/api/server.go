// Package api exposes the runtime manager and message bus over a small
// JSON HTTP surface: agent deployment and control, bus inspection, and a
// server-sent-events stream per channel.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agentrt/internal/bus"
	"github.com/flitsinc/agentrt/internal/codeguard"
	"github.com/flitsinc/agentrt/internal/runtime"
)

type Server struct {
	Runtime   *runtime.Manager
	Bus       *bus.Bus
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentItem)
	mux.HandleFunc("/api/channels/", s.handleChannels)
	mux.HandleFunc("/api/stats", s.handleStats)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if !s.StartedAt.IsZero() {
		payload["uptime"] = time.Since(s.StartedAt).String()
	}
	writeJSON(w, http.StatusOK, payload)
}

type deployRequest struct {
	Source       string   `json:"source"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Isolation    string   `json:"isolation"`
	Filename     string   `json:"filename"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Runtime.AllStatuses())
	case http.MethodPost:
		var req deployRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := s.Runtime.Deploy(r.Context(), req.Source, runtime.Spec{
			Type:         req.Type,
			Capabilities: req.Capabilities,
			Isolation:    req.Isolation,
			Filename:     req.Filename,
		})
		if err != nil {
			writeError(w, deployStatus(err), err)
			return
		}
		agent, _ := s.Runtime.Status(id)
		writeJSON(w, http.StatusCreated, agent)
	default:
		writeMethodNotAllowed(w)
	}
}

func deployStatus(err error) int {
	var violation *codeguard.Violation
	switch {
	case errors.Is(err, runtime.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	agentID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			agent, ok := s.Runtime.Status(agentID)
			if !ok {
				writeError(w, http.StatusNotFound, errNotFound("agent"))
				return
			}
			writeJSON(w, http.StatusOK, agent)
		case http.MethodDelete:
			// Stop is a no-op for unknown IDs, so DELETE is idempotent.
			s.Runtime.Stop(r.Context(), agentID)
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	if segments[1] == "tasks" {
		s.handleDispatch(w, r, agentID)
		return
	}
	writeError(w, http.StatusNotFound, errNotFound("agent action"))
}

type dispatchRequest struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req dispatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := s.Runtime.Dispatch(r.Context(), agentID, runtime.TaskSpec{ID: req.ID, Payload: req.Payload})
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, runtime.ErrNotRunning):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("channel resource"))
		return
	}
	channel := segments[0]

	switch segments[1] {
	case "messages":
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		messages, err := s.Bus.Messages(r.Context(), channel, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	case "stream":
		s.handleStream(w, r, channel)
	default:
		writeError(w, http.StatusNotFound, errNotFound("channel action"))
	}
}

// handleStream relays a channel's messages as server-sent events until the
// client hangs up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	events := make(chan bus.Message, 16)
	sub, err := s.Bus.Subscribe(channel, func(msg bus.Message) {
		select {
		case events <- msg:
		default:
		}
	})
	if err != nil {
		return
	}
	defer s.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := s.Bus.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":    stats,
		"agents": s.Runtime.Tracked(),
	})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
