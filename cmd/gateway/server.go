package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peregrinehq/switchboard"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

func newHandler(gw *switchboard.Gateway, logger *slog.Logger) http.Handler {
	s := &server{gw: gw, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/chats/{id}/cancel", s.handleCancelChat)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type server struct {
	gw     *switchboard.Gateway
	logger *slog.Logger
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerr.NewInvalidRequest("", "", "malformed request body: "+err.Error()))
		return
	}

	sub, err := s.gw.SubmitRequest(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		s.streamEvents(w, r, sub)
		return
	}
	s.collectResponse(w, sub)
}

// streamEvents relays the subscription as server-sent events. The HTTP
// client disconnecting cancels the request upstream.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request, sub *switchboard.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerr.NewInternal("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-Id", sub.RequestID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer sub.Close()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type chatResponse struct {
	RequestID string                  `json:"request_id"`
	Text      string                  `json:"text"`
	ToolCalls []types.ToolCallRequest `json:"tool_calls,omitempty"`
	Usage     *types.UsageReport      `json:"usage,omitempty"`
	Error     *gwerr.Error            `json:"error,omitempty"`
}

// collectResponse drains the subscription and answers with one JSON body.
func (s *server) collectResponse(w http.ResponseWriter, sub *switchboard.Subscription) {
	defer sub.Close()

	resp := chatResponse{RequestID: sub.RequestID()}
	for ev := range sub.Events() {
		switch ev.Kind {
		case types.EventTokenDelta:
			resp.Text += ev.Text
		case types.EventToolCall:
			resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
		case types.EventUsage:
			resp.Usage = ev.Usage
		case types.EventError:
			resp.Error = ev.Err
		}
	}

	status := http.StatusOK
	if resp.Error != nil {
		status = resp.Error.HTTPStatusCode()
	}
	writeJSON(w, status, resp)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.gw.Status(r.PathValue("id"))
	if !ok {
		writeError(w, gwerr.NewInvalidRequest("", "", "unknown request id"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.gw.Cancel(id) {
		writeError(w, gwerr.NewInvalidRequest("", "", "unknown request id"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "cancelling"})
}

func (s *server) handleCancelChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := s.gw.CancelChat(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"chat_id": id, "cancelled": n})
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, gwerr.NewInvalidRequest("", "", "user query parameter is required"))
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, gwerr.NewInvalidRequest("", "", "since must be RFC3339"))
			return
		}
		since = parsed
	}

	records, err := s.gw.UsageForUser(r.Context(), userID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "records": records})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.gw.Models()})
}

func writeError(w http.ResponseWriter, err error) {
	var ge *gwerr.Error
	if !errors.As(err, &ge) {
		ge = gwerr.NewInternal(err.Error())
	}
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ge.RetryAfter.Seconds())))
	}
	writeJSON(w, ge.HTTPStatusCode(), map[string]any{"error": ge})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
