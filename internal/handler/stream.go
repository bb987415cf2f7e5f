// Package handler implements the HTTP surface of the gateway.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"

	"github.com/capitalize-ai/agent-gateway/internal/config"
	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/middleware"
	"github.com/capitalize-ai/agent-gateway/internal/model"
	"github.com/capitalize-ai/agent-gateway/internal/mux"
	"github.com/capitalize-ai/agent-gateway/internal/orchestrator"
	"github.com/capitalize-ai/agent-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-gateway/pkg/metrics"
)

// StreamHandler handles the SSE streaming chat endpoint.
type StreamHandler struct {
	orch   *orchestrator.Orchestrator
	cfg    *config.Config
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(orch *orchestrator.Orchestrator, cfg *config.Config, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		orch:   orch,
		cfg:    cfg,
		logger: log,
	}
}

// Stream handles POST /api/v1/sessions/{id}/stream. Each canonical event
// becomes one SSE frame: `event:` carries the variant name, `data:` the
// JSON payload.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateProvider(req.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateChatMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentCfg, ok := h.cfg.AgentConfig(req.Provider, req.Model)
	if !ok {
		writeError(w, http.StatusBadRequest, "provider not configured")
		return
	}

	chatReq := &model.ChatRequest{
		SessionID: sessionID,
		Messages:  req.Messages,
		Variables: req.Variables,
		Stream:    true,
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	m := mux.New(h.cfg.SinkQueueSize)
	clientCh := m.Subscribe("client")

	runErr := make(chan error, 1)
	go func() {
		runErr <- h.orch.Run(ctx, chatReq, agentCfg, m)
	}()

	for ev := range clientCh {
		if err := sendSSEEvent(w, flusher, ev); err != nil {
			// Client write failure; the request context cancels the run.
			break
		}
	}

	if err := <-runErr; err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Info("stream cancelled by client", "session_id", sessionID)
		} else {
			h.logger.Warn("stream ended abnormally", "session_id", sessionID, "error", err)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev event.Event) error {
	payload := ev.Payload()
	if payload == nil {
		payload = struct{}{}
	}
	data, err := gojson.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
