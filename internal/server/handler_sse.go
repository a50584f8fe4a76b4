package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// handleSSESteps streams step state transitions via Server-Sent Events.
// The stream opens with an "init" snapshot of every step, sends one "state"
// event per transition and ends with "complete" once the terminal step
// finished or the run shut the server down.
// GET /api/v1/sse/steps
func (s *Server) handleSSESteps(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.broker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", "current"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so no transition falls between the two.
	events, cancel := s.broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	steps := s.workflow.Steps()
	snapshot := make([]stepView, 0, len(steps))
	for _, st := range steps {
		snapshot = append(snapshot, newStepView(st, false))
	}
	if err := sendSSEEvent(w, flusher, "init", snapshot); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}

	heartbeat := s.config.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				sendSSEEvent(w, flusher, "complete", s.workflow.StateCounts())
				return
			}
			if err := sendSSEEvent(w, flusher, "state", ev); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
			if ev.StepID == workflow.TerminalStepID && ev.To.IsTerminal() {
				sendSSEEvent(w, flusher, "complete", s.workflow.StateCounts())
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
