package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"call-insights-go/internal/controller"
	"call-insights-go/internal/query"
	"call-insights-go/internal/types"
	"call-insights-go/internal/voice"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error    string          `json:"error"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
}

type queryRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "ok")
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// Caller details are optional.
	var caller types.Caller
	if err := decodeBody(r, &caller); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	snap, err := s.calls.Start(r.Context(), caller)
	if err != nil {
		s.writeCallError(w, r, err, snap)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Stop(r.Context())
	if err != nil {
		s.writeCallError(w, r, err, snap)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Cancel()
	if err != nil {
		s.writeCallError(w, r, err, snap)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Reset()
	if err != nil {
		s.writeCallError(w, r, err, snap)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

// handleWebhook receives vendor server messages. Message types without a
// lifecycle meaning are acknowledged and dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	ev, ok, err := voice.ParseWebhook(raw)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	if ok {
		s.log.WithRequest(r).WithField("event", ev.Type).WithField("call_id", ev.CallID).Debug("webhook event")
		s.calls.HandleEvent(ev)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, query.ErrNotConfigured, nil)
		return
	}
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	view, err := s.queries.Submit(r.Context(), req.Text)
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		s.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	case errors.Is(err, query.ErrQueryInFlight):
		s.writeError(w, r, http.StatusConflict, err, nil)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	s.writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error, snap types.Snapshot) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, controller.ErrCallInProgress),
		errors.Is(err, controller.ErrNoActiveCall),
		errors.Is(err, controller.ErrNotTerminal),
		errors.Is(err, controller.ErrNotPolling):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrClosed), errors.Is(err, voice.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, r, status, err, &snap)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error, snap *types.Snapshot) {
	entry := s.log.WithRequest(r).WithField("status", status).WithField("error", err.Error())
	if status >= 500 {
		entry.Error("request error")
	} else {
		entry.Warn("request rejected")
	}
	s.writeJSON(w, r, status, errorBody{Error: err.Error(), Snapshot: snap})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithRequest(r).WithField("error", err.Error()).Error("failed to write response")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
