package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/models"
)

// handleSubmit accepts a NewWorkItem and runs the submit/dedup protocol.
// Created submissions return 201; dedup hits return 200 with the merge link.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var item models.NewWorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.storage.WorkStore().Submit(r.Context(), item)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created != nil {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, result)
}

// handleGetWork fetches one work item.
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workID(w, r)
	if !ok {
		return
	}

	item, err := s.storage.WorkStore().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

// handleListWork lists work items by state.
func (s *Server) handleListWork(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	if stateParam == "" {
		stateParam = string(models.StateQueued)
	}
	state, err := models.ParseState(stateParam)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	items, err := s.storage.WorkStore().ListByState(r.Context(), state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.WorkItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

// handleCancelWork dead-letters a queued item. Items past queued return
// 409: cancellation never pre-empts in-flight work.
func (s *Server) handleCancelWork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workID(w, r)
	if !ok {
		return
	}

	if err := s.storage.WorkStore().DeadLetter(r.Context(), id, models.StateQueued, "cancelled"); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleWorkLogs returns a work item's scoped logs in timestamp order.
func (s *Server) handleWorkLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workID(w, r)
	if !ok {
		return
	}

	logs, err := s.storage.WorkLogStore().ForWork(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleWorkProvenance returns the preserved origins of submissions merged
// into this canonical item.
func (s *Server) handleWorkProvenance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workID(w, r)
	if !ok {
		return
	}

	prov, err := s.storage.WorkStore().MergedProvenance(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if prov == nil {
		prov = []models.MergedProvenance{}
	}
	s.writeJSON(w, http.StatusOK, prov)
}

// handleEvents tails the event log from a sequence number.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since parameter"})
			return
		}
		since = parsed
	}

	events, err := s.storage.EventStore().Since(r.Context(), since)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, newEventView(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// eventView flattens an event for the wire: the kind's own fields plus its
// type tag, alongside seq and timestamp.
type eventView struct {
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Kind      json.RawMessage `json:"kind"`
}

func newEventView(e models.Event) eventView {
	var kind json.RawMessage
	if unknown, ok := e.Kind.(models.UnknownEvent); ok {
		kind, _ = json.Marshal(map[string]string{"type": "unknown", "raw": unknown.Raw})
	} else if encoded, err := models.EncodeEventKind(e.Kind); err == nil {
		kind = encoded
	} else {
		kind = json.RawMessage(`{"type":"unknown"}`)
	}
	return eventView{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Kind:      kind,
	}
}

// handleHealth pings the durable store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion reports build information.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) workID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid work item id"})
		return uuid.Nil, false
	}
	return id, true
}
