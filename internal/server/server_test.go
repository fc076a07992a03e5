package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/interfaces"
	"github.com/bobmcallan/animus/internal/models"
)

// --- mocks ---

type mockWorkStore struct {
	items map[uuid.UUID]*models.WorkItem
	// submitResult is returned verbatim by Submit.
	submitResult *models.SubmitResult
	submitErr    error
}

func newMockWorkStore() *mockWorkStore {
	return &mockWorkStore{items: make(map[uuid.UUID]*models.WorkItem)}
}

func (m *mockWorkStore) Submit(context.Context, models.NewWorkItem) (*models.SubmitResult, error) {
	return m.submitResult, m.submitErr
}

func (m *mockWorkStore) Get(_ context.Context, id uuid.UUID) (*models.WorkItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, errors.NotFound(id.String())
	}
	return item, nil
}

func (m *mockWorkStore) ListByState(_ context.Context, state models.State) ([]*models.WorkItem, error) {
	var out []*models.WorkItem
	for _, item := range m.items {
		if item.State == state {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mockWorkStore) Transition(_ context.Context, id uuid.UUID, from, to models.State) error {
	return m.cas(id, from, to)
}

func (m *mockWorkStore) Claim(_ context.Context, id uuid.UUID, _ string) error {
	return m.cas(id, models.StateQueued, models.StateClaimed)
}

func (m *mockWorkStore) Start(_ context.Context, id uuid.UUID, _ string) error {
	return m.cas(id, models.StateClaimed, models.StateRunning)
}

func (m *mockWorkStore) Complete(_ context.Context, id uuid.UUID, _ models.Outcome) error {
	return m.cas(id, models.StateRunning, models.StateCompleted)
}

func (m *mockWorkStore) Fail(_ context.Context, id uuid.UUID, _ string, _ bool, _ int64) error {
	return m.cas(id, models.StateRunning, models.StateFailed)
}

func (m *mockWorkStore) Retry(_ context.Context, id uuid.UUID) error {
	return m.cas(id, models.StateFailed, models.StateQueued)
}

func (m *mockWorkStore) DeadLetter(_ context.Context, id uuid.UUID, from models.State, _ string) error {
	return m.cas(id, from, models.StateDead)
}

func (m *mockWorkStore) MergedProvenance(context.Context, uuid.UUID) ([]models.MergedProvenance, error) {
	return nil, nil
}

func (m *mockWorkStore) cas(id uuid.UUID, from, to models.State) error {
	item, ok := m.items[id]
	if !ok {
		return errors.NotFound(id.String())
	}
	if !from.CanTransitionTo(to) || item.State != from {
		return errors.InvalidTransition(string(from), string(to))
	}
	item.State = to
	return nil
}

type mockStorage struct {
	work   *mockWorkStore
	events []models.Event
	logs   []models.LogEntry
}

func (m *mockStorage) WorkStore() interfaces.WorkStore   { return m.work }
func (m *mockStorage) WorkQueue() interfaces.WorkQueue   { return nil }
func (m *mockStorage) EventStore() interfaces.EventStore { return &mockEvents{m: m} }
func (m *mockStorage) WorkLogStore() interfaces.WorkLogStore {
	return &mockLogs{m: m}
}
func (m *mockStorage) Notifier() interfaces.Notifier { return nil }
func (m *mockStorage) Ping(context.Context) error    { return nil }
func (m *mockStorage) Close() error                  { return nil }

type mockEvents struct{ m *mockStorage }

func (e *mockEvents) Append(_ context.Context, kind models.EventKind) (*models.Event, error) {
	ev := models.Event{Seq: int64(len(e.m.events) + 1), Timestamp: time.Now(), Kind: kind}
	e.m.events = append(e.m.events, ev)
	return &ev, nil
}

func (e *mockEvents) Since(_ context.Context, seq int64) ([]models.Event, error) {
	var out []models.Event
	for _, ev := range e.m.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

type mockLogs struct{ m *mockStorage }

func (l *mockLogs) Append(_ context.Context, entry models.LogEntry) error {
	l.m.logs = append(l.m.logs, entry)
	return nil
}

func (l *mockLogs) ForWork(_ context.Context, id uuid.UUID) ([]models.LogEntry, error) {
	var out []models.LogEntry
	for _, entry := range l.m.logs {
		if entry.WorkID == id {
			out = append(out, entry)
		}
	}
	return out, nil
}

// --- helpers ---

func testServer(storage *mockStorage, cfg common.ServerConfig) *Server {
	return New(storage, common.NewSilentLogger(), cfg)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestSubmitCreated(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	item := &models.WorkItem{ID: uuid.New(), WorkType: "transform", State: models.StateQueued}
	storage.work.submitResult = &models.SubmitResult{Created: item}

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/work",
		[]byte(`{"work_type":"transform","provenance":{"source":"test"},"params":{"content":"hello"}}`))

	require.Equal(t, http.StatusCreated, rec.Code)

	var result models.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Created)
	assert.Equal(t, item.ID, result.Created.ID)
}

func TestSubmitMerged(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	merged := &models.MergedSubmission{NewID: uuid.New(), CanonicalID: uuid.New()}
	storage.work.submitResult = &models.SubmitResult{Merged: merged}

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/work",
		[]byte(`{"work_type":"project-check","dedup_key":"project=garden","provenance":{"source":"test"}}`))

	require.Equal(t, http.StatusOK, rec.Code)

	var result models.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Merged)
	assert.Equal(t, merged.CanonicalID, result.Merged.CanonicalID)
}

func TestSubmitInvalidBody(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/work", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkNotFound(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/work/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWorkBadID(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/work/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelQueuedWork(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	item := &models.WorkItem{ID: uuid.New(), State: models.StateQueued}
	storage.work.items[item.ID] = item

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/work/"+item.ID.String()+"/cancel", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateDead, item.State)
}

func TestCancelCompletedWorkConflicts(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	item := &models.WorkItem{ID: uuid.New(), State: models.StateCompleted}
	storage.work.items[item.ID] = item

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/work/"+item.ID.String()+"/cancel", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.StateCompleted, item.State)
}

func TestListWorkByState(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	queued := &models.WorkItem{ID: uuid.New(), State: models.StateQueued}
	dead := &models.WorkItem{ID: uuid.New(), State: models.StateDead}
	storage.work.items[queued.ID] = queued
	storage.work.items[dead.ID] = dead

	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/work?state=dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var items []*models.WorkItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, dead.ID, items[0].ID)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/work?state=teleporting", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsTail(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	id := uuid.New()
	storage.events = []models.Event{
		{Seq: 1, Timestamp: time.Now(), Kind: models.WorkCreated{ID: id, WorkType: "transform", Source: "test"}},
		{Seq: 2, Timestamp: time.Now(), Kind: models.UnknownEvent{Raw: `{"type":"quantum_entangled"}`}},
	}

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/events?since=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	first := views[0]["kind"].(map[string]any)
	assert.Equal(t, "work_created", first["type"])

	// Unknown events surface with their raw text, never an error.
	second := views[1]["kind"].(map[string]any)
	assert.Equal(t, "unknown", second["type"])
	assert.Contains(t, second["raw"], "quantum_entangled")

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/events?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Len(t, views, 1)
}

func TestWorkLogs(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	id := uuid.New()
	storage.logs = []models.LogEntry{
		{WorkID: id, Timestamp: time.Now(), Level: models.LogInfo, Message: "starting work"},
		{WorkID: uuid.New(), Timestamp: time.Now(), Level: models.LogError, Message: "other item"},
	}

	srv := testServer(storage, common.ServerConfig{})
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/work/"+id.String()+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs []models.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "starting work", logs[0].Message)
}

func TestHealth(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSubmitRateLimit(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	storage.work.submitResult = &models.SubmitResult{
		Created: &models.WorkItem{ID: uuid.New(), State: models.StateQueued},
	}

	srv := testServer(storage, common.ServerConfig{SubmitRatePerSecond: 1, SubmitBurst: 1})
	router := srv.Router()

	body := []byte(`{"work_type":"transform","provenance":{"source":"test"}}`)
	first := doRequest(t, router, http.MethodPost, "/api/work", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(t, router, http.MethodPost, "/api/work", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	storage := &mockStorage{work: newMockWorkStore()}
	srv := testServer(storage, common.ServerConfig{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
