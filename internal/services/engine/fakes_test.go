package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/interfaces"
	"github.com/bobmcallan/animus/internal/models"
)

// fakeStorage is an in-memory StorageManager mirroring the durable store's
// semantics: CAS transitions, attempt accounting, visibility timeouts, and
// event sequencing.
type fakeStorage struct {
	mu sync.Mutex

	items    map[uuid.UUID]*models.WorkItem
	events   []models.Event
	seq      int64
	logs     []models.LogEntry
	messages []*fakeMessage
	archived []int64
	deleted  []int64
	nextMsg  int64

	readCalls    int
	notifyCh     chan string
	subscribeErr error
}

type fakeMessage struct {
	msg       models.QueueMessage
	visibleAt time.Time
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		items:    make(map[uuid.UUID]*models.WorkItem),
		notifyCh: make(chan string, 16),
		nextMsg:  1,
	}
}

func (f *fakeStorage) WorkStore() interfaces.WorkStore       { return f }
func (f *fakeStorage) WorkQueue() interfaces.WorkQueue       { return f }
func (f *fakeStorage) EventStore() interfaces.EventStore     { return f }
func (f *fakeStorage) WorkLogStore() interfaces.WorkLogStore { return &fakeLogStore{f: f} }
func (f *fakeStorage) Notifier() interfaces.Notifier         { return f }
func (f *fakeStorage) Ping(context.Context) error            { return nil }
func (f *fakeStorage) Close() error                          { return nil }

// seedQueued inserts a queued item with a visible queue message, the way a
// committed submit leaves the store.
func (f *fakeStorage) seedQueued(workType string, maxAttempts int) (*models.WorkItem, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	item := &models.WorkItem{
		ID:          uuid.New(),
		WorkType:    workType,
		Provenance:  models.Provenance{Source: "test"},
		Params:      json.RawMessage(`{"content":"hello"}`),
		State:       models.StateQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.items[item.ID] = item

	payload, _ := json.Marshal(models.WorkPayload{WorkItemID: item.ID, WorkType: workType})
	msgID := f.pushLocked(payload)
	item.QueueMsgID = msgID
	return item, msgID
}

func (f *fakeStorage) pushLocked(payload json.RawMessage) int64 {
	msgID := f.nextMsg
	f.nextMsg++
	f.messages = append(f.messages, &fakeMessage{
		msg: models.QueueMessage{
			MsgID:      msgID,
			EnqueuedAt: time.Now().UTC(),
			Payload:    payload,
		},
	})
	return msgID
}

func (f *fakeStorage) pushRaw(payload string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushLocked(json.RawMessage(payload))
}

// makeVisible simulates the visibility timeout elapsing.
func (f *fakeStorage) makeVisible(msgID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.msg.MsgID == msgID {
			m.visibleAt = time.Time{}
		}
	}
}

func (f *fakeStorage) isArchived(msgID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.archived {
		if id == msgID {
			return true
		}
	}
	return false
}

func (f *fakeStorage) itemState(id uuid.UUID) models.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		return item.State
	}
	return ""
}

func (f *fakeStorage) itemSnapshot(id uuid.UUID) models.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

// --- WorkStore ---

func (f *fakeStorage) Submit(_ context.Context, item models.NewWorkItem) (*models.SubmitResult, error) {
	seeded, _ := f.seedQueued(item.WorkType, item.MaxAttempts)
	select {
	case f.notifyCh <- item.WorkType:
	default:
	}
	return &models.SubmitResult{Created: seeded}, nil
}

func (f *fakeStorage) Get(_ context.Context, id uuid.UUID) (*models.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, errors.NotFound(id.String())
	}
	copied := *item
	return &copied, nil
}

func (f *fakeStorage) ListByState(_ context.Context, state models.State) ([]*models.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkItem
	for _, item := range f.items {
		if item.State == state {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStorage) transitionLocked(id uuid.UUID, from, to models.State) error {
	if !from.CanTransitionTo(to) {
		return errors.InvalidTransition(string(from), string(to))
	}
	item, ok := f.items[id]
	if !ok {
		return errors.NotFound(id.String())
	}
	if item.State != from {
		return errors.InvalidTransition(string(from), string(to))
	}
	item.State = to
	item.UpdatedAt = time.Now().UTC()
	if to == models.StateRunning {
		item.Attempts++
	}
	if to.IsTerminal() {
		now := time.Now().UTC()
		item.ResolvedAt = &now
	}
	return nil
}

func (f *fakeStorage) appendLocked(kind models.EventKind) {
	f.seq++
	f.events = append(f.events, models.Event{
		Seq:       f.seq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	})
}

func (f *fakeStorage) Transition(_ context.Context, id uuid.UUID, from, to models.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, from, to); err != nil {
		return err
	}
	f.appendLocked(models.StateTransition{ID: id, From: from, To: to})
	return nil
}

func (f *fakeStorage) Claim(_ context.Context, id uuid.UUID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, models.StateQueued, models.StateClaimed); err != nil {
		return err
	}
	f.appendLocked(models.WorkClaimed{ID: id, WorkerID: workerID})
	return nil
}

func (f *fakeStorage) Start(_ context.Context, id uuid.UUID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, models.StateClaimed, models.StateRunning); err != nil {
		return err
	}
	f.appendLocked(models.WorkRunning{ID: id, WorkerID: workerID})
	return nil
}

func (f *fakeStorage) Complete(_ context.Context, id uuid.UUID, outcome models.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, models.StateRunning, models.StateCompleted); err != nil {
		return err
	}
	f.items[id].Outcome = &outcome
	f.appendLocked(models.WorkCompleted{ID: id, DurationMS: outcome.DurationMS})
	return nil
}

func (f *fakeStorage) Fail(_ context.Context, id uuid.UUID, errMsg string, retryable bool, durationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, models.StateRunning, models.StateFailed); err != nil {
		return err
	}
	f.items[id].Outcome = &models.Outcome{Success: false, Error: errMsg, DurationMS: durationMS}
	f.appendLocked(models.WorkFailed{ID: id, Error: errMsg, Retryable: retryable, Attempt: f.items[id].Attempts})
	return nil
}

func (f *fakeStorage) Retry(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, models.StateFailed, models.StateQueued); err != nil {
		return err
	}
	f.appendLocked(models.WorkQueued{ID: id, Priority: f.items[id].Priority})
	return nil
}

func (f *fakeStorage) DeadLetter(_ context.Context, id uuid.UUID, from models.State, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(id, from, models.StateDead); err != nil {
		return err
	}
	f.appendLocked(models.WorkDead{ID: id, Reason: reason, Attempts: f.items[id].Attempts})
	return nil
}

func (f *fakeStorage) MergedProvenance(context.Context, uuid.UUID) ([]models.MergedProvenance, error) {
	return nil, nil
}

// --- WorkQueue ---

func (f *fakeStorage) Create(context.Context, string) error { return nil }

func (f *fakeStorage) Send(_ context.Context, _ string, payload json.RawMessage, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushLocked(payload), nil
}

func (f *fakeStorage) Read(_ context.Context, _ string, vtSeconds int) (*models.QueueMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++

	now := time.Now()
	for _, m := range f.messages {
		if m.visibleAt.After(now) {
			continue
		}
		m.visibleAt = now.Add(time.Duration(vtSeconds) * time.Second)
		m.msg.ReadCount++
		copied := m.msg
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStorage) Archive(_ context.Context, _ string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, msgID)
	f.removeLocked(msgID)
	return nil
}

func (f *fakeStorage) Delete(_ context.Context, _ string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	f.removeLocked(msgID)
	return nil
}

func (f *fakeStorage) removeLocked(msgID int64) {
	kept := f.messages[:0]
	for _, m := range f.messages {
		if m.msg.MsgID != msgID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
}

// --- EventStore / WorkLogStore / Notifier ---

func (f *fakeStorage) Append(_ context.Context, kind models.EventKind) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendLocked(kind)
	e := f.events[len(f.events)-1]
	return &e, nil
}

func (f *fakeStorage) Since(_ context.Context, seq int64) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeLogStore keeps WorkLogStore's Append from clashing with the event
// store's method set on fakeStorage.
type fakeLogStore struct{ f *fakeStorage }

func (s *fakeLogStore) Append(_ context.Context, entry models.LogEntry) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.logs = append(s.f.logs, entry)
	return nil
}

func (s *fakeLogStore) ForWork(_ context.Context, id uuid.UUID) ([]models.LogEntry, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	var out []models.LogEntry
	for _, l := range s.f.logs {
		if l.WorkID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStorage) Subscribe(ctx context.Context, _ string) (<-chan string, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-f.notifyCh:
				out <- payload
			}
		}
	}()
	return out, nil
}

var errSubscribeDown = fmt.Errorf("listener unavailable")
