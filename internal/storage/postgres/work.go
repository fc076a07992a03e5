package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/metrics"
	"github.com/bobmcallan/animus/internal/models"
)

type workStore struct {
	m *Manager
}

const workItemColumns = `id, work_type, dedup_key, source, trigger_info, params, priority, state,
	merged_into, parent_id, attempts, max_attempts, pgmq_msg_id,
	outcome_success, outcome_data, outcome_error, outcome_ms,
	created_at, updated_at, resolved_at`

// Submit runs the whole submit/dedup protocol in one transaction: insert
// guarded by the active-dedup unique index, then either merge into the
// canonical item or enqueue and announce. Partially committed work is
// impossible.
func (s *workStore) Submit(ctx context.Context, item models.NewWorkItem) (_ *models.SubmitResult, err error) {
	defer func() {
		if err != nil {
			metrics.Submissions.WithLabelValues("error").Inc()
		}
	}()

	if item.WorkType == "" {
		return nil, errors.Config("submit requires a work_type")
	}
	if item.Provenance.Source == "" {
		return nil, errors.Config("submit requires a provenance source")
	}

	params := item.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	tx, err := s.m.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Database("begin submit", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	now := time.Now().UTC()

	inserted := true
	if item.DedupKey != "" {
		// Insert-with-conflict pushes the atomic dedup check into the
		// database; read-then-write loses races under concurrent submitters.
		var got uuid.UUID
		err = tx.QueryRow(ctx, `
			INSERT INTO work_items (
				id, work_type, dedup_key, source, trigger_info, params,
				priority, state, parent_id, max_attempts, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, 'created', $8, $9, $10, $10)
			ON CONFLICT (work_type, dedup_key)
				WHERE dedup_key IS NOT NULL AND state NOT IN ('completed', 'dead', 'merged')
				DO NOTHING
			RETURNING id`,
			id, item.WorkType, item.DedupKey, item.Provenance.Source,
			nullIfEmpty(item.Provenance.Trigger), string(params),
			item.Priority, nullUUID(item.ParentID), nullIfZero(item.MaxAttempts), now,
		).Scan(&got)
		if err == pgx.ErrNoRows {
			inserted = false
		} else if err != nil {
			return nil, errors.Database("insert work item", err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO work_items (
				id, work_type, dedup_key, source, trigger_info, params,
				priority, state, parent_id, max_attempts, created_at, updated_at
			) VALUES ($1, $2, NULL, $3, $4, $5::jsonb, $6, 'created', $7, $8, $9, $9)`,
			id, item.WorkType, item.Provenance.Source,
			nullIfEmpty(item.Provenance.Trigger), string(params),
			item.Priority, nullUUID(item.ParentID), nullIfZero(item.MaxAttempts), now,
		)
		if err != nil {
			return nil, errors.Database("insert work item", err)
		}
	}

	if !inserted {
		result, err := s.mergeSuppressed(ctx, tx, id, item, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Database("commit submit", err)
		}
		metrics.Submissions.WithLabelValues("merged").Inc()
		return result, nil
	}

	// Enqueue with zero delay and record the message id on the row.
	payload, err := json.Marshal(models.WorkPayload{
		WorkItemID: id,
		WorkType:   item.WorkType,
		Params:     params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}

	var msgID int64
	err = tx.QueryRow(ctx, `SELECT pgmq.send($1, $2::jsonb, $3)`,
		s.m.queueName, string(payload), 0,
	).Scan(&msgID)
	if err != nil {
		return nil, errors.Database("enqueue work item", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE work_items SET state = 'queued', pgmq_msg_id = $1, updated_at = now()
		WHERE id = $2`,
		msgID, id,
	)
	if err != nil {
		return nil, errors.Database("queue work item", err)
	}

	if _, err := appendEventOn(ctx, tx, models.WorkCreated{
		ID:       id,
		WorkType: item.WorkType,
		DedupKey: item.DedupKey,
		Priority: item.Priority,
		Source:   item.Provenance.Source,
	}); err != nil {
		return nil, err
	}
	if _, err := appendEventOn(ctx, tx, models.WorkQueued{ID: id, Priority: item.Priority}); err != nil {
		return nil, err
	}

	// pg_notify is transactional: subscribers see work_ready only after
	// commit, so a dispatcher never chases a submission that rolled back.
	if _, err := tx.Exec(ctx, `SELECT pg_notify('work_ready', $1)`, item.WorkType); err != nil {
		return nil, errors.Database("notify work_ready", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Database("commit submit", err)
	}

	metrics.Submissions.WithLabelValues("created").Inc()
	metrics.QueueOperations.WithLabelValues(s.m.queueName, "send").Inc()

	created, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.SubmitResult{Created: created}, nil
}

// mergeSuppressed handles the conflict path: link the suppressed submission
// to the surviving canonical item and preserve its provenance.
func (s *workStore) mergeSuppressed(ctx context.Context, tx pgx.Tx, id uuid.UUID, item models.NewWorkItem, now time.Time) (*models.SubmitResult, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM work_items
		WHERE work_type = $1 AND dedup_key = $2
		AND state NOT IN ('completed', 'dead', 'merged')
		ORDER BY created_at ASC`,
		item.WorkType, item.DedupKey,
	)
	if err != nil {
		return nil, errors.Database("find canonical item", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, errors.Database("find canonical item", err)
	}

	switch {
	case len(ids) == 0:
		// The conflicting row retired between our insert and this read;
		// surfacing the race to the caller is safer than guessing.
		return nil, errors.Database("dedup conflict",
			fmt.Errorf("no active canonical item for (%s, %s)", item.WorkType, item.DedupKey))
	case len(ids) > 1:
		// The partial unique index makes this impossible; seeing it means
		// the store is structurally corrupt.
		s.m.logger.Error().
			Str("work_type", item.WorkType).
			Str("dedup_key", item.DedupKey).
			Int("count", len(ids)).
			Msg("Dedup uniqueness violated: multiple active canonical items")
		return nil, errors.Database("dedup conflict",
			fmt.Errorf("%d active items for (%s, %s)", len(ids), item.WorkType, item.DedupKey))
	}
	canonical := ids[0]

	// The merged row drops its dedup key so it never collides with the
	// canonical item under the active-dedup index.
	_, err = tx.Exec(ctx, `
		INSERT INTO work_items (
			id, work_type, dedup_key, source, trigger_info, params, priority,
			state, merged_into, parent_id, max_attempts,
			created_at, updated_at, resolved_at
		) VALUES ($1, $2, NULL, $3, $4, $5::jsonb, $6, 'merged', $7, $8, $9, $10, $10, $10)`,
		id, item.WorkType, item.Provenance.Source,
		nullIfEmpty(item.Provenance.Trigger), string(paramsOrEmpty(item.Params)),
		item.Priority, canonical, nullUUID(item.ParentID), nullIfZero(item.MaxAttempts), now,
	)
	if err != nil {
		return nil, errors.Database("insert merged item", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO merged_provenance (work_id, source, trigger_info, created_at)
		VALUES ($1, $2, $3, $4)`,
		canonical, item.Provenance.Source, nullIfEmpty(item.Provenance.Trigger), now,
	)
	if err != nil {
		return nil, errors.Database("record merged provenance", err)
	}

	if _, err := appendEventOn(ctx, tx, models.WorkMerged{
		ID:          id,
		CanonicalID: canonical,
		Reason:      fmt.Sprintf("structural dedup: %s=%s", item.WorkType, item.DedupKey),
	}); err != nil {
		return nil, err
	}

	return &models.SubmitResult{
		Merged: &models.MergedSubmission{NewID: id, CanonicalID: canonical},
	}, nil
}

// Get fetches a work item by id.
func (s *workStore) Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	row := s.m.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(id.String())
	}
	if err != nil {
		return nil, errors.Database("get work item", err)
	}
	return item, nil
}

// ListByState returns items in a state ordered by priority then age.
func (s *workStore) ListByState(ctx context.Context, state models.State) ([]*models.WorkItem, error) {
	rows, err := s.m.pool.Query(ctx,
		`SELECT `+workItemColumns+` FROM work_items
		 WHERE state = $1 ORDER BY priority DESC, created_at ASC`,
		string(state),
	)
	if err != nil {
		return nil, errors.Database("list work items", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, errors.Database("scan work item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("list work items", err)
	}
	return items, nil
}

// transitionOn performs the compare-and-set on (id, from) in a single
// UPDATE. Attempts increment exactly when the item enters running;
// resolved_at is set exactly when it enters a terminal state.
func (s *workStore) transitionOn(ctx context.Context, q querier, id uuid.UUID, from, to models.State) error {
	if !from.CanTransitionTo(to) {
		return errors.InvalidTransition(string(from), string(to))
	}

	bump := 0
	if to == models.StateRunning {
		bump = 1
	}

	tag, err := q.Exec(ctx, `
		UPDATE work_items
		SET state = $1,
		    updated_at = now(),
		    attempts = attempts + $2,
		    resolved_at = CASE WHEN $3 THEN now() ELSE resolved_at END
		WHERE id = $4 AND state = $5`,
		string(to), bump, to.IsTerminal(), id, string(from),
	)
	if err != nil {
		return errors.Database("update state", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM work_items WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return errors.Database("check work item", err)
		}
		if !exists {
			return errors.NotFound(id.String())
		}
		return errors.InvalidTransition(string(from), string(to))
	}

	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// inTx runs f in a transaction, committing on success.
func (s *workStore) inTx(ctx context.Context, op string, f func(tx pgx.Tx) error) error {
	tx, err := s.m.pool.Begin(ctx)
	if err != nil {
		return errors.Database("begin "+op, err)
	}
	defer tx.Rollback(ctx)

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Database("commit "+op, err)
	}
	return nil
}

// Transition performs a generic CAS transition and records a
// state_transition event.
func (s *workStore) Transition(ctx context.Context, id uuid.UUID, from, to models.State) error {
	return s.inTx(ctx, "transition", func(tx pgx.Tx) error {
		if err := s.transitionOn(ctx, tx, id, from, to); err != nil {
			return err
		}
		_, err := appendEventOn(ctx, tx, models.StateTransition{ID: id, From: from, To: to})
		return err
	})
}

// Claim moves queued → claimed for the given worker.
func (s *workStore) Claim(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.inTx(ctx, "claim", func(tx pgx.Tx) error {
		if err := s.transitionOn(ctx, tx, id, models.StateQueued, models.StateClaimed); err != nil {
			return err
		}
		_, err := appendEventOn(ctx, tx, models.WorkClaimed{ID: id, WorkerID: workerID})
		return err
	})
}

// Start moves claimed → running, incrementing attempts.
func (s *workStore) Start(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.inTx(ctx, "start", func(tx pgx.Tx) error {
		if err := s.transitionOn(ctx, tx, id, models.StateClaimed, models.StateRunning); err != nil {
			return err
		}
		_, err := appendEventOn(ctx, tx, models.WorkRunning{ID: id, WorkerID: workerID})
		return err
	})
}

// Complete stores the outcome and moves running → completed.
func (s *workStore) Complete(ctx context.Context, id uuid.UUID, outcome models.Outcome) error {
	return s.inTx(ctx, "complete", func(tx pgx.Tx) error {
		if err := s.setOutcomeOn(ctx, tx, id, outcome); err != nil {
			return err
		}
		if err := s.transitionOn(ctx, tx, id, models.StateRunning, models.StateCompleted); err != nil {
			return err
		}
		_, err := appendEventOn(ctx, tx, models.WorkCompleted{ID: id, DurationMS: outcome.DurationMS})
		return err
	})
}

// Fail stores the error outcome and moves running → failed.
func (s *workStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, durationMS int64) error {
	return s.inTx(ctx, "fail", func(tx pgx.Tx) error {
		if err := s.setOutcomeOn(ctx, tx, id, models.Outcome{
			Success:    false,
			Error:      errMsg,
			DurationMS: durationMS,
		}); err != nil {
			return err
		}
		if err := s.transitionOn(ctx, tx, id, models.StateRunning, models.StateFailed); err != nil {
			return err
		}
		attempts, err := s.attemptsOn(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = appendEventOn(ctx, tx, models.WorkFailed{
			ID:        id,
			Error:     errMsg,
			Retryable: retryable,
			Attempt:   attempts,
		})
		return err
	})
}

// Retry moves failed → queued for another attempt.
func (s *workStore) Retry(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, "retry", func(tx pgx.Tx) error {
		if err := s.transitionOn(ctx, tx, id, models.StateFailed, models.StateQueued); err != nil {
			return err
		}
		var priority int
		if err := tx.QueryRow(ctx,
			`SELECT priority FROM work_items WHERE id = $1`, id,
		).Scan(&priority); err != nil {
			return errors.Database("read priority", err)
		}
		_, err := appendEventOn(ctx, tx, models.WorkQueued{ID: id, Priority: priority})
		return err
	})
}

// DeadLetter moves from → dead with a reason.
func (s *workStore) DeadLetter(ctx context.Context, id uuid.UUID, from models.State, reason string) error {
	return s.inTx(ctx, "dead-letter", func(tx pgx.Tx) error {
		if err := s.transitionOn(ctx, tx, id, from, models.StateDead); err != nil {
			return err
		}
		attempts, err := s.attemptsOn(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = appendEventOn(ctx, tx, models.WorkDead{ID: id, Reason: reason, Attempts: attempts})
		return err
	})
}

// MergedProvenance lists preserved origins of submissions merged into id.
func (s *workStore) MergedProvenance(ctx context.Context, id uuid.UUID) ([]models.MergedProvenance, error) {
	rows, err := s.m.pool.Query(ctx, `
		SELECT work_id, source, trigger_info, created_at
		FROM merged_provenance WHERE work_id = $1 ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, errors.Database("read merged provenance", err)
	}
	defer rows.Close()

	var out []models.MergedProvenance
	for rows.Next() {
		var mp models.MergedProvenance
		var trigger *string
		if err := rows.Scan(&mp.WorkID, &mp.Provenance.Source, &trigger, &mp.CreatedAt); err != nil {
			return nil, errors.Database("scan merged provenance", err)
		}
		if trigger != nil {
			mp.Provenance.Trigger = *trigger
		}
		out = append(out, mp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("read merged provenance", err)
	}
	return out, nil
}

func (s *workStore) setOutcomeOn(ctx context.Context, q querier, id uuid.UUID, outcome models.Outcome) error {
	var data any
	if len(outcome.Data) > 0 {
		data = string(outcome.Data)
	}
	_, err := q.Exec(ctx, `
		UPDATE work_items
		SET outcome_success = $1, outcome_data = $2::jsonb, outcome_error = $3,
		    outcome_ms = $4, updated_at = now()
		WHERE id = $5`,
		outcome.Success, data, nullIfEmpty(outcome.Error), outcome.DurationMS, id,
	)
	if err != nil {
		return errors.Database("set outcome", err)
	}
	return nil
}

func (s *workStore) attemptsOn(ctx context.Context, q querier, id uuid.UUID) (int, error) {
	var attempts int
	if err := q.QueryRow(ctx,
		`SELECT attempts FROM work_items WHERE id = $1`, id,
	).Scan(&attempts); err != nil {
		return 0, errors.Database("read attempts", err)
	}
	return attempts, nil
}

// scanWorkItem reads one row in workItemColumns order.
func scanWorkItem(row pgx.Row) (*models.WorkItem, error) {
	var (
		item           models.WorkItem
		dedupKey       *string
		trigger        *string
		params         []byte
		stateStr       string
		mergedInto     *uuid.UUID
		parentID       *uuid.UUID
		maxAttempts    *int
		msgID          *int64
		outcomeSuccess *bool
		outcomeData    []byte
		outcomeError   *string
		outcomeMS      *int64
	)

	err := row.Scan(
		&item.ID, &item.WorkType, &dedupKey, &item.Provenance.Source, &trigger,
		&params, &item.Priority, &stateStr,
		&mergedInto, &parentID, &item.Attempts, &maxAttempts, &msgID,
		&outcomeSuccess, &outcomeData, &outcomeError, &outcomeMS,
		&item.CreatedAt, &item.UpdatedAt, &item.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	state, err := models.ParseState(stateStr)
	if err != nil {
		return nil, err
	}
	item.State = state
	item.Params = params

	if dedupKey != nil {
		item.DedupKey = *dedupKey
	}
	if trigger != nil {
		item.Provenance.Trigger = *trigger
	}
	if mergedInto != nil {
		item.MergedInto = *mergedInto
	}
	if parentID != nil {
		item.ParentID = *parentID
	}
	if maxAttempts != nil {
		item.MaxAttempts = *maxAttempts
	}
	if msgID != nil {
		item.QueueMsgID = *msgID
	}
	if outcomeSuccess != nil {
		outcome := &models.Outcome{Success: *outcomeSuccess}
		if outcomeData != nil {
			outcome.Data = outcomeData
		}
		if outcomeError != nil {
			outcome.Error = *outcomeError
		}
		if outcomeMS != nil {
			outcome.DurationMS = *outcomeMS
		}
		item.Outcome = outcome
	}

	return &item, nil
}

func paramsOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
