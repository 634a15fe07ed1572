package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
)

const runColumns = `id::text, conversation_id::text, COALESCE(conversation_round_id::text, ''),
	speaker_space_membership_id::text, kind, reason, status, run_after, started_at, heartbeat_at, finished_at,
	cancel_requested_at, worker_id, debug, error, created_at, updated_at`

func scanRun(row scannable) (run.Run, error) {
	var (
		r     run.Run
		debug []byte
		errJS []byte
	)
	err := row.Scan(&r.ID, &r.ConversationID, &r.RoundID, &r.SpeakerID, &r.Kind, &r.Reason, &r.Status,
		&r.RunAfter, &r.StartedAt, &r.HeartbeatAt, &r.FinishedAt, &r.CancelRequestedAt, &r.WorkerID,
		&debug, &errJS, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if len(debug) > 0 {
		if err := json.Unmarshal(debug, &r.Debug); err != nil {
			return r, fmt.Errorf("unmarshal run debug: %w", err)
		}
	}
	if len(errJS) > 0 {
		r.Error = errJS
	}
	return r, nil
}

func collectRuns(rows pgx.Rows) ([]run.Run, error) {
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func marshalDebug(d run.Debug) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return getRun(ctx, s.pool, id)
}

func getRun(ctx context.Context, q querier, id string) (*run.Run, error) {
	r, err := scanRun(q.QueryRow(ctx, `SELECT `+runColumns+` FROM conversation_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, conversationID string, limit int) ([]run.Run, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM conversation_runs
		 WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, conversationID, lim)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", conversationID, err)
	}
	return collectRuns(rows)
}

func (s *Store) ListStaleRuns(ctx context.Context, heartbeatBefore time.Time) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM conversation_runs
		 WHERE status = 'running' AND COALESCE(heartbeat_at, started_at) < $1
		 ORDER BY created_at`, heartbeatBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectRuns(rows)
}

// claimBatch bounds how many due runs one claim attempt inspects.
const claimBatch = 16

// ClaimRun picks the oldest due queued run whose conversation has no
// running run and is not locked by a scheduler command.
func (s *Store) ClaimRun(ctx context.Context, workerID string, now time.Time) (*run.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx,
		`SELECT r.id::text, r.conversation_id::text FROM conversation_runs r
		 WHERE r.status = 'queued' AND (r.run_after IS NULL OR r.run_after <= $1)
		   AND NOT EXISTS (SELECT 1 FROM conversation_runs x
		                   WHERE x.conversation_id = r.conversation_id AND x.status = 'running')
		 ORDER BY r.created_at, r.id
		 LIMIT $2
		 FOR UPDATE OF r SKIP LOCKED`, now, claimBatch)
	if err != nil {
		return nil, fmt.Errorf("select claimable runs: %w", err)
	}
	type candidate struct{ runID, convID string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.convID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable run: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select claimable runs: %w", err)
	}

	for _, c := range candidates {
		var locked string
		err := tx.QueryRow(ctx,
			`SELECT id::text FROM conversations WHERE id = $1 FOR UPDATE SKIP LOCKED`, c.convID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock conversation %s: %w", c.convID, err)
		}

		r, err := scanRun(tx.QueryRow(ctx,
			`UPDATE conversation_runs
			 SET status = 'running', started_at = $2, heartbeat_at = $2, worker_id = $3, updated_at = now()
			 WHERE id = $1 AND status = 'queued'
			 RETURNING `+runColumns, c.runID, now, workerID))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, conflictWrap(err, "claim run %s", c.runID)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return &r, nil
	}
	return nil, fmt.Errorf("claimable run: %w", domain.ErrNotFound)
}

func (s *Store) HeartbeatRun(ctx context.Context, id string, now time.Time) (bool, error) {
	var cancelRequested bool
	err := s.pool.QueryRow(ctx,
		`UPDATE conversation_runs SET heartbeat_at = $2
		 WHERE id = $1 AND status = 'running'
		 RETURNING cancel_requested_at IS NOT NULL`, id, now).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("heartbeat run %s: %w", id, err)
	}
	// The run left running state; tell the worker to stop.
	if _, err := getRun(ctx, s.pool, id); err != nil {
		return false, err
	}
	return true, nil
}
