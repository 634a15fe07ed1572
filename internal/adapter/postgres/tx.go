package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/database"
)

// WithConversationLock begins a transaction, locks the conversation row
// with SELECT ... FOR UPDATE and commits when fn succeeds.
func (s *Store) WithConversationLock(ctx context.Context, conversationID string, fn func(tx database.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if err != nil {
		return notFoundWrap(err, "lock conversation %s", conversationID)
	}

	if err := fn(&pgTx{tx: tx, conv: &conv}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgTx implements database.Tx on a pgx transaction.
type pgTx struct {
	tx   pgx.Tx
	conv *conversation.Conversation
}

func (t *pgTx) Conversation() *conversation.Conversation {
	c := *t.conv
	return &c
}

func (t *pgTx) UpdateConversation(ctx context.Context, c *conversation.Conversation) error {
	if err := updateConversation(ctx, t.tx, c); err != nil {
		return err
	}
	if c.ID == t.conv.ID {
		locked := *c
		t.conv = &locked
	}
	return nil
}

func (t *pgTx) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	return createConversation(ctx, t.tx, c)
}

func (t *pgTx) GetSpace(ctx context.Context, id string) (*space.Space, error) {
	return getSpace(ctx, t.tx, id)
}

func (t *pgTx) ListMembers(ctx context.Context, spaceID string) ([]space.Membership, error) {
	return listMembers(ctx, t.tx, spaceID)
}

func (t *pgTx) GetMember(ctx context.Context, id string) (*space.Membership, error) {
	return getMember(ctx, t.tx, id)
}

func (t *pgTx) UpdateMember(ctx context.Context, m *space.Membership) error {
	return updateMember(ctx, t.tx, m)
}

// --- Messages ---

func (t *pgTx) ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	return listMessages(ctx, t.tx, conversationID, limit)
}

func (t *pgTx) GetMessage(ctx context.Context, id string) (*conversation.Message, error) {
	return getMessage(ctx, t.tx, id)
}

func (t *pgTx) LastMessage(ctx context.Context, conversationID string) (*conversation.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.conversation_id = $1 ORDER BY m.seq DESC LIMIT 1`,
		conversationID))
	if err != nil {
		return nil, notFoundWrap(err, "last message of conversation %s", conversationID)
	}
	return &m, nil
}

func (t *pgTx) CreateMessage(ctx context.Context, m *conversation.Message) error {
	vis := m.Visibility
	if vis == "" {
		vis = conversation.MessageNormal
	}
	created, err := scanMessage(t.tx.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO messages (conversation_id, seq, role, space_membership_id, conversation_run_id, content,
		                         excluded_from_prompt, visibility, origin_message_id)
		   VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1),
		           $2, $3, $4, $5, $6, $7, $8)
		   RETURNING *
		 )
		 SELECT `+messageColumns+` FROM ins m`,
		m.ConversationID, m.Role, nullIfEmpty(m.MembershipID), nullIfEmpty(m.RunID), m.Content,
		m.ExcludedFromPrompt, vis, nullIfEmpty(m.OriginMessageID)))
	if err != nil {
		return conflictWrap(err, "create message in %s", m.ConversationID)
	}
	*m = created
	return nil
}

func (t *pgTx) UpdateMessage(ctx context.Context, m *conversation.Message) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE messages SET content = $2, excluded_from_prompt = $3, visibility = $4,
		        conversation_run_id = $5, updated_at = now()
		 WHERE id = $1`,
		m.ID, m.Content, m.ExcludedFromPrompt, m.Visibility, nullIfEmpty(m.RunID))
	return execExpectOne(tag, err, "update message %s", m.ID)
}

func (t *pgTx) DeleteMessage(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete message %s", id)
}

func (t *pgTx) IsForkPoint(ctx context.Context, messageID string) (bool, error) {
	var forked bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE forked_from_message_id = $1)`, messageID).Scan(&forked)
	if err != nil {
		return false, fmt.Errorf("check fork point %s: %w", messageID, err)
	}
	return forked, nil
}

func (t *pgTx) CountMessagesThrough(ctx context.Context, conversationID string, seq int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND seq <= $2`, conversationID, seq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", conversationID, err)
	}
	return n, nil
}

func (t *pgTx) CopyMessages(ctx context.Context, fromID, toID string, throughSeq int64) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO messages (conversation_id, seq, role, space_membership_id, conversation_run_id, content,
		                       excluded_from_prompt, visibility, origin_message_id, created_at)
		 SELECT $2, seq, role, space_membership_id, conversation_run_id, content,
		        excluded_from_prompt, visibility, id, created_at
		 FROM messages WHERE conversation_id = $1 AND seq <= $3
		 ORDER BY seq`, fromID, toID, throughSeq)
	if err != nil {
		return 0, fmt.Errorf("copy messages %s -> %s: %w", fromID, toID, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Rounds ---

const roundColumns = `id::text, conversation_id::text, status, scheduling_state, current_position,
	COALESCE(trigger_message_id::text, ''), is_user_input, auto_kind, COALESCE(ended_reason, ''),
	started_at, finished_at, updated_at`

func scanRound(row scannable) (round.Round, error) {
	var r round.Round
	err := row.Scan(&r.ID, &r.ConversationID, &r.Status, &r.SchedulingState, &r.CurrentPosition,
		&r.TriggerMessageID, &r.IsUserInput, &r.AutoKind, &r.EndedReason, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt)
	return r, err
}

func loadParticipants(ctx context.Context, q querier, r *round.Round) error {
	rows, err := q.Query(ctx,
		`SELECT round_id::text, position, space_membership_id::text, status, COALESCE(message_id::text, '')
		 FROM conversation_round_participants WHERE round_id = $1 ORDER BY position`, r.ID)
	if err != nil {
		return fmt.Errorf("load participants of round %s: %w", r.ID, err)
	}
	defer rows.Close()
	r.Participants = r.Participants[:0]
	for rows.Next() {
		var p round.Participant
		if err := rows.Scan(&p.RoundID, &p.Position, &p.MembershipID, &p.Status, &p.MessageID); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		r.Participants = append(r.Participants, p)
	}
	return rows.Err()
}

func getActiveRound(ctx context.Context, q querier, conversationID string) (*round.Round, error) {
	r, err := scanRound(q.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM conversation_rounds WHERE conversation_id = $1 AND status = 'active'`,
		conversationID))
	if err != nil {
		return nil, notFoundWrap(err, "active round for conversation %s", conversationID)
	}
	if err := loadParticipants(ctx, q, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetActiveRound(ctx context.Context, conversationID string) (*round.Round, error) {
	return getActiveRound(ctx, s.pool, conversationID)
}

func (t *pgTx) GetActiveRound(ctx context.Context, conversationID string) (*round.Round, error) {
	return getActiveRound(ctx, t.tx, conversationID)
}

func (t *pgTx) CreateRound(ctx context.Context, r *round.Round) error {
	if err := r.CheckPositions(); err != nil {
		return err
	}
	return savepoint(ctx, t.tx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO conversation_rounds (conversation_id, status, scheduling_state, current_position,
			                                  trigger_message_id, is_user_input, auto_kind, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id::text`,
			r.ConversationID, r.Status, r.SchedulingState, r.CurrentPosition,
			nullIfEmpty(r.TriggerMessageID), r.IsUserInput, r.AutoKind, r.StartedAt).Scan(&r.ID)
		if err != nil {
			return conflictWrap(err, "create round for conversation %s", r.ConversationID)
		}
		for i := range r.Participants {
			p := &r.Participants[i]
			p.RoundID = r.ID
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_round_participants (round_id, position, space_membership_id, status, message_id)
				 VALUES ($1, $2, $3, $4, $5)`,
				p.RoundID, p.Position, p.MembershipID, p.Status, nullIfEmpty(p.MessageID)); err != nil {
				return conflictWrap(err, "create participant %d of round %s", p.Position, r.ID)
			}
		}
		return nil
	})
}

func (t *pgTx) UpdateRound(ctx context.Context, r *round.Round) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE conversation_rounds SET status = $2, scheduling_state = $3, current_position = $4,
		        ended_reason = $5, finished_at = $6, updated_at = now()
		 WHERE id = $1`,
		r.ID, r.Status, r.SchedulingState, r.CurrentPosition, nullIfEmpty(string(r.EndedReason)), r.FinishedAt)
	return execExpectOne(tag, err, "update round %s", r.ID)
}

func (t *pgTx) UpdateParticipant(ctx context.Context, p round.Participant) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE conversation_round_participants SET status = $3, message_id = $4
		 WHERE round_id = $1 AND position = $2`,
		p.RoundID, p.Position, p.Status, nullIfEmpty(p.MessageID))
	return execExpectOne(tag, err, "update participant %d of round %s", p.Position, p.RoundID)
}

// InsertParticipant renumbers the suffix in one statement; the position
// constraint is deferrable so the shift is checked at statement end.
func (t *pgTx) InsertParticipant(ctx context.Context, p round.Participant) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE conversation_round_participants SET position = position + 1
		 WHERE round_id = $1 AND position >= $2`, p.RoundID, p.Position); err != nil {
		return fmt.Errorf("shift participants of round %s: %w", p.RoundID, err)
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO conversation_round_participants (round_id, position, space_membership_id, status, message_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.RoundID, p.Position, p.MembershipID, p.Status, nullIfEmpty(p.MessageID)); err != nil {
		return conflictWrap(err, "insert participant at %d of round %s", p.Position, p.RoundID)
	}
	return nil
}

// --- Runs ---

func (t *pgTx) CreateRun(ctx context.Context, r *run.Run) error {
	debug, err := marshalDebug(r.Debug)
	if err != nil {
		return fmt.Errorf("marshal run debug: %w", err)
	}
	status := r.Status
	if status == "" {
		status = run.StatusQueued
	}
	return savepoint(ctx, t.tx, func(tx pgx.Tx) error {
		created, err := scanRun(tx.QueryRow(ctx,
			`INSERT INTO conversation_runs (conversation_id, conversation_round_id, speaker_space_membership_id,
			                                kind, reason, status, run_after, started_at, heartbeat_at, debug)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING `+runColumns,
			r.ConversationID, nullIfEmpty(r.RoundID), r.SpeakerID, r.Kind, r.Reason, status,
			r.RunAfter, r.StartedAt, r.HeartbeatAt, debug))
		if err != nil {
			return conflictWrap(err, "create run for conversation %s", r.ConversationID)
		}
		*r = created
		return nil
	})
}

func (t *pgTx) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return getRun(ctx, t.tx, id)
}

func (t *pgTx) UpdateRun(ctx context.Context, r *run.Run) error {
	debug, err := marshalDebug(r.Debug)
	if err != nil {
		return fmt.Errorf("marshal run debug: %w", err)
	}
	return savepoint(ctx, t.tx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE conversation_runs SET status = $2, run_after = $3, started_at = $4, heartbeat_at = $5,
			        finished_at = $6, cancel_requested_at = $7, worker_id = $8, debug = $9, error = $10,
			        reason = $11, updated_at = now()
			 WHERE id = $1`,
			r.ID, r.Status, r.RunAfter, r.StartedAt, r.HeartbeatAt, r.FinishedAt, r.CancelRequestedAt,
			r.WorkerID, debug, nullJSON(r.Error), r.Reason)
		if err != nil {
			return conflictWrap(err, "update run %s", r.ID)
		}
		return execExpectOne(tag, nil, "update run %s", r.ID)
	})
}

func (t *pgTx) findRun(ctx context.Context, conversationID, where string) (*run.Run, error) {
	r, err := scanRun(t.tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM conversation_runs
		 WHERE conversation_id = $1 `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID))
	if err != nil {
		return nil, notFoundWrap(err, "run for conversation %s", conversationID)
	}
	return &r, nil
}

func (t *pgTx) QueuedRun(ctx context.Context, conversationID string) (*run.Run, error) {
	return t.findRun(ctx, conversationID, `AND status = 'queued'`)
}

func (t *pgTx) RunningRun(ctx context.Context, conversationID string) (*run.Run, error) {
	return t.findRun(ctx, conversationID, `AND status = 'running'`)
}

func (t *pgTx) LatestRun(ctx context.Context, conversationID string) (*run.Run, error) {
	return t.findRun(ctx, conversationID, "")
}
