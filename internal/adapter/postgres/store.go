package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// --- Spaces ---

const spaceColumns = `id::text, name, reply_order, allow_self_responses, during_generation_user_input_policy,
	user_turn_debounce_ms, auto_mode_delay_ms, status, created_at, updated_at`

func scanSpace(row scannable) (space.Space, error) {
	var sp space.Space
	err := row.Scan(&sp.ID, &sp.Name, &sp.ReplyOrder, &sp.AllowSelfResponses, &sp.InputPolicy,
		&sp.UserTurnDebounceMS, &sp.AutoModeDelayMS, &sp.Status, &sp.CreatedAt, &sp.UpdatedAt)
	return sp, err
}

func (s *Store) CreateSpace(ctx context.Context, sp *space.Space) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO spaces (name, reply_order, allow_self_responses, during_generation_user_input_policy,
		                     user_turn_debounce_ms, auto_mode_delay_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+spaceColumns,
		sp.Name, sp.Order(), sp.AllowSelfResponses, sp.Policy(), sp.UserTurnDebounceMS, sp.AutoModeDelayMS)
	created, err := scanSpace(row)
	if err != nil {
		return fmt.Errorf("create space: %w", err)
	}
	*sp = created
	return nil
}

func (s *Store) GetSpace(ctx context.Context, id string) (*space.Space, error) {
	return getSpace(ctx, s.pool, id)
}

func getSpace(ctx context.Context, q querier, id string) (*space.Space, error) {
	sp, err := scanSpace(q.QueryRow(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get space %s", id)
	}
	return &sp, nil
}

func (s *Store) UpdateSpace(ctx context.Context, sp *space.Space) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE spaces SET name = $2, reply_order = $3, allow_self_responses = $4,
		        during_generation_user_input_policy = $5, user_turn_debounce_ms = $6,
		        auto_mode_delay_ms = $7, status = $8, updated_at = now()
		 WHERE id = $1`,
		sp.ID, sp.Name, sp.Order(), sp.AllowSelfResponses, sp.Policy(), sp.UserTurnDebounceMS, sp.AutoModeDelayMS, sp.Status)
	return execExpectOne(tag, err, "update space %s", sp.ID)
}

// --- Memberships ---

const memberColumns = `id::text, space_id::text, kind, display_name, character_id, persona, position,
	participation, status, talkativeness_factor, card_talkativeness, copilot_mode, copilot_remaining_steps,
	created_at, updated_at`

func scanMember(row scannable) (space.Membership, error) {
	var m space.Membership
	err := row.Scan(&m.ID, &m.SpaceID, &m.Kind, &m.DisplayName, &m.CharacterID, &m.Persona, &m.Position,
		&m.Participation, &m.Status, &m.TalkativenessFactor, &m.CardTalkativeness, &m.CopilotMode,
		&m.CopilotRemainingSteps, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) ListMembers(ctx context.Context, spaceID string) ([]space.Membership, error) {
	return listMembers(ctx, s.pool, spaceID)
}

func listMembers(ctx context.Context, q querier, spaceID string) ([]space.Membership, error) {
	rows, err := q.Query(ctx,
		`SELECT `+memberColumns+` FROM space_memberships WHERE space_id = $1 ORDER BY position, id`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", spaceID, err)
	}
	defer rows.Close()

	var members []space.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, id string) (*space.Membership, error) {
	return getMember(ctx, s.pool, id)
}

func getMember(ctx context.Context, q querier, id string) (*space.Membership, error) {
	m, err := scanMember(q.QueryRow(ctx, `SELECT `+memberColumns+` FROM space_memberships WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get membership %s", id)
	}
	return &m, nil
}

func (s *Store) CreateMember(ctx context.Context, m *space.Membership) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO space_memberships (space_id, kind, display_name, character_id, persona, position,
		                                participation, status, talkativeness_factor, card_talkativeness,
		                                copilot_mode, copilot_remaining_steps)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+memberColumns,
		m.SpaceID, m.Kind, m.DisplayName, m.CharacterID, m.Persona, m.Position,
		orDefault(string(m.Participation), string(space.ParticipationParticipating)),
		orDefault(string(m.Status), string(space.MemberActive)),
		m.TalkativenessFactor, m.CardTalkativeness,
		orDefault(string(m.CopilotMode), string(space.CopilotNone)), m.CopilotRemainingSteps)
	created, err := scanMember(row)
	if err != nil {
		return notFoundWrap(err, "create membership in space %s", m.SpaceID)
	}
	*m = created
	return nil
}

func (s *Store) UpdateMember(ctx context.Context, m *space.Membership) error {
	return updateMember(ctx, s.pool, m)
}

func updateMember(ctx context.Context, q querier, m *space.Membership) error {
	tag, err := q.Exec(ctx,
		`UPDATE space_memberships SET display_name = $2, persona = $3, position = $4, participation = $5,
		        status = $6, talkativeness_factor = $7, card_talkativeness = $8, copilot_mode = $9,
		        copilot_remaining_steps = $10, updated_at = now()
		 WHERE id = $1`,
		m.ID, m.DisplayName, m.Persona, m.Position, m.Participation, m.Status,
		m.TalkativenessFactor, m.CardTalkativeness, m.CopilotMode, m.CopilotRemainingSteps)
	return execExpectOne(tag, err, "update membership %s", m.ID)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// --- Conversations ---

const conversationColumns = `id::text, space_id::text, COALESCE(parent_conversation_id::text, ''),
	COALESCE(root_conversation_id::text, ''), COALESCE(forked_from_message_id::text, ''), kind, visibility,
	status, title, scheduling_state, auto_mode_enabled, auto_mode_remaining_rounds,
	auto_without_human_enabled, auto_without_human_remaining_rounds, group_queue_revision, created_at, updated_at`

func scanConversation(row scannable) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(&c.ID, &c.SpaceID, &c.ParentID, &c.RootID, &c.ForkedFromMessageID, &c.Kind, &c.Visibility,
		&c.Status, &c.Title, &c.SchedulingState, &c.AutoMode.Enabled, &c.AutoMode.RemainingRounds,
		&c.AutoWithoutHuman.Enabled, &c.AutoWithoutHuman.RemainingRounds, &c.GroupQueueRevision,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	return createConversation(ctx, s.pool, c)
}

func createConversation(ctx context.Context, q querier, c *conversation.Conversation) error {
	row := q.QueryRow(ctx,
		`INSERT INTO conversations (space_id, parent_conversation_id, root_conversation_id, forked_from_message_id,
		                            kind, visibility, status, title)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+conversationColumns,
		c.SpaceID, nullIfEmpty(c.ParentID), nullIfEmpty(c.RootID), nullIfEmpty(c.ForkedFromMessageID),
		orDefault(string(c.Kind), string(conversation.KindRoot)),
		orDefault(string(c.Visibility), string(conversation.VisibilityShared)),
		orDefault(string(c.Status), string(conversation.StatusReady)), c.Title)
	created, err := scanConversation(row)
	if err != nil {
		return notFoundWrap(err, "create conversation in space %s", c.SpaceID)
	}
	if created.RootID == "" {
		if _, err := q.Exec(ctx, `UPDATE conversations SET root_conversation_id = id WHERE id = $1`, created.ID); err != nil {
			return fmt.Errorf("set root of conversation %s: %w", created.ID, err)
		}
		created.RootID = created.ID
	}
	*c = created
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get conversation %s", id)
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, spaceID string) ([]conversation.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE space_id = $1 ORDER BY created_at`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", spaceID, err)
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func updateConversation(ctx context.Context, q querier, c *conversation.Conversation) error {
	tag, err := q.Exec(ctx,
		`UPDATE conversations SET title = $2, status = $3, scheduling_state = $4,
		        auto_mode_enabled = $5, auto_mode_remaining_rounds = $6,
		        auto_without_human_enabled = $7, auto_without_human_remaining_rounds = $8,
		        group_queue_revision = $9, updated_at = now()
		 WHERE id = $1`,
		c.ID, c.Title, c.Status, c.SchedulingState,
		c.AutoMode.Enabled, c.AutoMode.RemainingRounds,
		c.AutoWithoutHuman.Enabled, c.AutoWithoutHuman.RemainingRounds,
		c.GroupQueueRevision)
	return execExpectOne(tag, err, "update conversation %s", c.ID)
}

// --- Messages ---

const messageColumns = `m.id::text, m.conversation_id::text, m.seq, m.role, COALESCE(m.space_membership_id::text, ''),
	COALESCE(m.conversation_run_id::text, ''), m.content, m.excluded_from_prompt, m.visibility,
	COALESCE(m.origin_message_id::text, ''),
	EXISTS (SELECT 1 FROM conversations f WHERE f.forked_from_message_id = m.id),
	m.created_at, m.updated_at`

func scanMessage(row scannable) (conversation.Message, error) {
	var m conversation.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.MembershipID, &m.RunID, &m.Content,
		&m.ExcludedFromPrompt, &m.Visibility, &m.OriginMessageID, &m.ForkPoint, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	return listMessages(ctx, s.pool, conversationID, limit)
}

// listMessages returns the newest limit messages (all when limit <= 0) in ascending seq.
func listMessages(ctx context.Context, q querier, conversationID string, limit int) ([]conversation.Message, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := q.Query(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.conversation_id = $1 ORDER BY m.seq DESC LIMIT $2`, conversationID, lim)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*conversation.Message, error) {
	return getMessage(ctx, s.pool, id)
}

func getMessage(ctx context.Context, q querier, id string) (*conversation.Message, error) {
	m, err := scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get message %s", id)
	}
	return &m, nil
}
