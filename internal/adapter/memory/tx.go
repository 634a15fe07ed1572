package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// tx records an undo step for every write so a failed callback leaves
// the store as it found it.
type tx struct {
	s    *Store
	conv *conversation.Conversation
	undo []func()
}

func (t *tx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) Conversation() *conversation.Conversation {
	c := *t.conv
	return &c
}

func (t *tx) UpdateConversation(_ context.Context, c *conversation.Conversation) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.convs[c.ID]
	if !ok {
		return notFound("conversation", c.ID)
	}
	c.UpdatedAt = time.Now()
	cp := *c
	t.s.convs[c.ID] = &cp
	if c.ID == t.conv.ID {
		locked := cp
		t.conv = &locked
	}
	t.undo = append(t.undo, func() { t.s.convs[prev.ID] = prev })
	return nil
}

func (t *tx) CreateConversation(_ context.Context, c *conversation.Conversation) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.createConversation(c); err != nil {
		return err
	}
	id := c.ID
	t.undo = append(t.undo, func() { delete(t.s.convs, id) })
	return nil
}

func (t *tx) GetSpace(_ context.Context, id string) (*space.Space, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getSpace(id)
}

func (t *tx) ListMembers(_ context.Context, spaceID string) ([]space.Membership, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.listMembers(spaceID), nil
}

func (t *tx) GetMember(_ context.Context, id string) (*space.Membership, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getMember(id)
}

func (t *tx) UpdateMember(_ context.Context, m *space.Membership) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, err := t.s.updateMember(m)
	if err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.s.members[prev.ID] = prev })
	return nil
}

// --- messages ---

func (t *tx) ListMessages(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.listMessages(conversationID, limit), nil
}

func (t *tx) GetMessage(_ context.Context, id string) (*conversation.Message, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getMessage(id)
}

func (t *tx) LastMessage(_ context.Context, conversationID string) (*conversation.Message, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	msgs := t.s.listMessages(conversationID, 1)
	if len(msgs) == 0 {
		return nil, notFound("last message of conversation", conversationID)
	}
	return &msgs[0], nil
}

func (t *tx) nextSeq(conversationID string) int64 {
	var seq int64
	for _, m := range t.s.messages {
		if m.ConversationID == conversationID && m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq + 1
}

func (t *tx) CreateMessage(_ context.Context, m *conversation.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.convs[m.ConversationID]; !ok {
		return notFound("conversation", m.ConversationID)
	}
	now := time.Now()
	m.ID = newID(m.ID)
	m.Seq = t.nextSeq(m.ConversationID)
	if m.Visibility == "" {
		m.Visibility = conversation.MessageNormal
	}
	m.CreatedAt, m.UpdatedAt = now, now
	c := *m
	t.s.messages[m.ID] = &c
	id := m.ID
	t.undo = append(t.undo, func() { delete(t.s.messages, id) })
	return nil
}

func (t *tx) UpdateMessage(_ context.Context, m *conversation.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.messages[m.ID]
	if !ok {
		return notFound("message", m.ID)
	}
	m.UpdatedAt = time.Now()
	c := *m
	c.ForkPoint = false
	t.s.messages[m.ID] = &c
	t.undo = append(t.undo, func() { t.s.messages[prev.ID] = prev })
	return nil
}

func (t *tx) DeleteMessage(_ context.Context, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.messages[id]
	if !ok {
		return notFound("message", id)
	}
	delete(t.s.messages, id)
	t.undo = append(t.undo, func() { t.s.messages[id] = prev })
	return nil
}

func (t *tx) IsForkPoint(_ context.Context, messageID string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.isForkPoint(messageID), nil
}

func (t *tx) CountMessagesThrough(_ context.Context, conversationID string, seq int64) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, m := range t.s.messages {
		if m.ConversationID == conversationID && m.Seq <= seq {
			n++
		}
	}
	return n, nil
}

func (t *tx) CopyMessages(_ context.Context, fromID, toID string, throughSeq int64) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.convs[toID]; !ok {
		return 0, notFound("conversation", toID)
	}
	src := t.s.listMessages(fromID, 0)
	var ids []string
	for _, m := range src {
		if m.Seq > throughSeq {
			break
		}
		c := m
		c.ID = newID("")
		c.ConversationID = toID
		c.OriginMessageID = m.ID
		c.ForkPoint = false
		t.s.messages[c.ID] = &c
		ids = append(ids, c.ID)
	}
	t.undo = append(t.undo, func() {
		for _, id := range ids {
			delete(t.s.messages, id)
		}
	})
	return len(ids), nil
}

// --- rounds ---

func (t *tx) GetActiveRound(_ context.Context, conversationID string) (*round.Round, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.activeRound(conversationID)
}

func (t *tx) CreateRound(_ context.Context, r *round.Round) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if r.Status == round.StatusActive {
		if _, err := t.s.activeRound(r.ConversationID); err == nil {
			return fmt.Errorf("active round for conversation %s: %w", r.ConversationID, domain.ErrConflict)
		}
	}
	r.ID = newID(r.ID)
	for i := range r.Participants {
		r.Participants[i].RoundID = r.ID
	}
	if err := r.CheckPositions(); err != nil {
		return err
	}
	t.s.rounds[r.ID] = copyRound(r)
	id := r.ID
	t.undo = append(t.undo, func() { delete(t.s.rounds, id) })
	return nil
}

func (t *tx) UpdateRound(_ context.Context, r *round.Round) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.rounds[r.ID]
	if !ok {
		return notFound("round", r.ID)
	}
	next := copyRound(prev)
	next.Status = r.Status
	next.SchedulingState = r.SchedulingState
	next.CurrentPosition = r.CurrentPosition
	next.EndedReason = r.EndedReason
	next.FinishedAt = r.FinishedAt
	next.UpdatedAt = time.Now()
	t.s.rounds[r.ID] = next
	t.undo = append(t.undo, func() { t.s.rounds[prev.ID] = prev })
	return nil
}

func (t *tx) UpdateParticipant(_ context.Context, p round.Participant) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.rounds[p.RoundID]
	if !ok {
		return notFound("round", p.RoundID)
	}
	if p.Position < 0 || p.Position >= len(prev.Participants) {
		return notFound("round participant", fmt.Sprintf("%s/%d", p.RoundID, p.Position))
	}
	next := copyRound(prev)
	next.Participants[p.Position] = p
	t.s.rounds[p.RoundID] = next
	t.undo = append(t.undo, func() { t.s.rounds[prev.ID] = prev })
	return nil
}

func (t *tx) InsertParticipant(_ context.Context, p round.Participant) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.rounds[p.RoundID]
	if !ok {
		return notFound("round", p.RoundID)
	}
	if p.Position < 0 || p.Position > len(prev.Participants) {
		return fmt.Errorf("insert at position %d of %d: %w", p.Position, len(prev.Participants), domain.ErrValidation)
	}
	next := copyRound(prev)
	next.Participants = append(next.Participants, round.Participant{})
	copy(next.Participants[p.Position+1:], next.Participants[p.Position:])
	next.Participants[p.Position] = p
	for i := range next.Participants {
		next.Participants[i].Position = i
	}
	t.s.rounds[p.RoundID] = next
	t.undo = append(t.undo, func() { t.s.rounds[prev.ID] = prev })
	return nil
}

// --- runs ---

func (t *tx) checkSlot(r *run.Run) error {
	if r.Status.IsActive() && t.s.slotTaken(r.ConversationID, r.ID, r.Status) {
		return fmt.Errorf("%s run for conversation %s: %w", r.Status, r.ConversationID, domain.ErrConflict)
	}
	return nil
}

func (t *tx) CreateRun(_ context.Context, r *run.Run) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	if err := t.checkSlot(r); err != nil {
		return err
	}
	now := time.Now()
	r.ID = newID(r.ID)
	r.CreatedAt, r.UpdatedAt = now, now
	t.s.counter++
	t.s.created[r.ID] = t.s.counter
	t.s.runs[r.ID] = copyRun(r)
	id := r.ID
	t.undo = append(t.undo, func() {
		delete(t.s.runs, id)
		delete(t.s.created, id)
	})
	return nil
}

func (t *tx) GetRun(_ context.Context, id string) (*run.Run, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getRun(id)
}

func (t *tx) UpdateRun(_ context.Context, r *run.Run) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.runs[r.ID]
	if !ok {
		return notFound("run", r.ID)
	}
	if r.Status != prev.Status {
		if err := t.checkSlot(r); err != nil {
			return err
		}
	}
	r.UpdatedAt = time.Now()
	t.s.runs[r.ID] = copyRun(r)
	t.undo = append(t.undo, func() { t.s.runs[prev.ID] = prev })
	return nil
}

func (t *tx) findRun(conversationID string, status run.Status) (*run.Run, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, r := range t.s.runsFor(conversationID) {
		if r.Status == status {
			return copyRun(r), nil
		}
	}
	return nil, notFound(string(status)+" run for conversation", conversationID)
}

func (t *tx) QueuedRun(_ context.Context, conversationID string) (*run.Run, error) {
	return t.findRun(conversationID, run.StatusQueued)
}

func (t *tx) RunningRun(_ context.Context, conversationID string) (*run.Run, error) {
	return t.findRun(conversationID, run.StatusRunning)
}

func (t *tx) LatestRun(_ context.Context, conversationID string) (*run.Run, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	runs := t.s.runsFor(conversationID)
	if len(runs) == 0 {
		return nil, notFound("run for conversation", conversationID)
	}
	return copyRun(runs[0]), nil
}
