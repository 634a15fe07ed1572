// Package memory implements the database port in process memory. It keeps
// the per-conversation singleton guarantees of the postgres store and is
// used by tests and by storage.driver=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/database"
)

// Store is an in-memory database.Store.
type Store struct {
	mu       sync.Mutex
	spaces   map[string]*space.Space
	members  map[string]*space.Membership
	convs    map[string]*conversation.Conversation
	messages map[string]*conversation.Message
	rounds   map[string]*round.Round
	runs     map[string]*run.Run
	locks    map[string]*sync.Mutex
	created  map[string]int64 // run insertion order
	counter  int64
}

var _ database.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		spaces:   make(map[string]*space.Space),
		members:  make(map[string]*space.Membership),
		convs:    make(map[string]*conversation.Conversation),
		messages: make(map[string]*conversation.Message),
		rounds:   make(map[string]*round.Round),
		runs:     make(map[string]*run.Run),
		locks:    make(map[string]*sync.Mutex),
		created:  make(map[string]int64),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// --- copies ---

func copyRound(r *round.Round) *round.Round {
	c := *r
	c.Participants = append([]round.Participant(nil), r.Participants...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func copyRun(r *run.Run) *run.Run {
	c := *r
	if r.Debug != nil {
		c.Debug = make(run.Debug, len(r.Debug))
		for k, v := range r.Debug {
			c.Debug[k] = v
		}
	}
	if r.Error != nil {
		c.Error = append([]byte(nil), r.Error...)
	}
	return &c
}

// --- Spaces ---

func (s *Store) CreateSpace(_ context.Context, sp *space.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sp.ID = newID(sp.ID)
	if sp.Status == "" {
		sp.Status = space.StatusActive
	}
	sp.CreatedAt, sp.UpdatedAt = now, now
	c := *sp
	s.spaces[sp.ID] = &c
	return nil
}

func (s *Store) GetSpace(_ context.Context, id string) (*space.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSpace(id)
}

func (s *Store) getSpace(id string) (*space.Space, error) {
	sp, ok := s.spaces[id]
	if !ok {
		return nil, notFound("space", id)
	}
	c := *sp
	return &c, nil
}

func (s *Store) UpdateSpace(_ context.Context, sp *space.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[sp.ID]; !ok {
		return notFound("space", sp.ID)
	}
	sp.UpdatedAt = time.Now()
	c := *sp
	s.spaces[sp.ID] = &c
	return nil
}

func (s *Store) ListMembers(_ context.Context, spaceID string) ([]space.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMembers(spaceID), nil
}

func (s *Store) listMembers(spaceID string) []space.Membership {
	var out []space.Membership
	for _, m := range s.members {
		if m.SpaceID == spaceID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) GetMember(_ context.Context, id string) (*space.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMember(id)
}

func (s *Store) getMember(id string) (*space.Membership, error) {
	m, ok := s.members[id]
	if !ok {
		return nil, notFound("membership", id)
	}
	c := *m
	return &c, nil
}

func (s *Store) CreateMember(_ context.Context, m *space.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[m.SpaceID]; !ok {
		return notFound("space", m.SpaceID)
	}
	now := time.Now()
	m.ID = newID(m.ID)
	m.CreatedAt, m.UpdatedAt = now, now
	c := *m
	s.members[m.ID] = &c
	return nil
}

func (s *Store) UpdateMember(_ context.Context, m *space.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateMember(m)
	return err
}

func (s *Store) updateMember(m *space.Membership) (*space.Membership, error) {
	prev, ok := s.members[m.ID]
	if !ok {
		return nil, notFound("membership", m.ID)
	}
	m.UpdatedAt = time.Now()
	c := *m
	s.members[m.ID] = &c
	return prev, nil
}

// --- Conversations ---

func (s *Store) CreateConversation(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createConversation(c)
}

func (s *Store) createConversation(c *conversation.Conversation) error {
	if _, ok := s.spaces[c.SpaceID]; !ok {
		return notFound("space", c.SpaceID)
	}
	now := time.Now()
	c.ID = newID(c.ID)
	if c.Kind == "" {
		c.Kind = conversation.KindRoot
	}
	if c.RootID == "" {
		c.RootID = c.ID
	}
	if c.Status == "" {
		c.Status = conversation.StatusReady
	}
	if c.Visibility == "" {
		c.Visibility = conversation.VisibilityShared
	}
	if c.SchedulingState == "" {
		c.SchedulingState = conversation.StateIdle
	}
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConversation(id)
}

func (s *Store) getConversation(id string) (*conversation.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListConversations(_ context.Context, spaceID string) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Conversation
	for _, c := range s.convs {
		if c.SpaceID == spaceID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Messages ---

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMessages(conversationID, limit), nil
}

func (s *Store) listMessages(conversationID string, limit int) []conversation.Message {
	var out []conversation.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			c := *m
			c.ForkPoint = s.isForkPoint(m.ID)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Store) GetMessage(_ context.Context, id string) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMessage(id)
}

func (s *Store) getMessage(id string) (*conversation.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	c := *m
	c.ForkPoint = s.isForkPoint(id)
	return &c, nil
}

func (s *Store) isForkPoint(messageID string) bool {
	for _, c := range s.convs {
		if c.ForkedFromMessageID == messageID {
			return true
		}
	}
	return false
}

// --- Rounds and runs ---

func (s *Store) GetActiveRound(_ context.Context, conversationID string) (*round.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRound(conversationID)
}

func (s *Store) activeRound(conversationID string) (*round.Round, error) {
	for _, r := range s.rounds {
		if r.ConversationID == conversationID && r.Status == round.StatusActive {
			return copyRound(r), nil
		}
	}
	return nil, notFound("active round for conversation", conversationID)
}

func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRun(id)
}

func (s *Store) getRun(id string) (*run.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return copyRun(r), nil
}

// runsFor returns a conversation's runs, newest first.
func (s *Store) runsFor(conversationID string) []*run.Run {
	var out []*run.Run
	for _, r := range s.runs {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.created[out[i].ID] > s.created[out[j].ID] })
	return out
}

func (s *Store) ListRuns(_ context.Context, conversationID string, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runsFor(conversationID) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *copyRun(r))
	}
	return out, nil
}

func (s *Store) ListStaleRuns(_ context.Context, heartbeatBefore time.Time) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Status != run.StatusRunning {
			continue
		}
		last := r.HeartbeatAt
		if last == nil {
			last = r.StartedAt
		}
		if last != nil && last.Before(heartbeatBefore) {
			out = append(out, *copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.created[out[i].ID] < s.created[out[j].ID] })
	return out, nil
}

// slotTaken reports whether another run of the conversation holds status.
func (s *Store) slotTaken(conversationID, exceptID string, status run.Status) bool {
	for _, r := range s.runs {
		if r.ConversationID == conversationID && r.ID != exceptID && r.Status == status {
			return true
		}
	}
	return false
}

func (s *Store) ClaimRun(_ context.Context, workerID string, now time.Time) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*run.Run
	for _, r := range s.runs {
		if r.Due(now) {
			queued = append(queued, r)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return s.created[queued[i].ID] < s.created[queued[j].ID] })

	for _, r := range queued {
		if s.slotTaken(r.ConversationID, r.ID, run.StatusRunning) {
			continue
		}
		lock := s.lockFor(r.ConversationID)
		if !lock.TryLock() {
			continue
		}
		t := now
		r.Status = run.StatusRunning
		r.StartedAt = &t
		r.HeartbeatAt = &t
		r.WorkerID = workerID
		r.UpdatedAt = now
		out := copyRun(r)
		lock.Unlock()
		return out, nil
	}
	return nil, fmt.Errorf("claimable run: %w", domain.ErrNotFound)
}

func (s *Store) HeartbeatRun(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, notFound("run", id)
	}
	if r.Status != run.StatusRunning {
		return true, nil
	}
	t := now
	r.HeartbeatAt = &t
	return r.CancelRequestedAt != nil, nil
}

// --- locking ---

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// WithConversationLock serializes fn with every other command on the
// same conversation. Writes made through tx are undone when fn fails.
func (s *Store) WithConversationLock(ctx context.Context, conversationID string, fn func(tx database.Tx) error) error {
	s.mu.Lock()
	if _, ok := s.convs[conversationID]; !ok {
		s.mu.Unlock()
		return notFound("conversation", conversationID)
	}
	lock := s.lockFor(conversationID)
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	conv, err := s.getConversation(conversationID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	t := &tx{s: s, conv: conv}
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return nil
}
