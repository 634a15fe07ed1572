package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/selection"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/cache"
)

// StateView is the scheduler state of one conversation.
type StateView struct {
	ConversationID   string                       `json:"conversation_id"`
	SchedulingState  conversation.SchedulingState `json:"scheduling_state"`
	Revision         int64                        `json:"group_queue_revision"`
	AutoMode         conversation.AutoLoop        `json:"auto_mode"`
	AutoWithoutHuman conversation.AutoLoop        `json:"auto_without_human"`
	Status           conversation.Status          `json:"status"`
	Round            *round.Round                 `json:"round,omitempty"`
	QueuedRun        *run.Run                     `json:"queued_run,omitempty"`
	RunningRun       *run.Run                     `json:"running_run,omitempty"`
}

// State returns the committed scheduler state of a conversation.
func (s *SchedulerService) State(ctx context.Context, conversationID string) (*StateView, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	v := &StateView{
		ConversationID:   conv.ID,
		SchedulingState:  conv.SchedulingState,
		Revision:         conv.GroupQueueRevision,
		AutoMode:         conv.AutoMode,
		AutoWithoutHuman: conv.AutoWithoutHuman,
		Status:           conv.Status,
	}
	if v.Round, err = optional(s.store.GetActiveRound(ctx, conv.ID)); err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	runs, err := s.store.ListRuns(ctx, conv.ID, 20)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		switch runs[i].Status {
		case run.StatusQueued:
			v.QueuedRun = &runs[i]
		case run.StatusRunning:
			v.RunningRun = &runs[i]
		}
	}
	return v, nil
}

// PreviewEntry is one upcoming speaker.
type PreviewEntry struct {
	MembershipID string     `json:"space_membership_id"`
	DisplayName  string     `json:"display_name"`
	Kind         space.Kind `json:"kind"`
	Position     int        `json:"position"`
}

// Preview is the upcoming speaker queue. Source "round" lists the pending
// turns of the active round that would not be skipped when reached; "predicted" is what a new round would select
// for the latest message, seeded by the queue revision so it is stable
// until the next scheduler-visible change.
type Preview struct {
	ConversationID string         `json:"conversation_id"`
	Revision       int64          `json:"group_queue_revision"`
	Source         string         `json:"source"`
	RoundID        string         `json:"round_id,omitempty"`
	Speakers       []PreviewEntry `json:"speakers"`
}

// QueuePreview returns the upcoming speakers.
func (s *SchedulerService) QueuePreview(ctx context.Context, conversationID string) (*Preview, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	byID := make(map[string]space.Membership, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	r, err := optional(s.store.GetActiveRound(ctx, conv.ID))
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	if r != nil {
		p := &Preview{ConversationID: conv.ID, Revision: conv.GroupQueueRevision, Source: "round", RoundID: r.ID, Speakers: []PreviewEntry{}}
		for _, part := range r.Remaining() {
			m, ok := byID[part.MembershipID]
			if !ok || skipReason(r, &m) != "" {
				continue
			}
			p.Speakers = append(p.Speakers, PreviewEntry{
				MembershipID: part.MembershipID,
				DisplayName:  m.DisplayName,
				Kind:         m.Kind,
				Position:     part.Position,
			})
		}
		return p, nil
	}

	key := cache.PreviewKey(conv.ID, conv.GroupQueueRevision)
	if p, ok := s.cachedPreview(ctx, key); ok {
		return p, nil
	}
	seed := previewSeed(conv.ID, conv.GroupQueueRevision)
	queue, err := s.ActivatedQueue(ctx, conv.ID, "", false, &seed)
	if err != nil {
		return nil, err
	}
	p := &Preview{ConversationID: conv.ID, Revision: conv.GroupQueueRevision, Source: "predicted", Speakers: []PreviewEntry{}}
	for i, m := range queue {
		p.Speakers = append(p.Speakers, PreviewEntry{
			MembershipID: m.ID,
			DisplayName:  m.DisplayName,
			Kind:         m.Kind,
			Position:     i,
		})
	}
	s.storePreview(ctx, key, p)
	return p, nil
}

func previewSeed(conversationID string, revision int64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(conversationID))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(revision))
	h.Write(b[:])
	return h.Sum64()
}

func (s *SchedulerService) cachedPreview(ctx context.Context, key string) (*Preview, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var p Preview
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("discarding cached preview", "key", key, "error", err)
		return nil, false
	}
	return &p, true
}

func (s *SchedulerService) storePreview(ctx context.Context, key string, p *Preview) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.previewTTL); err != nil {
		slog.Warn("preview cache set failed", "key", key, "error", err)
	}
}

// NextSpeaker returns who speaks next: the current speaker of the active
// round, else the head of the predicted queue. It returns nil when nobody
// would speak.
func (s *SchedulerService) NextSpeaker(ctx context.Context, conversationID string) (*space.Membership, error) {
	p, err := s.QueuePreview(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(p.Speakers) == 0 {
		return nil, nil
	}
	return s.store.GetMember(ctx, p.Speakers[0].MembershipID)
}

// ActivatedQueue runs speaker selection for a trigger without starting a
// round. An empty triggerMessageID uses the latest message, treated as user
// input when it is a manual human message. A nil seed draws a random one.
func (s *SchedulerService) ActivatedQueue(ctx context.Context, conversationID, triggerMessageID string, isUserInput bool, seed *uint64) ([]space.Membership, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sp, err := s.store.GetSpace(ctx, conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	members, err := s.store.ListMembers(ctx, conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	history, err := s.store.ListMessages(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var trigger *conversation.Message
	if triggerMessageID != "" {
		if trigger, err = s.store.GetMessage(ctx, triggerMessageID); err != nil {
			return nil, fmt.Errorf("get trigger message: %w", err)
		}
	} else if last := conversation.LastVisible(history); last != nil {
		trigger = last
		isUserInput = last.Role == conversation.RoleUser && last.RunID == ""
	}
	rng := s.rng()
	if seed != nil {
		rng = selection.NewRand(*seed)
	}
	return selection.Select(selection.Input{
		Space:         sp,
		Members:       members,
		History:       history,
		Trigger:       trigger,
		IsUserInput:   isUserInput,
		ExcludeHumans: conv.AutoWithoutHuman.Enabled,
		Rand:          rng,
	}), nil
}

// History returns a page of the conversation's scheduler audit log.
func (s *SchedulerService) History(ctx context.Context, conversationID string, filter event.Filter, cursor string, limit int) (*event.Page, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if s.events == nil {
		return &event.Page{Events: []event.SchedulerEvent{}}, nil
	}
	return s.events.LoadHistory(ctx, conversationID, filter, cursor, limit)
}
