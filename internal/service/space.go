package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// SpaceService manages spaces, memberships, conversations and the
// conversation-level auto loops.
type SpaceService struct {
	sched *SchedulerService
}

// NewSpaceService creates a SpaceService.
func NewSpaceService(sched *SchedulerService) *SpaceService {
	return &SpaceService{sched: sched}
}

// CreateSpace validates and persists a new space.
func (s *SpaceService) CreateSpace(ctx context.Context, req space.CreateRequest) (*space.Space, error) {
	sp := &space.Space{
		Name:               req.Name,
		ReplyOrder:         req.ReplyOrder,
		AllowSelfResponses: req.AllowSelfResponses,
		InputPolicy:        req.InputPolicy,
		UserTurnDebounceMS: req.UserTurnDebounceMS,
		AutoModeDelayMS:    req.AutoModeDelayMS,
		Status:             space.StatusActive,
	}
	if sp.ReplyOrder == "" {
		sp.ReplyOrder = space.ReplyOrderNatural
	}
	if sp.InputPolicy == "" {
		sp.InputPolicy = space.InputPolicyQueue
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	if err := s.sched.store.CreateSpace(ctx, sp); err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	slog.Info("space created", "space_id", sp.ID, "reply_order", sp.ReplyOrder)
	return sp, nil
}

// GetSpace returns a space by id.
func (s *SpaceService) GetSpace(ctx context.Context, id string) (*space.Space, error) {
	return s.sched.store.GetSpace(ctx, id)
}

// UpdateSettings applies a partial settings update. Running rounds keep
// their queue; new settings apply from the next round on.
func (s *SpaceService) UpdateSettings(ctx context.Context, id string, u space.SettingsUpdate) (*space.Space, error) {
	sp, err := s.sched.store.GetSpace(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Apply(sp)
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	if err := s.sched.store.UpdateSpace(ctx, sp); err != nil {
		return nil, fmt.Errorf("update space: %w", err)
	}
	if err := s.spaceChanged(ctx, sp.ID, "update_settings", event.TypeSettingsChanged, map[string]any{"space_id": sp.ID}); err != nil {
		return nil, err
	}
	return sp, nil
}

// spaceChanged bumps the queue revision of every conversation of spaceID so
// previews and clients drop state derived from the old roster or settings.
func (s *SpaceService) spaceChanged(ctx context.Context, spaceID, command string, typ event.Type, payload map[string]any) error {
	convs, err := s.sched.store.ListConversations(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		err := s.sched.withConversation(ctx, c.ID, command, func(t *txn) error {
			t.touch()
			t.emit(typ, "", "", payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

// ListMembers returns the members of a space in position order.
func (s *SpaceService) ListMembers(ctx context.Context, spaceID string) ([]space.Membership, error) {
	return s.sched.store.ListMembers(ctx, spaceID)
}

// AddMember attaches a participant at the end of the roster. Active rounds
// never pick up new members.
func (s *SpaceService) AddMember(ctx context.Context, spaceID string, req space.AddMemberRequest) (*space.Membership, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	members, err := s.sched.store.ListMembers(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	pos := 0
	for _, m := range members {
		if m.Position >= pos {
			pos = m.Position + 1
		}
	}
	m := &space.Membership{
		SpaceID:             spaceID,
		Kind:                req.Kind,
		DisplayName:         req.DisplayName,
		CharacterID:         req.CharacterID,
		Persona:             req.Persona,
		Position:            pos,
		Participation:       space.ParticipationParticipating,
		Status:              space.MemberActive,
		TalkativenessFactor: req.TalkativenessFactor,
		CardTalkativeness:   req.CardTalkativeness,
		CopilotMode:         space.CopilotNone,
	}
	if err := s.sched.store.CreateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}
	if err := s.spaceChanged(ctx, spaceID, "add_member", event.TypeRosterChanged, map[string]any{
		"membership_id": m.ID,
		"change":        "added",
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// SetParticipation mutes or unmutes a member. Muting does not rewrite an
// active round; the muted position is skipped when reached.
func (s *SpaceService) SetParticipation(ctx context.Context, memberID string, p space.Participation) (*space.Membership, error) {
	switch p {
	case space.ParticipationMuted, space.ParticipationParticipating:
	default:
		return nil, fmt.Errorf("invalid participation %q: %w", p, domain.ErrValidation)
	}
	m, err := s.sched.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if p == space.ParticipationMuted && !m.CanBeMuted() {
		return nil, fmt.Errorf("member cannot be muted: %w", domain.ErrValidation)
	}
	m.Participation = p
	if err := s.sched.store.UpdateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("update member: %w", err)
	}
	if err := s.spaceChanged(ctx, m.SpaceID, "set_participation", event.TypeRosterChanged, map[string]any{
		"membership_id": m.ID,
		"change":        string(p),
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveMember marks a member removed. Removed members are never scheduled
// again and cannot be forced to talk.
func (s *SpaceService) RemoveMember(ctx context.Context, memberID string) (*space.Membership, error) {
	m, err := s.sched.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	m.Status = space.MemberRemoved
	m.CopilotMode = space.CopilotNone
	m.CopilotRemainingSteps = 0
	if err := s.sched.store.UpdateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("update member: %w", err)
	}
	slog.Info("member removed", "space_id", m.SpaceID, "membership_id", m.ID)
	if err := s.spaceChanged(ctx, m.SpaceID, "remove_member", event.TypeRosterChanged, map[string]any{
		"membership_id": m.ID,
		"change":        "removed",
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateConversation opens a root conversation in a space.
func (s *SpaceService) CreateConversation(ctx context.Context, req conversation.CreateRequest) (*conversation.Conversation, error) {
	if req.SpaceID == "" {
		return nil, fmt.Errorf("space_id is required: %w", domain.ErrValidation)
	}
	c := &conversation.Conversation{
		SpaceID:         req.SpaceID,
		Title:           req.Title,
		Kind:            conversation.KindRoot,
		Visibility:      req.Visibility,
		Status:          conversation.StatusReady,
		SchedulingState: conversation.StateIdle,
	}
	if err := s.sched.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *SpaceService) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return s.sched.store.GetConversation(ctx, id)
}

// ListConversations returns the conversations of a space.
func (s *SpaceService) ListConversations(ctx context.Context, spaceID string) ([]conversation.Conversation, error) {
	return s.sched.store.ListConversations(ctx, spaceID)
}

// SetAutoMode enables or disables bounded auto rounds in which autopilot
// humans take part.
func (s *SpaceService) SetAutoMode(ctx context.Context, conversationID string, enabled bool, rounds int) (*conversation.Conversation, error) {
	return s.setAuto(ctx, conversationID, round.AutoMode, enabled, rounds)
}

// SetAutoWithoutHuman enables or disables bounded AI-only rounds. Enabling
// it switches off member autopilot.
func (s *SpaceService) SetAutoWithoutHuman(ctx context.Context, conversationID string, enabled bool, rounds int) (*conversation.Conversation, error) {
	return s.setAuto(ctx, conversationID, round.AutoWithoutHuman, enabled, rounds)
}

// setAuto toggles one auto loop. The loops are mutually exclusive. When the
// conversation is idle the first round starts immediately and consumes one
// remaining round; if nobody can speak the change is rolled back with
// ErrNoSpeakerAvailable.
func (s *SpaceService) setAuto(ctx context.Context, conversationID string, kind round.AutoKind, enabled bool, rounds int) (*conversation.Conversation, error) {
	sched := s.sched
	var out conversation.Conversation
	err := sched.withConversation(ctx, conversationID, "set_"+string(kind), func(t *txn) error {
		target, other := &t.conv.AutoMode, &t.conv.AutoWithoutHuman
		if kind == round.AutoWithoutHuman {
			target, other = other, target
		}
		if !enabled {
			*target = conversation.AutoLoop{}
			t.emit(event.TypeAutoModeChanged, "", "", map[string]any{"kind": kind, "enabled": false, "reason": "user"})
			out = *t.conv
			return nil
		}
		*other = conversation.AutoLoop{}
		*target = conversation.AutoLoop{Enabled: true, RemainingRounds: clamp(rounds, 1, sched.cfg.MaxAutoRounds)}
		if kind == round.AutoWithoutHuman {
			if err := disableCopilot(t, ""); err != nil {
				return err
			}
		}
		t.emit(event.TypeAutoModeChanged, "", "", map[string]any{"kind": kind, "enabled": true, "remaining_rounds": target.RemainingRounds})

		idle, err := s.idle(t)
		if err != nil {
			return err
		}
		if idle {
			target.RemainingRounds--
			trigger, err := optional(t.tx.LastMessage(t.ctx, t.conv.ID))
			if err != nil {
				return fmt.Errorf("last message: %w", err)
			}
			r, err := sched.startRound(t, trigger, false, kind)
			if err != nil {
				return err
			}
			if r == nil {
				return domain.ErrNoSpeakerAvailable
			}
		}
		out = *t.conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SpaceService) idle(t *txn) (bool, error) {
	if t.conv.SchedulingState != conversation.StateIdle {
		return false, nil
	}
	r, err := s.sched.activeRound(t)
	if err != nil || r != nil {
		return false, err
	}
	q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return false, fmt.Errorf("get queued run: %w", err)
	}
	running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return false, fmt.Errorf("get running run: %w", err)
	}
	return q == nil && running == nil, nil
}

// DisableCopilot switches a human member's autopilot off and drops its
// queued autopilot turn.
func (s *SpaceService) DisableCopilot(ctx context.Context, conversationID, membershipID string) error {
	return s.sched.withConversation(ctx, conversationID, "copilot_stop", func(t *txn) error {
		if err := disableCopilot(t, membershipID); err != nil {
			return err
		}
		q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
		if err != nil {
			return fmt.Errorf("get queued run: %w", err)
		}
		if q != nil && q.SpeakerID == membershipID && !q.IsRoundDriven() &&
			(q.Kind == run.KindCopilotStart || q.Kind == run.KindCopilotContinue) {
			if err := s.sched.cancelQueued(t, q, "copilot_disabled"); err != nil {
				return err
			}
			return s.sched.settleIdle(t)
		}
		return nil
	})
}

// disableCopilot switches autopilot off for membershipID, or for every
// human of the space when membershipID is empty.
func disableCopilot(t *txn, membershipID string) error {
	members, err := t.tx.ListMembers(t.ctx, t.conv.SpaceID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for i := range members {
		m := &members[i]
		if membershipID != "" && m.ID != membershipID {
			continue
		}
		if !m.IsHuman() || m.CopilotMode == space.CopilotNone {
			continue
		}
		m.CopilotMode = space.CopilotNone
		m.CopilotRemainingSteps = 0
		if err := t.tx.UpdateMember(t.ctx, m); err != nil {
			return fmt.Errorf("disable copilot: %w", err)
		}
		t.touch()
	}
	return nil
}
