package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// PlannerService turns user intents into rounds and runs, applying the
// space's during-generation input policy.
type PlannerService struct {
	sched *SchedulerService
	forks *ForkService
}

// NewPlannerService creates a PlannerService.
func NewPlannerService(sched *SchedulerService, forks *ForkService) *PlannerService {
	return &PlannerService{sched: sched, forks: forks}
}

// applyInputPolicy gates new user input against in-flight generations.
//
//	reject:  any queued or running run refuses the input
//	restart: queued runs are canceled, running runs asked to stop
//	queue:   queued runs are canceled, running runs finish undisturbed
func (p *PlannerService) applyInputPolicy(t *txn, sp *space.Space) error {
	s := p.sched
	queued, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get queued run: %w", err)
	}
	running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get running run: %w", err)
	}
	switch sp.Policy() {
	case space.InputPolicyReject:
		if queued != nil || (running != nil && !running.CancelRequested()) {
			return domain.ErrGenerationLocked
		}
	case space.InputPolicyRestart:
		if err := s.cancelQueued(t, queued, "input_restart"); err != nil {
			return err
		}
		if err := s.requestCancel(t, running, "input_restart"); err != nil {
			return err
		}
	default:
		if err := s.cancelQueued(t, queued, "input_queue"); err != nil {
			return err
		}
	}
	return nil
}

// PlanFromUserMessage schedules the response to a committed user message.
// A human holding the current turn advances the round; anything else starts
// a new round, superseding the active one.
func (p *PlannerService) PlanFromUserMessage(ctx context.Context, conversationID, messageID string) error {
	s := p.sched
	return s.withConversation(ctx, conversationID, "plan_user_message", func(t *txn) error {
		msg, err := t.tx.GetMessage(t.ctx, messageID)
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		r, err := s.activeRound(t)
		if err != nil {
			return err
		}
		if r != nil {
			ok, err := s.advanceIfCurrent(t, r, msg.MembershipID, -1, msg.ID)
			if err != nil || ok {
				return err
			}
		}
		_, err = s.startRound(t, msg, true, round.AutoNone)
		return err
	})
}

// PlanForceTalk queues a standalone turn for speakerID. Muted members may be
// forced; removed members never.
func (p *PlannerService) PlanForceTalk(ctx context.Context, conversationID, speakerID string) (*run.Run, error) {
	s := p.sched
	var out *run.Run
	err := s.withConversation(ctx, conversationID, "force_talk", func(t *txn) error {
		m, err := t.tx.GetMember(t.ctx, speakerID)
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if m.SpaceID != t.conv.SpaceID {
			return fmt.Errorf("member %s is not in this space: %w", speakerID, domain.ErrValidation)
		}
		if !m.IsActive() {
			return domain.ErrRemovedSpeaker
		}
		if !m.CanForceTalk() {
			return domain.ErrNotReady
		}
		sp, err := t.tx.GetSpace(t.ctx, t.conv.SpaceID)
		if err != nil {
			return fmt.Errorf("get space: %w", err)
		}
		if err := p.applyInputPolicy(t, sp); err != nil {
			return err
		}
		if err := p.supersedeActive(t); err != nil {
			return err
		}
		rn := &run.Run{SpeakerID: m.ID, Kind: run.KindForceTalk, Reason: "force_talk"}
		created, err := s.createRun(t, rn)
		if err != nil || !created {
			return err
		}
		t.conv.SchedulingState = conversation.StateAIGenerating
		out = rn
		return nil
	})
	return out, err
}

func (p *PlannerService) supersedeActive(t *txn) error {
	r, err := p.sched.activeRound(t)
	if err != nil || r == nil {
		return err
	}
	return p.sched.supersede(t, r)
}

// RegenerateResult tells the caller where the regenerate run was queued.
type RegenerateResult struct {
	ConversationID  string   `json:"conversation_id"`
	TargetMessageID string   `json:"target_message_id"`
	Forked          bool     `json:"forked"`
	Run             *run.Run `json:"run,omitempty"`
}

// errNeedsFork signals that the target cannot be rewritten in place.
var errNeedsFork = errors.New("regenerate target needs a branch")

// PlanRegenerate queues a rewrite of an assistant message. A target that is
// not the tail, or anchors a branch, is first forked into a new conversation
// and the clone is regenerated there; the original timeline is left as is.
func (p *PlannerService) PlanRegenerate(ctx context.Context, conversationID, messageID string) (*RegenerateResult, error) {
	res, err := p.regenerateInPlace(ctx, conversationID, messageID)
	if !errors.Is(err, errNeedsFork) {
		return res, err
	}
	child, err := p.forks.fork(ctx, conversation.ForkRequest{
		ParentConversationID: conversationID,
		FromMessageID:        messageID,
		Kind:                 conversation.KindBranch,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fork for regenerate: %w", err)
	}
	clone, err := p.findClone(ctx, child.ID, messageID)
	if err != nil {
		return nil, err
	}
	res, err = p.regenerateInPlace(ctx, child.ID, clone.ID)
	if err != nil {
		return nil, err
	}
	res.Forked = true
	return res, nil
}

func (p *PlannerService) findClone(ctx context.Context, conversationID, originID string) (*conversation.Message, error) {
	msgs, err := p.sched.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("list branch messages: %w", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].OriginMessageID == originID {
			return &msgs[i], nil
		}
	}
	return nil, fmt.Errorf("clone of message %s: %w", originID, domain.ErrNotFound)
}

func (p *PlannerService) regenerateInPlace(ctx context.Context, conversationID, messageID string) (*RegenerateResult, error) {
	s := p.sched
	var res *RegenerateResult
	err := s.withConversation(ctx, conversationID, "regenerate", func(t *txn) error {
		msg, err := t.tx.GetMessage(t.ctx, messageID)
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		if msg.ConversationID != t.conv.ID {
			return fmt.Errorf("message %s is not in conversation %s: %w", messageID, t.conv.ID, domain.ErrValidation)
		}
		if msg.Role != conversation.RoleAssistant || msg.MembershipID == "" {
			return fmt.Errorf("only assistant messages can be regenerated: %w", domain.ErrValidation)
		}
		last, err := t.tx.LastMessage(t.ctx, t.conv.ID)
		if err != nil {
			return fmt.Errorf("last message: %w", err)
		}
		forkPoint, err := t.tx.IsForkPoint(t.ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("fork point: %w", err)
		}
		if last.ID != msg.ID || forkPoint {
			return errNeedsFork
		}
		m, err := t.tx.GetMember(t.ctx, msg.MembershipID)
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if !m.IsActive() {
			return domain.ErrRemovedSpeaker
		}
		sp, err := t.tx.GetSpace(t.ctx, t.conv.SpaceID)
		if err != nil {
			return fmt.Errorf("get space: %w", err)
		}
		if err := p.applyInputPolicy(t, sp); err != nil {
			return err
		}
		if err := p.supersedeActive(t); err != nil {
			return err
		}
		rn := &run.Run{
			SpeakerID: m.ID,
			Kind:      run.KindRegenerate,
			Reason:    "regenerate",
			Debug:     run.Debug{"target_message_id": msg.ID},
		}
		created, err := s.createRun(t, rn)
		if err != nil {
			return err
		}
		res = &RegenerateResult{ConversationID: t.conv.ID, TargetMessageID: msg.ID}
		if created {
			res.Run = rn
			t.conv.SchedulingState = conversation.StateAIGenerating
		}
		return nil
	})
	return res, err
}

// PlanCopilotStart puts a human member on autopilot for steps turns and,
// when the conversation is quiet, queues the first one. Autopilot and
// auto-without-human are mutually exclusive.
func (p *PlannerService) PlanCopilotStart(ctx context.Context, conversationID, membershipID string, steps int) (*run.Run, error) {
	s := p.sched
	var out *run.Run
	err := s.withConversation(ctx, conversationID, "copilot_start", func(t *txn) error {
		m, err := t.tx.GetMember(t.ctx, membershipID)
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if m.SpaceID != t.conv.SpaceID || !m.IsHuman() {
			return fmt.Errorf("copilot needs a human member of this space: %w", domain.ErrValidation)
		}
		if !m.IsActive() {
			return domain.ErrRemovedSpeaker
		}
		if m.Persona == "" {
			return domain.ErrNotReady
		}
		m.CopilotMode = space.CopilotFull
		m.CopilotRemainingSteps = clamp(steps, 1, s.cfg.MaxCopilotSteps)
		if err := t.tx.UpdateMember(t.ctx, m); err != nil {
			return fmt.Errorf("update member: %w", err)
		}
		if t.conv.AutoWithoutHuman.Enabled {
			t.conv.AutoWithoutHuman = conversation.AutoLoop{}
			t.emit(event.TypeAutoModeChanged, "", "", map[string]any{"kind": round.AutoWithoutHuman, "enabled": false, "reason": "copilot_enabled"})
		}
		t.touch()

		busy, err := p.busy(t)
		if err != nil || busy {
			return err
		}
		rn := &run.Run{
			SpeakerID: m.ID,
			Kind:      run.KindCopilotStart,
			Reason:    "copilot_start",
			Debug:     run.Debug{"copilot_remaining_steps": m.CopilotRemainingSteps},
		}
		created, err := s.createRun(t, rn)
		if err != nil || !created {
			return err
		}
		t.conv.SchedulingState = conversation.StateAIGenerating
		out = rn
		return nil
	})
	return out, err
}

// busy reports whether a round or a run already occupies the conversation.
func (p *PlannerService) busy(t *txn) (bool, error) {
	r, err := p.sched.activeRound(t)
	if err != nil || r != nil {
		return r != nil, err
	}
	q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return false, fmt.Errorf("get queued run: %w", err)
	}
	running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return false, fmt.Errorf("get running run: %w", err)
	}
	return q != nil || running != nil, nil
}

// CreateScheduledRun queues a run from spec. A run already holding the
// queued slot yields created=false without an error.
func (p *PlannerService) CreateScheduledRun(ctx context.Context, spec run.Spec) (*run.Run, bool, error) {
	if err := spec.Validate(); err != nil {
		return nil, false, err
	}
	s := p.sched
	var out *run.Run
	created := false
	err := s.withConversation(ctx, spec.ConversationID, "create_run", func(t *txn) error {
		m, err := t.tx.GetMember(t.ctx, spec.SpeakerID)
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if !m.IsActive() {
			return domain.ErrRemovedSpeaker
		}
		reason := spec.Reason
		if reason == "" {
			reason = string(spec.Kind)
		}
		rn := &run.Run{
			RoundID:   spec.RoundID,
			SpeakerID: spec.SpeakerID,
			Kind:      spec.Kind,
			Reason:    reason,
			RunAfter:  spec.RunAfter,
			Debug:     spec.Debug,
		}
		ok, err := s.createRun(t, rn)
		if err != nil || !ok {
			return err
		}
		if t.conv.SchedulingState == conversation.StateIdle {
			t.conv.SchedulingState = conversation.StateAIGenerating
		}
		out, created = rn, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Kick makes a queued run due immediately. With force set, a stale running
// run is put back in the queue when the queued slot is free. It reports
// whether anything changed.
func (p *PlannerService) Kick(ctx context.Context, runID string, force bool) (bool, error) {
	s := p.sched
	rn, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("get run: %w", err)
	}
	kicked := false
	err = s.withConversation(ctx, rn.ConversationID, "kick", func(t *txn) error {
		r, err := t.tx.GetRun(t.ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		switch r.Status {
		case run.StatusQueued:
			r.RunAfter = &t.now
		case run.StatusRunning:
			if !force || !r.IsStale(t.now, s.cfg.StaleRunTimeout) {
				return nil
			}
			q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
			if err != nil {
				return fmt.Errorf("get queued run: %w", err)
			}
			if q != nil {
				slog.Info("kick skipped, queued slot taken", "run_id", r.ID, "queued_run_id", q.ID)
				return nil
			}
			r.Debug = r.Debug.With("requeued_from_worker", r.WorkerID)
			r.Status = run.StatusQueued
			r.StartedAt, r.HeartbeatAt, r.CancelRequestedAt = nil, nil, nil
			r.WorkerID = ""
			r.RunAfter = &t.now
		default:
			return nil
		}
		if err := t.tx.UpdateRun(t.ctx, r); err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		t.touch()
		t.emit(event.TypeRunKicked, r.RoundID, r.ID, map[string]any{"force": force})
		kickedRun := *r
		t.onCommit(func(ctx context.Context) {
			s.broadcastRunStatus(ctx, &kickedRun)
			s.kick(ctx, &kickedRun, "kick")
		})
		kicked = true
		return nil
	})
	return kicked, err
}

// HandleMessageCreated is the post-commit re-entry point for new messages.
func (p *PlannerService) HandleMessageCreated(ctx context.Context, e MessageCreated) error {
	s := p.sched
	if !e.FromRun() {
		return p.PlanFromUserMessage(ctx, e.ConversationID, e.MessageID)
	}
	switch {
	case e.RoundID != "":
		return s.withConversation(ctx, e.ConversationID, "advance_turn", func(t *txn) error {
			r, err := s.activeRound(t)
			if err != nil || r == nil || r.ID != e.RoundID {
				return err
			}
			_, err = s.advanceIfCurrent(t, r, e.MembershipID, e.RoundPosition, e.MessageID)
			return err
		})
	case e.RunKind == run.KindCopilotStart || e.RunKind == run.KindCopilotContinue:
		return s.withConversation(ctx, e.ConversationID, "copilot_reply", func(t *txn) error {
			msg, err := t.tx.GetMessage(t.ctx, e.MessageID)
			if err != nil {
				return fmt.Errorf("get message: %w", err)
			}
			_, err = s.startRound(t, msg, false, round.AutoNone)
			return err
		})
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
