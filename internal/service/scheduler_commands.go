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
)

// StartRound opens a round for triggerMessageID (or the latest message when
// empty). User input that activates nobody leaves the conversation idle;
// any other trigger fails with ErrNoSpeakerAvailable.
func (s *SchedulerService) StartRound(ctx context.Context, conversationID, triggerMessageID string, isUserInput bool) (*round.Round, error) {
	var out *round.Round
	err := s.withConversation(ctx, conversationID, "start_round", func(t *txn) error {
		trigger, err := s.loadTrigger(t, triggerMessageID)
		if err != nil {
			return err
		}
		r, err := s.startRound(t, trigger, isUserInput, round.AutoNone)
		if err != nil {
			return err
		}
		if r == nil && !isUserInput {
			return domain.ErrNoSpeakerAvailable
		}
		out = r
		return nil
	})
	return out, err
}

func (s *SchedulerService) loadTrigger(t *txn, messageID string) (*conversation.Message, error) {
	if messageID == "" {
		m, err := optional(t.tx.LastMessage(t.ctx, t.conv.ID))
		if err != nil {
			return nil, fmt.Errorf("last message: %w", err)
		}
		return m, nil
	}
	m, err := t.tx.GetMessage(t.ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get trigger message: %w", err)
	}
	if m.ConversationID != t.conv.ID {
		return nil, fmt.Errorf("message %s is not in conversation %s: %w", messageID, t.conv.ID, domain.ErrValidation)
	}
	return m, nil
}

// AdvanceTurn marks the current position spoken when speakerID holds it and
// schedules the next turn. It reports false when the speaker is not current.
func (s *SchedulerService) AdvanceTurn(ctx context.Context, conversationID, speakerID, messageID string) (bool, error) {
	advanced := false
	err := s.withConversation(ctx, conversationID, "advance_turn", func(t *txn) error {
		r, err := s.activeRound(t)
		if err != nil || r == nil {
			return err
		}
		ok, err := s.advanceIfCurrent(t, r, speakerID, -1, messageID)
		advanced = ok
		return err
	})
	return advanced, err
}

// advanceIfCurrent advances r when speakerID holds the current position.
// A non-negative pos must also match it, so a run queued for a position that
// was skipped in the meantime cannot speak for a later position of the same
// member.
func (s *SchedulerService) advanceIfCurrent(t *txn, r *round.Round, speakerID string, pos int, messageID string) (bool, error) {
	p := r.Current()
	if p == nil || p.Status != round.ParticipantPending || p.MembershipID != speakerID {
		return false, nil
	}
	if pos >= 0 && p.Position != pos {
		return false, nil
	}
	return true, s.advance(t, r, messageID)
}

// SkipCurrentSpeaker skips the current position of expectedRoundID. With
// cancelRunning set, a running generation of that speaker is asked to stop
// first. It reports false when speakerID does not hold the current turn and
// fails with ErrStaleRound when expectedRoundID is no longer active.
func (s *SchedulerService) SkipCurrentSpeaker(ctx context.Context, conversationID, speakerID, expectedRoundID string, cancelRunning bool) (bool, error) {
	skipped := false
	err := s.withConversation(ctx, conversationID, "skip_speaker", func(t *txn) error {
		r, err := s.expectRound(t, expectedRoundID)
		if err != nil || r == nil {
			return err
		}
		p := r.Current()
		if p == nil || (speakerID != "" && p.MembershipID != speakerID) {
			return nil
		}
		if err := s.cancelQueuedRun(t, r.ID, "speaker_skipped"); err != nil {
			return err
		}
		if cancelRunning {
			running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
			if err != nil {
				return fmt.Errorf("get running run: %w", err)
			}
			if running != nil && running.SpeakerID == p.MembershipID {
				if err := s.requestCancel(t, running, "speaker_skipped"); err != nil {
					return err
				}
			}
		}
		pos, member := p.Position, p.MembershipID
		if err := s.markParticipant(t, r, pos, round.ParticipantSkipped, ""); err != nil {
			return err
		}
		t.emit(event.TypeSpeakerSkipped, r.ID, "", map[string]any{
			"position":   pos,
			"speaker_id": member,
			"reason":     "manual",
		})
		r.CurrentPosition = pos + 1
		if r.SchedulingState != conversation.StatePaused {
			r.SchedulingState = conversation.StateAIGenerating
		}
		ro, err := s.loadRoster(t)
		if err != nil {
			return err
		}
		skipped = true
		return s.scheduleCurrent(t, r, ro, 0)
	})
	return skipped, err
}

// RetryCurrentSpeaker re-queues the current speaker of a failed or waiting
// round without moving its position.
func (s *SchedulerService) RetryCurrentSpeaker(ctx context.Context, conversationID, expectedRoundID string) (bool, error) {
	retried := false
	err := s.withConversation(ctx, conversationID, "retry_speaker", func(t *txn) error {
		r, err := s.expectRound(t, expectedRoundID)
		if err != nil || r == nil {
			return err
		}
		switch r.SchedulingState {
		case conversation.StateFailed, conversation.StateWaitingForSpeaker:
		default:
			return nil
		}
		p := r.Current()
		if p == nil {
			return nil
		}
		t.emit(event.TypeSpeakerRetried, r.ID, "", map[string]any{
			"position":   p.Position,
			"speaker_id": p.MembershipID,
		})
		r.SchedulingState = conversation.StateAIGenerating
		ro, err := s.loadRoster(t)
		if err != nil {
			return err
		}
		retried = true
		return s.scheduleCurrent(t, r, ro, 0)
	})
	return retried, err
}

// InsertNextSpeaker queues speakerID right after the current position.
// The member may already be queued; duplicates are kept.
func (s *SchedulerService) InsertNextSpeaker(ctx context.Context, conversationID, speakerID, expectedRoundID string) (bool, error) {
	inserted := false
	err := s.withConversation(ctx, conversationID, "insert_speaker", func(t *txn) error {
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
		r, err := s.expectRound(t, expectedRoundID)
		if err != nil || r == nil {
			return err
		}
		p := r.InsertAfterCurrent(speakerID)
		if err := t.tx.InsertParticipant(t.ctx, p); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		if err := r.CheckPositions(); err != nil {
			return err
		}
		t.touch()
		t.emit(event.TypeSpeakerInserted, r.ID, "", map[string]any{
			"position":   p.Position,
			"speaker_id": speakerID,
		})
		inserted = true
		return nil
	})
	return inserted, err
}

// PauseRound freezes scheduling for the round without touching its queue.
// A queued run is canceled; a running one finishes normally.
func (s *SchedulerService) PauseRound(ctx context.Context, conversationID, expectedRoundID string) (bool, error) {
	paused := false
	err := s.withConversation(ctx, conversationID, "pause_round", func(t *txn) error {
		r, err := s.expectRound(t, expectedRoundID)
		if err != nil || r == nil || r.SchedulingState == conversation.StatePaused {
			return err
		}
		if err := s.cancelQueuedRun(t, r.ID, "paused"); err != nil {
			return err
		}
		r.SchedulingState = conversation.StatePaused
		t.conv.SchedulingState = conversation.StatePaused
		t.emit(event.TypeRoundPaused, r.ID, "", map[string]any{"position": r.CurrentPosition})
		paused = true
		return s.saveRound(t, r)
	})
	return paused, err
}

// ResumeRound lets a paused round schedule its current position again.
func (s *SchedulerService) ResumeRound(ctx context.Context, conversationID, expectedRoundID string) (bool, error) {
	resumed := false
	err := s.withConversation(ctx, conversationID, "resume_round", func(t *txn) error {
		r, err := s.expectRound(t, expectedRoundID)
		if err != nil || r == nil || r.SchedulingState != conversation.StatePaused {
			return err
		}
		r.SchedulingState = conversation.StateAIGenerating
		t.emit(event.TypeRoundResumed, r.ID, "", map[string]any{"position": r.CurrentPosition})
		ro, err := s.loadRoster(t)
		if err != nil {
			return err
		}
		resumed = true
		return s.scheduleCurrent(t, r, ro, 0)
	})
	return resumed, err
}

// Stop ends all scheduling for the conversation: the active round finishes
// as stopped, the queued run is canceled, a running run is asked to stop
// and auto loops are switched off. Calling it on an idle conversation is a
// no-op reported as false.
func (s *SchedulerService) Stop(ctx context.Context, conversationID string) (bool, error) {
	stopped := false
	err := s.withConversation(ctx, conversationID, "stop", func(t *txn) error {
		r, err := s.activeRound(t)
		if err != nil {
			return err
		}
		queued, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
		if err != nil {
			return fmt.Errorf("get queued run: %w", err)
		}
		running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
		if err != nil {
			return fmt.Errorf("get running run: %w", err)
		}
		if r == nil && queued == nil && (running == nil || running.CancelRequested()) &&
			t.conv.SchedulingState == conversation.StateIdle && !t.conv.AnyAutoActive() {
			return nil
		}
		if r != nil {
			if err := s.finishRound(t, r, round.EndedStopped); err != nil {
				return err
			}
		}
		if err := s.cancelQueuedRun(t, "", "stopped"); err != nil {
			return err
		}
		if err := s.requestCancel(t, running, "stopped"); err != nil {
			return err
		}
		t.conv.DisableAuto()
		t.conv.SchedulingState = conversation.StateIdle
		t.touch()
		t.emit(event.TypeSchedulingStopped, "", "", nil)
		slog.InfoContext(t.ctx, "scheduling stopped")
		stopped = true
		return nil
	})
	return stopped, err
}

// HandleRunFinished re-enters the state machine after a run reached a
// terminal status.
func (s *SchedulerService) HandleRunFinished(ctx context.Context, e RunFinished) error {
	rn := e.Run
	return s.withConversation(ctx, rn.ConversationID, "run_finished", func(t *txn) error {
		r, err := s.activeRound(t)
		if err != nil {
			return err
		}
		ours := r != nil && rn.IsRoundDriven() && rn.RoundID == r.ID
		if ours {
			if cur := r.Current(); cur != nil && cur.Status == round.ParticipantPending && holdsTurn(cur, &rn) {
				switch rn.Status {
				case run.StatusFailed:
					r.SchedulingState = conversation.StateFailed
					t.conv.SchedulingState = conversation.StateFailed
					return s.saveRound(t, r)
				case run.StatusSkipped:
					pos := cur.Position
					if err := s.markParticipant(t, r, pos, round.ParticipantSkipped, ""); err != nil {
						return err
					}
					t.emit(event.TypeSpeakerSkipped, r.ID, rn.ID, map[string]any{
						"position":   pos,
						"speaker_id": rn.SpeakerID,
						"reason":     "run_skipped",
					})
					r.CurrentPosition = pos + 1
					ro, err := s.loadRoster(t)
					if err != nil {
						return err
					}
					return s.scheduleCurrent(t, r, ro, 0)
				}
			}
		}
		if r != nil {
			if r.SchedulingState != conversation.StateWaitingForSpeaker {
				return nil
			}
			r.SchedulingState = conversation.StateAIGenerating
			ro, err := s.loadRoster(t)
			if err != nil {
				return err
			}
			return s.scheduleCurrent(t, r, ro, 0)
		}
		return s.settleIdle(t)
	})
}

// settleIdle returns a round-less conversation to idle once no run is
// queued or running. Failed conversations stay failed for recovery.
func (s *SchedulerService) settleIdle(t *txn) error {
	if t.conv.SchedulingState == conversation.StateIdle || t.conv.SchedulingState == conversation.StateFailed {
		return nil
	}
	q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get queued run: %w", err)
	}
	running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get running run: %w", err)
	}
	if q == nil && running == nil {
		t.conv.SchedulingState = conversation.StateIdle
	}
	return nil
}
