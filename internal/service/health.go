package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// HealthStatus classifies a conversation's scheduling health.
type HealthStatus string

const (
	HealthHealthy        HealthStatus = "healthy"
	HealthStuck          HealthStatus = "stuck"
	HealthFailed         HealthStatus = "failed"
	HealthIdleUnexpected HealthStatus = "idle_unexpected"
)

// HealthReport is the result of a health check. Staleness is only
// reported; recovery is always an explicit action.
type HealthReport struct {
	ConversationID  string                       `json:"conversation_id"`
	Status          HealthStatus                 `json:"status"`
	SchedulingState conversation.SchedulingState `json:"scheduling_state"`
	RoundID         string                       `json:"round_id,omitempty"`
	RunID           string                       `json:"run_id,omitempty"`
	SpeakerID       string                       `json:"speaker_id,omitempty"`
	StaleSeconds    int64                        `json:"stale_seconds,omitempty"`
	Message         string                       `json:"message"`
}

// HealthService detects stuck, failed and missed-trigger conversations and
// exposes the recovery actions for them.
type HealthService struct {
	sched *SchedulerService
}

// NewHealthService creates a HealthService.
func NewHealthService(sched *SchedulerService) *HealthService {
	return &HealthService{sched: sched}
}

func (h *HealthService) staleTimeout() time.Duration {
	if h.sched.cfg.StaleRunTimeout > 0 {
		return h.sched.cfg.StaleRunTimeout
	}
	return run.DefaultStaleTimeout
}

// Check classifies the conversation from committed state.
func (h *HealthService) Check(ctx context.Context, conversationID string) (*HealthReport, error) {
	s := h.sched
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	rep := &HealthReport{
		ConversationID:  conv.ID,
		Status:          HealthHealthy,
		SchedulingState: conv.SchedulingState,
		Message:         "scheduling is healthy",
	}
	active, err := optional(s.store.GetActiveRound(ctx, conv.ID))
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	if active != nil {
		rep.RoundID = active.ID
	}
	runs, err := s.store.ListRuns(ctx, conv.ID, 20)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	now := s.now()
	var queued, running *run.Run
	for i := range runs {
		switch runs[i].Status {
		case run.StatusQueued:
			queued = &runs[i]
		case run.StatusRunning:
			running = &runs[i]
		}
	}

	if running != nil && running.IsStale(now, h.staleTimeout()) {
		rep.Status = HealthStuck
		rep.RunID, rep.SpeakerID = running.ID, running.SpeakerID
		rep.StaleSeconds = int64(running.StaleFor(now) / time.Second)
		rep.Message = "a running generation stopped sending heartbeats"
		return rep, nil
	}
	if conv.SchedulingState == conversation.StateFailed || (len(runs) > 0 && runs[0].Status == run.StatusFailed && queued == nil && running == nil) {
		rep.Status = HealthFailed
		if len(runs) > 0 {
			rep.RunID, rep.SpeakerID = runs[0].ID, runs[0].SpeakerID
		}
		rep.Message = "the last generation failed"
		return rep, nil
	}
	if conv.SchedulingState == conversation.StateIdle && active == nil && queued == nil && running == nil {
		missed, err := h.missedTrigger(ctx, conv)
		if err != nil {
			return nil, err
		}
		if missed {
			rep.Status = HealthIdleUnexpected
			rep.Message = "the last message never got a response"
		}
	}
	return rep, nil
}

// missedTrigger reports whether the last visible message is manual user
// input that would have activated someone.
func (h *HealthService) missedTrigger(ctx context.Context, conv *conversation.Conversation) (bool, error) {
	s := h.sched
	history, err := s.store.ListMessages(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}
	last := conversation.LastVisible(history)
	if last == nil || last.Role != conversation.RoleUser || last.RunID != "" {
		return false, nil
	}
	sp, err := s.store.GetSpace(ctx, conv.SpaceID)
	if err != nil {
		return false, fmt.Errorf("get space: %w", err)
	}
	if sp.Order() == space.ReplyOrderManual {
		return false, nil
	}
	preview, err := s.ActivatedQueue(ctx, conv.ID, last.ID, true, nil)
	if err != nil {
		return false, err
	}
	return len(preview) > 0, nil
}

// CancelStuckRun cancels the running run outright, ends the active round
// and clears the queue.
func (h *HealthService) CancelStuckRun(ctx context.Context, conversationID string) (bool, error) {
	s := h.sched
	canceled := false
	err := s.withConversation(ctx, conversationID, "cancel_stuck_run", func(t *txn) error {
		r, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
		if err != nil || r == nil {
			return err
		}
		if err := h.cancelRunning(t, r, "cancel_stuck_run"); err != nil {
			return err
		}
		if active, err := s.activeRound(t); err != nil {
			return err
		} else if active != nil {
			if err := s.finishRound(t, active, round.EndedRecovered); err != nil {
				return err
			}
		}
		if err := s.cancelQueuedRun(t, "", "cancel_stuck_run"); err != nil {
			return err
		}
		t.conv.SchedulingState = conversation.StateIdle
		canceled = true
		return h.recoveryBoundary(t, "cancel_stuck_run")
	})
	return canceled, err
}

// cancelRunning force-cancels a running run with recovery provenance. The
// worker, if alive, is told to stop.
func (h *HealthService) cancelRunning(t *txn, r *run.Run, action string) error {
	s := h.sched
	r.Debug = r.Debug.With("recovery", map[string]any{
		"action":        action,
		"stale_seconds": int64(r.StaleFor(t.now) / time.Second),
		"worker_id":     r.WorkerID,
	})
	if err := s.requestCancel(t, r, action); err != nil {
		return err
	}
	r.Status = run.StatusCanceled
	r.FinishedAt = &t.now
	if err := t.tx.UpdateRun(t.ctx, r); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	t.touch()
	t.emit(event.TypeRunCanceled, r.RoundID, r.ID, map[string]string{"reason": action})
	done := *r
	t.onCommit(func(ctx context.Context) {
		s.metrics.RunFinished(ctx, string(done.Kind), string(done.Status), done.StartedAt)
		s.broadcastRunStatus(ctx, &done)
	})
	return nil
}

// RetryStuckRun cancels the running run and queues a replacement for the
// same speaker.
func (h *HealthService) RetryStuckRun(ctx context.Context, conversationID string) (*run.Run, error) {
	s := h.sched
	var out *run.Run
	err := s.withConversation(ctx, conversationID, "retry_stuck_run", func(t *txn) error {
		r, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("no running run: %w", domain.ErrNotFound)
		}
		if err := h.cancelRunning(t, r, "retry_stuck_run"); err != nil {
			return err
		}
		if err := h.recoveryBoundary(t, "retry_stuck_run"); err != nil {
			return err
		}
		out, err = h.replace(t, r, "retry_stuck_run")
		return err
	})
	return out, err
}

// RetryFailedRun queues a replacement for the most recent failed run.
func (h *HealthService) RetryFailedRun(ctx context.Context, conversationID string) (*run.Run, error) {
	s := h.sched
	var out *run.Run
	err := s.withConversation(ctx, conversationID, "retry_failed_run", func(t *txn) error {
		r, err := optional(t.tx.LatestRun(t.ctx, t.conv.ID))
		if err != nil {
			return err
		}
		if r == nil || r.Status != run.StatusFailed {
			return fmt.Errorf("no failed run: %w", domain.ErrNotFound)
		}
		if err := h.recoveryBoundary(t, "retry_failed_run"); err != nil {
			return err
		}
		out, err = h.replace(t, r, "retry_failed_run")
		return err
	})
	return out, err
}

// replace re-creates prev. A run of the active round at its current
// position is rescheduled through the round; anything else is re-planned as
// a standalone run of the same kind.
func (h *HealthService) replace(t *txn, prev *run.Run, action string) (*run.Run, error) {
	s := h.sched
	active, err := s.activeRound(t)
	if err != nil {
		return nil, err
	}
	if active != nil && prev.RoundID == active.ID {
		if cur := active.Current(); cur != nil && cur.MembershipID == prev.SpeakerID {
			active.SchedulingState = conversation.StateAIGenerating
			ro, err := s.loadRoster(t)
			if err != nil {
				return nil, err
			}
			if err := s.scheduleCurrent(t, active, ro, 0); err != nil {
				return nil, err
			}
			return optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
		}
	}
	if active != nil {
		if err := s.supersede(t, active); err != nil {
			return nil, err
		}
	}
	kind := prev.Kind
	if kind == run.KindAutoResponse {
		kind = run.KindForceTalk
	}
	rn := &run.Run{
		SpeakerID: prev.SpeakerID,
		Kind:      kind,
		Reason:    action,
		Debug:     prev.Debug.With("retry_of", prev.ID),
	}
	created, err := s.createRun(t, rn)
	if err != nil || !created {
		return nil, err
	}
	t.conv.SchedulingState = conversation.StateAIGenerating
	return rn, nil
}

// RecoverIdle starts the round a missed trigger should have started.
func (h *HealthService) RecoverIdle(ctx context.Context, conversationID string) (*round.Round, error) {
	rep, err := h.Check(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if rep.Status != HealthIdleUnexpected {
		return nil, nil
	}
	s := h.sched
	var out *round.Round
	err = s.withConversation(ctx, conversationID, "recover_idle", func(t *txn) error {
		last, err := t.tx.LastMessage(t.ctx, t.conv.ID)
		if err != nil {
			return fmt.Errorf("last message: %w", err)
		}
		if err := h.recoveryBoundary(t, "recover_idle"); err != nil {
			return err
		}
		r, err := s.startRound(t, last, true, round.AutoNone)
		if err != nil {
			return err
		}
		if r == nil {
			return domain.ErrNoSpeakerAvailable
		}
		out = r
		return nil
	})
	return out, err
}

// recoveryBoundary switches off every auto loop and member autopilot.
func (h *HealthService) recoveryBoundary(t *txn, action string) error {
	t.conv.DisableAuto()
	members, err := t.tx.ListMembers(t.ctx, t.conv.SpaceID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for i := range members {
		m := &members[i]
		if !m.IsHuman() || m.CopilotMode == space.CopilotNone {
			continue
		}
		m.CopilotMode = space.CopilotNone
		m.CopilotRemainingSteps = 0
		if err := t.tx.UpdateMember(t.ctx, m); err != nil {
			return fmt.Errorf("disable copilot: %w", err)
		}
	}
	t.touch()
	t.emit(event.TypeRecovery, "", "", map[string]string{"action": action})
	slog.InfoContext(t.ctx, "recovery action", "action", action)
	return nil
}
