package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// Error codes recorded on failed runs.
const (
	CodeGenerationFailed = "generation_failed"
	CodeWorkerShutdown   = "worker_shutdown"
	CodeTargetChanged    = "target_changed"
)

// RunQueueService is the worker side of the run lifecycle: claim,
// heartbeat and completion.
type RunQueueService struct {
	sched    *SchedulerService
	messages *MessageService
	dispatch *Dispatcher
}

// NewRunQueueService creates a RunQueueService.
func NewRunQueueService(sched *SchedulerService, messages *MessageService, dispatch *Dispatcher) *RunQueueService {
	return &RunQueueService{sched: sched, messages: messages, dispatch: dispatch}
}

// Claim moves the oldest due run to running for workerID. It returns nil
// when nothing is claimable.
func (q *RunQueueService) Claim(ctx context.Context, workerID string) (*run.Run, error) {
	s := q.sched
	r, err := s.store.ClaimRun(ctx, workerID, s.now())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	slog.Info("run claimed", "run_id", r.ID, "conversation_id", r.ConversationID, "worker_id", workerID, "kind", r.Kind)
	s.metrics.RunClaimed(ctx, string(r.Kind))
	ev := event.New(r.ConversationID, event.TypeRunClaimed, map[string]string{"worker_id": workerID})
	ev.RoundID, ev.RunID = r.RoundID, r.ID
	s.appendEvent(ctx, &ev)
	s.broadcastRunStatus(ctx, r)
	s.broadcast(ctx, ws.EventTyping, ws.TypingEvent{
		ConversationID: r.ConversationID,
		MembershipID:   r.SpeakerID,
		RunID:          r.ID,
		Active:         true,
	})
	return r, nil
}

// Lease identifies one claim of a run. A run put back in the queue and
// claimed again gets a new lease; results reported under the old one are
// rejected with ErrConflict.
type Lease struct {
	RunID     string
	WorkerID  string
	ClaimedAt time.Time
}

// LeaseOf returns the lease of a claimed run.
func LeaseOf(r *run.Run) Lease {
	l := Lease{RunID: r.ID, WorkerID: r.WorkerID}
	if r.StartedAt != nil {
		l.ClaimedAt = *r.StartedAt
	}
	return l
}

// Heartbeat refreshes a running run and reports whether cancel was requested.
func (q *RunQueueService) Heartbeat(ctx context.Context, runID string) (bool, error) {
	return q.sched.store.HeartbeatRun(ctx, runID, q.sched.now())
}

// Succeed records the generated content of a running run. Regenerate runs
// rewrite their target; other runs append a message from the speaker. A run
// with a pending cancel is acknowledged as canceled and its content dropped.
func (q *RunQueueService) Succeed(ctx context.Context, l Lease, content string) (*conversation.Message, error) {
	if err := conversation.ValidateContent(content); err != nil {
		return nil, err
	}
	s := q.sched
	convID, err := q.conversationOf(ctx, l.RunID)
	if err != nil {
		return nil, err
	}
	var out *conversation.Message
	err = s.withConversation(ctx, convID, "run_succeeded", func(t *txn) error {
		r, err := q.running(t, l)
		if err != nil {
			return err
		}
		if r.CancelRequested() {
			return q.finish(t, r, run.StatusCanceled, nil)
		}
		speaker, err := t.tx.GetMember(t.ctx, r.SpeakerID)
		if err != nil {
			return fmt.Errorf("get speaker: %w", err)
		}

		if r.Kind == run.KindRegenerate {
			msg, ok, err := q.rewriteTarget(t, r, content)
			if err != nil {
				return err
			}
			if !ok {
				return q.finish(t, r, run.StatusFailed, &run.ErrorInfo{
					Code:    CodeTargetChanged,
					Message: "regenerate target is no longer the tail",
				})
			}
			out = msg
			return q.finish(t, r, run.StatusSucceeded, nil)
		}

		role := conversation.RoleAssistant
		if speaker.IsHuman() {
			role = conversation.RoleUser
		}
		msg := &conversation.Message{
			ConversationID: t.conv.ID,
			Role:           role,
			MembershipID:   speaker.ID,
			RunID:          r.ID,
			Content:        content,
		}
		if err := t.tx.CreateMessage(t.ctx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if err := q.consumeCopilotStep(t, speaker); err != nil {
			return err
		}
		q.messages.afterMessage(t, msg, MessageCreated{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			MembershipID:   msg.MembershipID,
			Role:           msg.Role,
			RunID:          r.ID,
			RunKind:        r.Kind,
			RoundID:        r.RoundID,
			RoundPosition:  roundPosition(r),
		})
		out = msg
		return q.finish(t, r, run.StatusSucceeded, nil)
	})
	return out, err
}

// rewriteTarget replaces the content of a regenerate target, provided it is
// still the unforked tail.
func (q *RunQueueService) rewriteTarget(t *txn, r *run.Run, content string) (*conversation.Message, bool, error) {
	target, err := optional(t.tx.GetMessage(t.ctx, r.TargetMessageID()))
	if err != nil {
		return nil, false, fmt.Errorf("get target: %w", err)
	}
	if target == nil || target.ConversationID != t.conv.ID {
		return nil, false, nil
	}
	last, err := t.tx.LastMessage(t.ctx, t.conv.ID)
	if err != nil {
		return nil, false, fmt.Errorf("last message: %w", err)
	}
	fp, err := t.tx.IsForkPoint(t.ctx, target.ID)
	if err != nil {
		return nil, false, fmt.Errorf("fork point: %w", err)
	}
	if last.ID != target.ID || fp {
		return nil, false, nil
	}
	target.Content = content
	target.RunID = r.ID
	if err := t.tx.UpdateMessage(t.ctx, target); err != nil {
		return nil, false, fmt.Errorf("update target: %w", err)
	}
	q.messages.changed(t, target, "regenerated", event.TypeMessageEdited)
	return target, true, nil
}

// consumeCopilotStep spends one autopilot step of a human speaker. The
// last step switches autopilot off.
func (q *RunQueueService) consumeCopilotStep(t *txn, m *space.Membership) error {
	if !m.IsHuman() || m.CopilotMode != space.CopilotFull {
		return nil
	}
	if m.CopilotRemainingSteps > 0 {
		m.CopilotRemainingSteps--
	}
	if m.CopilotRemainingSteps == 0 {
		m.CopilotMode = space.CopilotNone
	}
	if err := t.tx.UpdateMember(t.ctx, m); err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	t.touch()
	return nil
}

// Fail marks a running run failed with info.
func (q *RunQueueService) Fail(ctx context.Context, l Lease, info run.ErrorInfo) error {
	return q.complete(ctx, l, "run_failed", run.StatusFailed, &info)
}

// AckCancel confirms a requested cancel.
func (q *RunQueueService) AckCancel(ctx context.Context, l Lease) error {
	return q.complete(ctx, l, "run_canceled", run.StatusCanceled, nil)
}

// Skip ends a run whose speaker can no longer talk. A round-driven run's
// position is skipped and the round moves on.
func (q *RunQueueService) Skip(ctx context.Context, l Lease, reason string) error {
	return q.complete(ctx, l, "run_skipped", run.StatusSkipped, &run.ErrorInfo{Code: reason})
}

func (q *RunQueueService) complete(ctx context.Context, l Lease, command string, status run.Status, info *run.ErrorInfo) error {
	convID, err := q.conversationOf(ctx, l.RunID)
	if err != nil {
		return err
	}
	return q.sched.withConversation(ctx, convID, command, func(t *txn) error {
		r, err := q.running(t, l)
		if err != nil {
			return err
		}
		return q.finish(t, r, status, info)
	})
}

func (q *RunQueueService) conversationOf(ctx context.Context, runID string) (string, error) {
	r, err := q.sched.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("get run: %w", err)
	}
	return r.ConversationID, nil
}

// running loads the run held by l. The run must still be running under the
// same claim.
func (q *RunQueueService) running(t *txn, l Lease) (*run.Run, error) {
	r, err := t.tx.GetRun(t.ctx, l.RunID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if r.Status != run.StatusRunning {
		return nil, fmt.Errorf("run %s is %s, not running: %w", r.ID, r.Status, domain.ErrConflict)
	}
	if r.WorkerID != l.WorkerID || (r.StartedAt != nil && !r.StartedAt.Equal(l.ClaimedAt)) {
		return nil, fmt.Errorf("run %s was reclaimed by %s: %w", r.ID, r.WorkerID, domain.ErrConflict)
	}
	return r, nil
}

// finish moves r to a terminal status and schedules RunFinished.
func (q *RunQueueService) finish(t *txn, r *run.Run, status run.Status, info *run.ErrorInfo) error {
	s := q.sched
	r.Status = status
	r.FinishedAt = &t.now
	if info != nil {
		b, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
		r.Error = b
	}
	if err := t.tx.UpdateRun(t.ctx, r); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	t.touch()
	typ := event.TypeRunSucceeded
	switch status {
	case run.StatusFailed, run.StatusSkipped:
		typ = event.TypeRunFailed
	case run.StatusCanceled:
		typ = event.TypeRunCanceled
	}
	t.emit(typ, r.RoundID, r.ID, map[string]any{"status": status, "error": info})
	slog.Info("run finished", "run_id", r.ID, "conversation_id", r.ConversationID, "status", status)
	done := *r
	t.onCommit(func(ctx context.Context) {
		s.metrics.RunFinished(ctx, string(done.Kind), string(done.Status), done.StartedAt)
		s.broadcastRunStatus(ctx, &done)
		s.broadcast(ctx, ws.EventTyping, ws.TypingEvent{
			ConversationID: done.ConversationID,
			MembershipID:   done.SpeakerID,
			RunID:          done.ID,
			Active:         false,
		})
		q.dispatch.RunFinished(ctx, RunFinished{Run: done})
	})
	return nil
}
