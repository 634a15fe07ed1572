package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	rtotel "github.com/roundtable-chat/roundtable/internal/adapter/otel"
	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/selection"
	"github.com/roundtable-chat/roundtable/internal/logger"
	"github.com/roundtable-chat/roundtable/internal/port/broadcast"
	"github.com/roundtable-chat/roundtable/internal/port/cache"
	"github.com/roundtable-chat/roundtable/internal/port/database"
	"github.com/roundtable-chat/roundtable/internal/port/eventstore"
	"github.com/roundtable-chat/roundtable/internal/port/messagequeue"
)

// SchedulerService owns the round/turn state machine of every conversation.
// All mutations run under the conversation lock; side effects (broadcasts,
// audit events, queue kicks) are collected during the transaction and
// flushed after commit.
type SchedulerService struct {
	store   database.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	events  eventstore.Store
	cache   cache.Cache
	metrics *rtotel.Metrics
	cfg     *config.Scheduler

	previewTTL time.Duration
	now        func() time.Time
	seed       atomic.Uint64
	seeded     bool
}

// NewSchedulerService creates a SchedulerService. queue, hub and events may
// be nil.
func NewSchedulerService(
	store database.Store,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	events eventstore.Store,
	cfg *config.Scheduler,
) *SchedulerService {
	if cfg == nil {
		d := config.Defaults().Scheduler
		cfg = &d
	}
	return &SchedulerService{
		store:  store,
		queue:  queue,
		hub:    hub,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetCache enables caching of predicted queue previews.
func (s *SchedulerService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.previewTTL = ttl
}

// SetMetrics registers the scheduler metric instruments.
func (s *SchedulerService) SetMetrics(m *rtotel.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source.
func (s *SchedulerService) SetClock(now func() time.Time) {
	s.now = now
}

// SetSeed makes speaker selection reproducible. Each selection draws from a
// fresh generator seeded with seed plus a call counter.
func (s *SchedulerService) SetSeed(seed uint64) {
	s.seed.Store(seed)
	s.seeded = true
}

func (s *SchedulerService) rng() *rand.Rand {
	if !s.seeded {
		return selection.NewRand(rand.Uint64())
	}
	return selection.NewRand(s.seed.Add(1))
}

// txn is the working state of one scheduler command.
type txn struct {
	ctx    context.Context
	tx     database.Tx
	conv   *conversation.Conversation
	now    time.Time
	dirty  bool
	events []event.SchedulerEvent
	after  []func(ctx context.Context)
	queue  *ws.QueueUpdatedEvent
}

// touch marks the command as scheduler-visible so the revision is bumped.
func (t *txn) touch() { t.dirty = true }

func (t *txn) emit(typ event.Type, roundID, runID string, payload any) {
	ev := event.New(t.conv.ID, typ, payload)
	ev.RoundID = roundID
	ev.RunID = runID
	t.events = append(t.events, ev)
}

func (t *txn) onCommit(fn func(ctx context.Context)) {
	t.after = append(t.after, fn)
}

// withConversation runs fn under the conversation lock and flushes the
// collected side effects once the transaction has committed.
func (s *SchedulerService) withConversation(ctx context.Context, conversationID, command string, fn func(t *txn) error) error {
	ctx = logger.WithConversationID(ctx, conversationID)
	ctx, span := rtotel.StartCommandSpan(ctx, command, conversationID)
	var t *txn
	err := s.store.WithConversationLock(ctx, conversationID, func(tx database.Tx) error {
		conv := *tx.Conversation()
		before := conv
		t = &txn{ctx: ctx, tx: tx, conv: &conv, now: s.now()}
		if err := fn(t); err != nil {
			return err
		}
		if *t.conv != before {
			t.dirty = true
		}
		if !t.dirty {
			return nil
		}
		t.conv.GroupQueueRevision++
		if err := tx.UpdateConversation(ctx, t.conv); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		snap, err := s.snapshot(t)
		if err != nil {
			return err
		}
		t.queue = snap
		return nil
	})
	rtotel.EndSpan(span, err)
	if err != nil {
		return err
	}
	s.flush(ctx, t)
	return nil
}

// snapshot builds the queue_updated payload from the locked state.
func (s *SchedulerService) snapshot(t *txn) (*ws.QueueUpdatedEvent, error) {
	ev := &ws.QueueUpdatedEvent{
		ConversationID:  t.conv.ID,
		Revision:        t.conv.GroupQueueRevision,
		SchedulingState: string(t.conv.SchedulingState),
	}
	r, err := optional(t.tx.GetActiveRound(t.ctx, t.conv.ID))
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	if r == nil {
		return ev, nil
	}
	ev.RoundID = r.ID
	for _, p := range r.Remaining() {
		if ev.CurrentSpeakerID == "" {
			ev.CurrentSpeakerID = p.MembershipID
			continue
		}
		ev.Upcoming = append(ev.Upcoming, p.MembershipID)
	}
	return ev, nil
}

func (s *SchedulerService) flush(ctx context.Context, t *txn) {
	for i := range t.events {
		ev := t.events[i]
		ev.Revision = t.conv.GroupQueueRevision
		s.appendEvent(ctx, &ev)
	}
	if t.queue != nil {
		s.broadcast(ctx, ws.EventQueueUpdated, *t.queue)
	}
	for _, fn := range t.after {
		fn(ctx)
	}
}

func (s *SchedulerService) appendEvent(ctx context.Context, ev *event.SchedulerEvent) {
	if s.events == nil {
		return
	}
	ev.RequestID = logger.RequestID(ctx)
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("failed to append scheduler event", "conversation_id", ev.ConversationID, "type", ev.Type, "error", err)
	}
}

func (s *SchedulerService) broadcast(ctx context.Context, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, eventType, payload)
}

func (s *SchedulerService) publishJSON(ctx context.Context, subject string, payload any) error {
	if s.queue == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.queue.Publish(ctx, subject, data)
}

// optional turns a not-found lookup into a nil result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// --- run slot helpers ---

// createRun inserts a queued run. A lost race on the single-queued slot is
// reported as created=false, never as an error.
func (s *SchedulerService) createRun(t *txn, r *run.Run) (bool, error) {
	r.ConversationID = t.conv.ID
	r.Status = run.StatusQueued
	if err := r.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := t.tx.CreateRun(t.ctx, r); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.InfoContext(t.ctx, "run already scheduled", "speaker_id", r.SpeakerID, "kind", r.Kind)
			t.onCommit(func(ctx context.Context) { s.metrics.RaceLost(ctx) })
			return false, nil
		}
		return false, fmt.Errorf("create run: %w", err)
	}
	t.touch()
	t.emit(event.TypeRunQueued, r.RoundID, r.ID, map[string]any{
		"speaker_id": r.SpeakerID,
		"kind":       r.Kind,
		"reason":     r.Reason,
		"run_after":  r.RunAfter,
	})
	queued := *r
	t.onCommit(func(ctx context.Context) {
		s.metrics.RunQueued(ctx, string(queued.Kind))
		s.broadcastRunStatus(ctx, &queued)
		s.kick(ctx, &queued, "queued")
	})
	return true, nil
}

// kick wakes the workers. Delivery is best-effort; workers also poll.
func (s *SchedulerService) kick(ctx context.Context, r *run.Run, reason string) {
	err := s.publishJSON(ctx, messagequeue.SubjectRunKick, messagequeue.RunKickPayload{
		RunID:          r.ID,
		ConversationID: r.ConversationID,
		Reason:         reason,
	})
	if err != nil {
		slog.Warn("run kick publish failed", "run_id", r.ID, "error", err)
	}
}

func (s *SchedulerService) broadcastRunStatus(ctx context.Context, r *run.Run) {
	s.broadcast(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		ConversationID: r.ConversationID,
		RunID:          r.ID,
		SpeakerID:      r.SpeakerID,
		Kind:           string(r.Kind),
		Status:         string(r.Status),
	})
}

// cancelQueued hard-cancels a queued run.
func (s *SchedulerService) cancelQueued(t *txn, r *run.Run, reason string) error {
	if r == nil || r.Status != run.StatusQueued {
		return nil
	}
	r.Status = run.StatusCanceled
	r.FinishedAt = &t.now
	r.Debug = r.Debug.With("canceled_reason", reason)
	if err := t.tx.UpdateRun(t.ctx, r); err != nil {
		return fmt.Errorf("cancel queued run: %w", err)
	}
	t.touch()
	t.emit(event.TypeRunCanceled, r.RoundID, r.ID, map[string]string{"reason": reason})
	canceled := *r
	t.onCommit(func(ctx context.Context) {
		s.metrics.RunFinished(ctx, string(canceled.Kind), string(canceled.Status), nil)
		s.broadcastRunStatus(ctx, &canceled)
	})
	return nil
}

// cancelQueuedRun cancels the conversation's queued run, if any. With
// roundID set only a run of that round is canceled.
func (s *SchedulerService) cancelQueuedRun(t *txn, roundID, reason string) error {
	q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get queued run: %w", err)
	}
	if q == nil || (roundID != "" && q.RoundID != roundID) {
		return nil
	}
	return s.cancelQueued(t, q, reason)
}

// requestCancel flags a running run for cooperative cancellation. The
// stop event goes out right away; the worker acknowledges later.
func (s *SchedulerService) requestCancel(t *txn, r *run.Run, reason string) error {
	if r == nil || r.Status != run.StatusRunning {
		return nil
	}
	if r.CancelRequested() {
		return nil
	}
	r.CancelRequestedAt = &t.now
	r.Debug = r.Debug.With("cancel_reason", reason)
	if err := t.tx.UpdateRun(t.ctx, r); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	t.touch()
	t.emit(event.TypeRunCancelRequested, r.RoundID, r.ID, map[string]string{"reason": reason})
	runID, convID := r.ID, r.ConversationID
	t.onCommit(func(ctx context.Context) {
		s.broadcast(ctx, ws.EventGenerationStopped, ws.GenerationStoppedEvent{
			ConversationID: convID,
			RunID:          runID,
			Reason:         reason,
		})
		if err := s.publishJSON(ctx, messagequeue.SubjectRunCancel, messagequeue.RunCancelPayload{
			RunID:          runID,
			ConversationID: convID,
		}); err != nil {
			slog.Warn("run cancel publish failed", "run_id", runID, "error", err)
		}
	})
	return nil
}

// cancelRunningRun requests cancel on the conversation's running run.
func (s *SchedulerService) cancelRunningRun(t *txn, reason string) error {
	r, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("get running run: %w", err)
	}
	return s.requestCancel(t, r, reason)
}

func (s *SchedulerService) activeRound(t *txn) (*round.Round, error) {
	r, err := optional(t.tx.GetActiveRound(t.ctx, t.conv.ID))
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	return r, nil
}

// expectRound returns the active round when it matches expectedRoundID.
// An empty expectation matches any active round, or none. A named round that
// is no longer active fails with ErrStaleRound.
func (s *SchedulerService) expectRound(t *txn, expectedRoundID string) (*round.Round, error) {
	r, err := s.activeRound(t)
	if err != nil {
		return nil, err
	}
	if expectedRoundID == "" || (r != nil && r.ID == expectedRoundID) {
		return r, nil
	}
	active := ""
	if r != nil {
		active = r.ID
	}
	slog.InfoContext(t.ctx, "stale round", "expected_round_id", expectedRoundID, "round_id", active)
	return nil, fmt.Errorf("round %s is no longer active: %w", expectedRoundID, domain.ErrStaleRound)
}
