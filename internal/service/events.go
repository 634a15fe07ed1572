package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
)

// MessageCreated is dispatched after a message insert has committed.
type MessageCreated struct {
	ConversationID string
	MessageID      string
	MembershipID   string
	Role           conversation.Role
	RunID          string
	RunKind        run.Kind
	RoundID        string
	// RoundPosition is the round position the run was queued for, or -1.
	RoundPosition  int
}

// FromRun reports whether the message was produced by a run.
func (e MessageCreated) FromRun() bool { return e.RunID != "" }

// RunFinished is dispatched after a run reached a terminal status.
type RunFinished struct {
	Run run.Run
}

// Dispatcher delivers post-commit domain events to registered handlers in
// registration order. Handler errors are logged, never returned to the
// command that produced the event.
type Dispatcher struct {
	mu             sync.RWMutex
	messageCreated []func(context.Context, MessageCreated) error
	runFinished    []func(context.Context, RunFinished) error
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnMessageCreated registers a MessageCreated handler.
func (d *Dispatcher) OnMessageCreated(fn func(context.Context, MessageCreated) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageCreated = append(d.messageCreated, fn)
}

// OnRunFinished registers a RunFinished handler.
func (d *Dispatcher) OnRunFinished(fn func(context.Context, RunFinished) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runFinished = append(d.runFinished, fn)
}

// MessageCreated delivers e to every handler.
func (d *Dispatcher) MessageCreated(ctx context.Context, e MessageCreated) {
	if d == nil {
		return
	}
	d.mu.RLock()
	handlers := d.messageCreated
	d.mu.RUnlock()
	for _, fn := range handlers {
		if err := fn(ctx, e); err != nil {
			slog.Error("message created handler failed", "conversation_id", e.ConversationID, "message_id", e.MessageID, "error", err)
		}
	}
}

// RunFinished delivers e to every handler.
func (d *Dispatcher) RunFinished(ctx context.Context, e RunFinished) {
	if d == nil {
		return
	}
	d.mu.RLock()
	handlers := d.runFinished
	d.mu.RUnlock()
	for _, fn := range handlers {
		if err := fn(ctx, e); err != nil {
			slog.Error("run finished handler failed", "conversation_id", e.Run.ConversationID, "run_id", e.Run.ID, "error", err)
		}
	}
}

// Register subscribes the scheduler's reactions: new messages advance or
// start rounds and finished runs settle the conversation.
func (d *Dispatcher) Register(planner *PlannerService, sched *SchedulerService) {
	d.OnMessageCreated(planner.HandleMessageCreated)
	d.OnRunFinished(sched.HandleRunFinished)
}
