package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/memory"
	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/generator"
	"github.com/roundtable-chat/roundtable/internal/port/messagequeue"
)

// --- Fakes ---

type broadcastRecord struct {
	Type    string
	Payload any
}

type recordingHub struct {
	mu     sync.Mutex
	events []broadcastRecord
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, broadcastRecord{Type: eventType, Payload: payload})
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type published struct {
	Subject string
	Data    []byte
}

// recordingQueue records publishes and delivers them synchronously to
// subscribers.
type recordingQueue struct {
	mu        sync.Mutex
	published []published
	handlers  map[string][]messagequeue.Handler
}

func (q *recordingQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	q.published = append(q.published, published{Subject: subject, Data: data})
	handlers := append([]messagequeue.Handler(nil), q.handlers[subject]...)
	q.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q *recordingQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string][]messagequeue.Handler)
	}
	q.handlers[subject] = append(q.handlers[subject], handler)
	return func() {}, nil
}

func (q *recordingQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.published {
		if p.Subject == subject {
			n++
		}
	}
	return n
}

func (q *recordingQueue) Drain() error      { return nil }
func (q *recordingQueue) Close() error      { return nil }
func (q *recordingQueue) IsConnected() bool { return true }

type generatorFunc func(ctx context.Context, req generator.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req generator.Request) (string, error) {
	return f(ctx, req)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Harness ---

type harness struct {
	store    *memory.Store
	events   *memory.EventStore
	hub      *recordingHub
	queue    *recordingQueue
	clock    *fakeClock
	sched    *SchedulerService
	forks    *ForkService
	planner  *PlannerService
	messages *MessageService
	runs     *RunQueueService
	spaces   *SpaceService
	health   *HealthService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithFork(t, 0)
}

func newHarnessWithFork(t *testing.T, asyncThreshold int) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		events: memory.NewEventStore(),
		hub:    &recordingHub{},
		queue:  &recordingQueue{},
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := config.Defaults().Scheduler
	h.sched = NewSchedulerService(h.store, h.queue, h.hub, h.events, &cfg)
	h.sched.SetClock(h.clock.Now)
	h.sched.SetSeed(42)
	dispatch := NewDispatcher()
	h.forks = NewForkService(h.sched, asyncThreshold)
	h.planner = NewPlannerService(h.sched, h.forks)
	h.messages = NewMessageService(h.sched, h.planner, dispatch)
	h.runs = NewRunQueueService(h.sched, h.messages, dispatch)
	h.spaces = NewSpaceService(h.sched)
	h.health = NewHealthService(h.sched)
	dispatch.Register(h.planner, h.sched)
	t.Cleanup(h.forks.Wait)
	return h
}

func (h *harness) space(t *testing.T, order space.ReplyOrder, policy space.InputPolicy) *space.Space {
	t.Helper()
	sp, err := h.spaces.CreateSpace(context.Background(), space.CreateRequest{
		Name:        "room",
		ReplyOrder:  order,
		InputPolicy: policy,
	})
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	return sp
}

func (h *harness) member(t *testing.T, sp *space.Space, kind space.Kind, name string) *space.Membership {
	t.Helper()
	req := space.AddMemberRequest{Kind: kind, DisplayName: name}
	if kind == space.KindCharacter {
		req.CharacterID = "char-" + name
	}
	m, err := h.spaces.AddMember(context.Background(), sp.ID, req)
	if err != nil {
		t.Fatalf("add member %s: %v", name, err)
	}
	return m
}

func (h *harness) conversation(t *testing.T, sp *space.Space) *conversation.Conversation {
	t.Helper()
	c, err := h.spaces.CreateConversation(context.Background(), conversation.CreateRequest{SpaceID: sp.ID, Title: "main"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func (h *harness) say(t *testing.T, convID string, from *space.Membership, content string) *conversation.Message {
	t.Helper()
	msg, err := h.messages.Create(context.Background(), convID, conversation.SendMessageRequest{
		MembershipID: from.ID,
		Content:      content,
	})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return msg
}

func (h *harness) state(t *testing.T, convID string) *StateView {
	t.Helper()
	v, err := h.sched.State(context.Background(), convID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return v
}

// step claims the next due run and completes it with content.
func (h *harness) step(t *testing.T, content string) *run.Run {
	t.Helper()
	ctx := context.Background()
	r, err := h.runs.Claim(ctx, "test-worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r == nil {
		t.Fatal("expected a claimable run")
	}
	if _, err := h.runs.Succeed(ctx, LeaseOf(r), content); err != nil {
		t.Fatalf("succeed run %s: %v", r.ID, err)
	}
	return r
}

func (h *harness) claim(t *testing.T) *run.Run {
	t.Helper()
	r, err := h.runs.Claim(context.Background(), "test-worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r == nil {
		t.Fatal("expected a claimable run")
	}
	return r
}

func (h *harness) runCount(t *testing.T, convID string) int {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func (h *harness) contents(t *testing.T, convID string) []string {
	t.Helper()
	msgs, err := h.messages.List(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func ptr[T any](v T) *T { return &v }
