package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// chat sets up one human and one character and plays two exchanges. It
// returns the conversation and the two character replies.
func chat(t *testing.T, h *harness) (*conversation.Conversation, *space.Membership, []*conversation.Message) {
	t.Helper()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human := h.member(t, sp, space.KindHuman, "Hana")
	h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	var replies []*conversation.Message
	for _, in := range []string{"hi", "again"} {
		h.say(t, conv.ID, human, in)
		h.step(t, "re: "+in)
		msgs, err := h.store.ListMessages(context.Background(), conv.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		replies = append(replies, &msgs[0])
	}
	return conv, human, replies
}

func TestRegenerateTailInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, _, replies := chat(t, h)
	tail := replies[1]

	res, err := h.planner.PlanRegenerate(ctx, conv.ID, tail.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if res.Forked || res.ConversationID != conv.ID {
		t.Fatalf("tail regenerate should stay in place: %+v", res)
	}
	if res.Run == nil || res.Run.Kind != run.KindRegenerate || res.Run.TargetMessageID() != tail.ID {
		t.Fatalf("unexpected run: %+v", res.Run)
	}

	h.step(t, "rewritten")
	got := h.contents(t, conv.ID)
	if got[len(got)-1] != "rewritten" || len(got) != 4 {
		t.Errorf("messages = %v, want tail rewritten in place", got)
	}
	if v := h.state(t, conv.ID); v.SchedulingState != conversation.StateIdle {
		t.Errorf("state = %s, want idle", v.SchedulingState)
	}
}

func TestRegenerateNonTailForks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, _, replies := chat(t, h)
	target := replies[0]
	before := h.contents(t, conv.ID)

	res, err := h.planner.PlanRegenerate(ctx, conv.ID, target.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if !res.Forked || res.ConversationID == conv.ID {
		t.Fatalf("non-tail regenerate should fork: %+v", res)
	}
	clone, err := h.store.GetMessage(ctx, res.TargetMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if clone.OriginMessageID != target.ID || clone.ConversationID != res.ConversationID {
		t.Fatalf("target %+v is not the clone of %s", clone, target.ID)
	}

	h.step(t, "branch answer")

	after := h.contents(t, conv.ID)
	if len(after) != len(before) {
		t.Fatalf("parent changed: %v -> %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("parent message[%d] = %q, want %q", i, after[i], before[i])
		}
	}
	branch := h.contents(t, res.ConversationID)
	want := []string{"hi", "branch answer"}
	if len(branch) != len(want) || branch[0] != want[0] || branch[1] != want[1] {
		t.Errorf("branch messages = %v, want %v", branch, want)
	}

	child, err := h.spaces.GetConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentID != conv.ID || child.ForkedFromMessageID != target.ID || child.Kind != conversation.KindBranch {
		t.Errorf("unexpected branch lineage: %+v", child)
	}
}

func TestRegenerateRejectsUserMessages(t *testing.T) {
	h := newHarness(t)
	conv, human, _ := chat(t, h)
	msg := h.say(t, conv.ID, human, "mine")
	_, err := h.planner.PlanRegenerate(context.Background(), conv.ID, msg.ID)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCopilotStartQueuesHumanTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human, err := h.spaces.AddMember(ctx, sp.ID, space.AddMemberRequest{
		Kind:        space.KindHuman,
		DisplayName: "Hana",
		Persona:     "a curious traveler",
	})
	if err != nil {
		t.Fatal(err)
	}
	h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	r, err := h.planner.PlanCopilotStart(ctx, conv.ID, human.ID, 1)
	if err != nil {
		t.Fatalf("copilot start: %v", err)
	}
	if r == nil || r.Kind != run.KindCopilotStart || r.SpeakerID != human.ID {
		t.Fatalf("unexpected run: %+v", r)
	}

	_, err = h.messages.Create(ctx, conv.ID, conversation.SendMessageRequest{MembershipID: human.ID, Content: "manual"})
	if !errors.Is(err, domain.ErrAutoBlocked) {
		t.Fatalf("manual input on autopilot: expected ErrAutoBlocked, got %v", err)
	}

	h.step(t, "copilot says hi")
	m, err := h.store.GetMember(ctx, human.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.CopilotMode != space.CopilotNone || m.CopilotRemainingSteps != 0 {
		t.Errorf("last step should switch autopilot off: %+v", m)
	}

	v := h.state(t, conv.ID)
	if v.QueuedRun == nil || v.QueuedRun.Kind != run.KindAutoResponse {
		t.Fatalf("copilot message should start a round, got %+v", v.QueuedRun)
	}
}

func TestCreateScheduledRunAndKick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	ai := h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	later := h.clock.Now().Add(time.Hour)
	r, created, err := h.planner.CreateScheduledRun(ctx, run.Spec{
		ConversationID: conv.ID,
		SpeakerID:      ai.ID,
		Kind:           run.KindForceTalk,
		Reason:         "scheduled",
		RunAfter:       &later,
	})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	_, created, err = h.planner.CreateScheduledRun(ctx, run.Spec{
		ConversationID: conv.ID,
		SpeakerID:      ai.ID,
		Kind:           run.KindForceTalk,
		Reason:         "scheduled",
	})
	if err != nil || created {
		t.Fatalf("second queued run must be absorbed: created=%v err=%v", created, err)
	}
	if got, _ := h.runs.Claim(ctx, "w"); got != nil {
		t.Fatal("future run claimed early")
	}

	ok, err := h.planner.Kick(ctx, r.ID, false)
	if err != nil || !ok {
		t.Fatalf("kick: ok=%v err=%v", ok, err)
	}
	if got := h.claim(t); got.ID != r.ID {
		t.Errorf("claimed %s, want %s", got.ID, r.ID)
	}
}
