package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

func TestAutoWithoutHumanTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	h.member(t, sp, space.KindHuman, "Hana")
	h.member(t, sp, space.KindCharacter, "Ada")
	h.member(t, sp, space.KindCharacter, "Bo")
	conv := h.conversation(t, sp)

	c, err := h.spaces.SetAutoWithoutHuman(ctx, conv.ID, true, 2)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !c.AutoWithoutHuman.Enabled || c.AutoWithoutHuman.RemainingRounds != 1 {
		t.Fatalf("first round should consume one: %+v", c.AutoWithoutHuman)
	}

	turns := 0
	for turns < 10 {
		if v := h.state(t, conv.ID); v.QueuedRun == nil {
			break
		}
		h.step(t, "turn")
		turns++
	}
	if turns != 4 {
		t.Errorf("turns = %d, want 4 (two rounds of two)", turns)
	}

	v := h.state(t, conv.ID)
	if v.SchedulingState != conversation.StateIdle || v.AutoWithoutHuman.Enabled {
		t.Errorf("after loop: state=%s auto=%+v", v.SchedulingState, v.AutoWithoutHuman)
	}
	page, err := h.sched.History(ctx, conv.ID, event.Filter{Types: []event.Type{event.TypeAutoModeChanged}}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	exhausted := false
	for _, ev := range page.Events {
		var p struct {
			Enabled bool   `json:"enabled"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if !p.Enabled && p.Reason == "exhausted" {
			exhausted = true
		}
	}
	if !exhausted {
		t.Error("expected the loop to be switched off as exhausted")
	}

	rep, err := h.health.Check(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != HealthHealthy {
		t.Errorf("health = %s, want healthy", rep.Status)
	}
}

func TestAutoModeExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	if _, err := h.spaces.SetAutoMode(ctx, conv.ID, true, 3); err != nil {
		t.Fatal(err)
	}
	c, err := h.spaces.SetAutoWithoutHuman(ctx, conv.ID, true, 3)
	if err != nil {
		t.Fatal(err)
	}
	if c.AutoMode.Enabled {
		t.Error("enabling auto_without_human must switch auto_mode off")
	}

	stopped, err := h.sched.Stop(ctx, conv.ID)
	if err != nil || !stopped {
		t.Fatalf("stop: stopped=%v err=%v", stopped, err)
	}
	if v := h.state(t, conv.ID); v.AutoWithoutHuman.Enabled || v.AutoMode.Enabled {
		t.Error("stop must disable auto loops")
	}
}

func TestAutoModeWithoutSpeakerRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	h.member(t, sp, space.KindHuman, "Hana")
	conv := h.conversation(t, sp)

	_, err := h.spaces.SetAutoMode(ctx, conv.ID, true, 2)
	if !errors.Is(err, domain.ErrNoSpeakerAvailable) {
		t.Fatalf("expected ErrNoSpeakerAvailable, got %v", err)
	}
	if v := h.state(t, conv.ID); v.AutoMode.Enabled {
		t.Error("failed enable must not persist")
	}
}

func TestMuteRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human := h.member(t, sp, space.KindHuman, "Hana")
	ai := h.member(t, sp, space.KindCharacter, "Ada")

	if _, err := h.spaces.SetParticipation(ctx, human.ID, space.ParticipationMuted); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("muting a persona-less human: expected ErrValidation, got %v", err)
	}
	m, err := h.spaces.SetParticipation(ctx, ai.ID, space.ParticipationMuted)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsMuted() {
		t.Error("member not muted")
	}
	if _, err := h.spaces.SetParticipation(ctx, ai.ID, "loud"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad participation: expected ErrValidation, got %v", err)
	}
}

func TestAddMemberAppendsPosition(t *testing.T) {
	h := newHarness(t)
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	a := h.member(t, sp, space.KindCharacter, "Ada")
	b := h.member(t, sp, space.KindCharacter, "Bo")
	if b.Position != a.Position+1 {
		t.Errorf("positions %d, %d not consecutive", a.Position, b.Position)
	}
	_, err := h.spaces.AddMember(context.Background(), sp.ID, space.AddMemberRequest{Kind: space.KindCharacter, DisplayName: "Cy"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("character without character_id: expected ErrValidation, got %v", err)
	}
}

func TestAutoModeWithAutopilotHumanTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	hana, err := h.spaces.AddMember(ctx, sp.ID, space.AddMemberRequest{Kind: space.KindHuman, DisplayName: "Hana", Persona: "a curious traveller"})
	if err != nil {
		t.Fatal(err)
	}
	h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	if _, err := h.spaces.SetAutoMode(ctx, conv.ID, true, 2); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := h.planner.PlanCopilotStart(ctx, conv.ID, hana.ID, 3); err != nil {
		t.Fatalf("copilot: %v", err)
	}

	turns := 0
	for turns < 20 {
		if v := h.state(t, conv.ID); v.QueuedRun == nil {
			break
		}
		h.step(t, "turn")
		turns++
	}
	if turns == 0 || turns > 4 {
		t.Fatalf("turns = %d, want between 1 and 4 for two rounds of at most two", turns)
	}

	msgs, err := h.messages.List(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	hanaTurns := 0
	for _, m := range msgs {
		if m.MembershipID == hana.ID {
			hanaTurns++
		}
	}
	if hanaTurns == 0 {
		t.Error("autopilot human never took a turn")
	}
	m, err := h.store.GetMember(ctx, hana.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.CopilotRemainingSteps != 3-hanaTurns {
		t.Errorf("copilot steps = %d, want %d", m.CopilotRemainingSteps, 3-hanaTurns)
	}

	v := h.state(t, conv.ID)
	if v.SchedulingState != conversation.StateIdle || v.AutoMode.Enabled {
		t.Errorf("after loop: state=%s auto=%+v", v.SchedulingState, v.AutoMode)
	}
	rep, err := h.health.Check(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != HealthHealthy {
		t.Errorf("health = %s, want healthy", rep.Status)
	}
}
