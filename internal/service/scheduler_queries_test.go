package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestQueuePreviewFollowsActiveRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human := h.member(t, sp, space.KindHuman, "Hana")
	ada := h.member(t, sp, space.KindCharacter, "Ada")
	bo := h.member(t, sp, space.KindCharacter, "Bo")
	conv := h.conversation(t, sp)

	h.say(t, conv.ID, human, "hello")
	p, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Source != "round" || p.RoundID == "" {
		t.Fatalf("source = %q round = %q, want active round", p.Source, p.RoundID)
	}
	if len(p.Speakers) != 2 || p.Speakers[0].MembershipID != ada.ID || p.Speakers[1].MembershipID != bo.ID {
		t.Fatalf("speakers = %+v", p.Speakers)
	}

	h.step(t, "from Ada")
	next, err := h.sched.NextSpeaker(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != bo.ID {
		t.Errorf("next speaker = %+v, want Bo", next)
	}
}

func TestPredictedPreviewStableWithinRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &mapCache{}
	h.sched.SetCache(c, time.Minute)

	sp := h.space(t, space.ReplyOrderPooled, space.InputPolicyQueue)
	for _, name := range []string{"Ada", "Bo", "Cy"} {
		h.member(t, sp, space.KindCharacter, name)
	}
	conv := h.conversation(t, sp)

	first, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Source != "predicted" {
		t.Fatalf("source = %q, want predicted", first.Source)
	}
	second, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.hits != 1 {
		t.Errorf("cache hits = %d, want 1", c.hits)
	}
	if len(first.Speakers) != len(second.Speakers) {
		t.Fatalf("preview changed between reads: %+v vs %+v", first.Speakers, second.Speakers)
	}
	for i := range first.Speakers {
		if first.Speakers[i].MembershipID != second.Speakers[i].MembershipID {
			t.Errorf("speaker[%d] changed between reads", i)
		}
	}

	// An uncached read for the same revision selects the same queue.
	seed := previewSeed(conv.ID, first.Revision)
	again, err := h.sched.ActivatedQueue(ctx, conv.ID, "", false, &seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(first.Speakers) {
		t.Fatalf("seeded selection returned %d speakers, preview has %d", len(again), len(first.Speakers))
	}
	for i, m := range again {
		if m.ID != first.Speakers[i].MembershipID {
			t.Errorf("seeded selection speaker[%d] = %s, want %s", i, m.ID, first.Speakers[i].MembershipID)
		}
	}
	for key := range c.data {
		if !strings.HasPrefix(key, "preview:"+conv.ID+":") {
			t.Errorf("unexpected cache key %q", key)
		}
	}
}

func TestHistoryFiltersByRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human := h.member(t, sp, space.KindHuman, "Hana")
	h.member(t, sp, space.KindCharacter, "Ada")
	conv := h.conversation(t, sp)

	h.say(t, conv.ID, human, "hello")
	r := h.step(t, "hi there")

	page, err := h.sched.History(ctx, conv.ID, event.Filter{RunID: r.ID}, "", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) == 0 {
		t.Fatal("expected events for the run")
	}
	for _, ev := range page.Events {
		if ev.RunID != r.ID {
			t.Errorf("event %s belongs to run %q", ev.Type, ev.RunID)
		}
	}

	all, err := h.sched.History(ctx, conv.ID, event.Filter{}, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Events) != 2 || !all.HasMore || all.Cursor == "" {
		t.Fatalf("first page: %d events, has_more=%v cursor=%q", len(all.Events), all.HasMore, all.Cursor)
	}
	next, err := h.sched.History(ctx, conv.ID, event.Filter{}, all.Cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Events) == 0 || next.Events[0].ID == all.Events[0].ID {
		t.Errorf("cursor did not advance: %+v", next.Events)
	}
}

func previewHas(p *Preview, membershipID string) bool {
	for _, e := range p.Speakers {
		if e.MembershipID == membershipID {
			return true
		}
	}
	return false
}

func TestRosterChangesInvalidatePredictedPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sched.SetCache(&mapCache{}, time.Minute)

	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	h.member(t, sp, space.KindHuman, "Hana")
	ada := h.member(t, sp, space.KindCharacter, "Ada")
	bo := h.member(t, sp, space.KindCharacter, "Bo")
	conv := h.conversation(t, sp)

	before, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !previewHas(before, ada.ID) {
		t.Fatalf("initial preview should include Ada: %+v", before.Speakers)
	}
	updates := h.hub.count(ws.EventQueueUpdated)

	if _, err := h.spaces.RemoveMember(ctx, ada.ID); err != nil {
		t.Fatal(err)
	}
	after, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Revision <= before.Revision {
		t.Errorf("revision after removal = %d, want > %d", after.Revision, before.Revision)
	}
	if previewHas(after, ada.ID) {
		t.Errorf("removed member still previewed: %+v", after.Speakers)
	}
	next, err := h.sched.NextSpeaker(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil && next.ID == ada.ID {
		t.Error("removed member reported as next speaker")
	}
	if h.hub.count(ws.EventQueueUpdated) <= updates {
		t.Error("removal should broadcast queue_updated")
	}

	if _, err := h.spaces.SetParticipation(ctx, bo.ID, space.ParticipationMuted); err != nil {
		t.Fatal(err)
	}
	muted, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if muted.Revision <= after.Revision {
		t.Errorf("revision after mute = %d, want > %d", muted.Revision, after.Revision)
	}
	if previewHas(muted, bo.ID) {
		t.Errorf("muted member still previewed: %+v", muted.Speakers)
	}

	page, err := h.sched.History(ctx, conv.ID, event.Filter{Types: []event.Type{event.TypeRosterChanged}}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 2 {
		t.Errorf("roster events = %d, want 2", len(page.Events))
	}
}

func TestRoundPreviewHidesMembersThatWillBeSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.space(t, space.ReplyOrderList, space.InputPolicyQueue)
	human := h.member(t, sp, space.KindHuman, "Hana")
	ada := h.member(t, sp, space.KindCharacter, "Ada")
	bo := h.member(t, sp, space.KindCharacter, "Bo")
	conv := h.conversation(t, sp)

	h.say(t, conv.ID, human, "hello")
	rev := h.state(t, conv.ID).Revision
	if _, err := h.spaces.SetParticipation(ctx, bo.ID, space.ParticipationMuted); err != nil {
		t.Fatal(err)
	}
	p, err := h.sched.QueuePreview(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Source != "round" || p.Revision <= rev {
		t.Fatalf("source=%q revision=%d, want round source past %d", p.Source, p.Revision, rev)
	}
	if len(p.Speakers) != 1 || p.Speakers[0].MembershipID != ada.ID {
		t.Errorf("speakers = %+v, want only Ada", p.Speakers)
	}
}
