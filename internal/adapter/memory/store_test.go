package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/memory"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/database"
)

func setup(t *testing.T) (*memory.Store, *conversation.Conversation, *space.Membership) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	sp := &space.Space{Name: "room"}
	if err := s.CreateSpace(ctx, sp); err != nil {
		t.Fatal(err)
	}
	m := &space.Membership{SpaceID: sp.ID, Kind: space.KindCharacter, DisplayName: "Alice", Status: space.MemberActive}
	if err := s.CreateMember(ctx, m); err != nil {
		t.Fatal(err)
	}
	c := &conversation.Conversation{SpaceID: sp.ID, Title: "main"}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatal(err)
	}
	return s, c, m
}

func queuedRun(convID, speaker string) *run.Run {
	return &run.Run{ConversationID: convID, SpeakerID: speaker, Kind: run.KindForceTalk, Status: run.StatusQueued}
}

func TestCreateRun_QueuedSingletonUnderConcurrency(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
				return tx.CreateRun(ctx, queuedRun(c.ID, m.ID))
			})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("created = %d, want exactly 1", created.Load())
	}
	if conflicts.Load() != 19 {
		t.Fatalf("conflicts = %d, want 19", conflicts.Load())
	}
}

func TestUpdateRun_RunningSingleton(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()

	err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		first := queuedRun(c.ID, m.ID)
		first.Status = run.StatusRunning
		if err := tx.CreateRun(ctx, first); err != nil {
			return err
		}
		second := queuedRun(c.ID, m.ID)
		if err := tx.CreateRun(ctx, second); err != nil {
			return err
		}
		second.Status = run.StatusRunning
		return tx.UpdateRun(ctx, second)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	runs, _ := s.ListRuns(ctx, c.ID, 0)
	if len(runs) != 0 {
		t.Fatalf("rollback left %d runs behind", len(runs))
	}
}

func TestWithConversationLock_RollbackOnError(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		conv := tx.Conversation()
		conv.GroupQueueRevision = 42
		conv.SchedulingState = conversation.StateAIGenerating
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		msg := &conversation.Message{ConversationID: c.ID, Role: conversation.RoleUser, MembershipID: m.ID, Content: "hi"}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		r := round.New("", c.ID, msg.ID, true, round.AutoNone, []string{m.ID}, time.Now())
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := s.GetConversation(ctx, c.ID)
	if got.GroupQueueRevision != 0 || got.SchedulingState != conversation.StateIdle {
		t.Fatalf("conversation not rolled back: %+v", got)
	}
	if msgs, _ := s.ListMessages(ctx, c.ID, 0); len(msgs) != 0 {
		t.Fatalf("messages not rolled back: %d", len(msgs))
	}
	if _, err := s.GetActiveRound(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("round not rolled back: %v", err)
	}
}

func TestCreateRound_ActiveSingleton(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		if err := tx.CreateRound(ctx, round.New("", c.ID, "", true, round.AutoNone, []string{m.ID}, time.Now())); err != nil {
			return err
		}
		return tx.CreateRound(ctx, round.New("", c.ID, "", true, round.AutoNone, []string{m.ID}, time.Now()))
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestInsertParticipant_KeepsPositionsDense(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	var roundID string
	err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		r := round.New("", c.ID, "", true, round.AutoNone, []string{m.ID, "b", "c"}, time.Now())
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		roundID = r.ID
		return tx.InsertParticipant(ctx, round.Participant{RoundID: r.ID, Position: 1, MembershipID: m.ID, Status: round.ParticipantPending})
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.GetActiveRound(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != roundID {
		t.Fatalf("round id = %s, want %s", r.ID, roundID)
	}
	if err := r.CheckPositions(); err != nil {
		t.Fatal(err)
	}
	want := []string{m.ID, m.ID, "b", "c"}
	for i, id := range r.MemberIDs() {
		if id != want[i] {
			t.Fatalf("queue = %v, want %v", r.MemberIDs(), want)
		}
	}
}

func TestClaimRun(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	now := time.Now()
	later := now.Add(time.Minute)

	err := s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		r := queuedRun(c.ID, m.ID)
		r.RunAfter = &later
		return tx.CreateRun(ctx, r)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimRun(ctx, "w1", now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("run with future run_after claimed: %v", err)
	}
	claimed, err := s.ClaimRun(ctx, "w1", later)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != run.StatusRunning || claimed.WorkerID != "w1" || claimed.StartedAt == nil {
		t.Fatalf("unexpected claimed run %+v", claimed)
	}

	// A second queued run must wait for the running one to finish.
	err = s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		return tx.CreateRun(ctx, queuedRun(c.ID, m.ID))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimRun(ctx, "w2", later); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("claimed while another run is running: %v", err)
	}
}

func TestHeartbeatRun_ReportsCancel(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	var id string
	_ = s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		r := queuedRun(c.ID, m.ID)
		r.Status = run.StatusRunning
		if err := tx.CreateRun(ctx, r); err != nil {
			return err
		}
		id = r.ID
		return nil
	})
	cancel, err := s.HeartbeatRun(ctx, id, time.Now())
	if err != nil || cancel {
		t.Fatalf("heartbeat = %v, %v", cancel, err)
	}
	_ = s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		r, err := tx.GetRun(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		r.CancelRequestedAt = &now
		return tx.UpdateRun(ctx, r)
	})
	cancel, err = s.HeartbeatRun(ctx, id, time.Now())
	if err != nil || !cancel {
		t.Fatalf("expected cancel requested, got %v, %v", cancel, err)
	}
}

func TestForkPointDerived(t *testing.T) {
	s, c, m := setup(t)
	ctx := context.Background()
	var msgID string
	_ = s.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		msg := &conversation.Message{ConversationID: c.ID, Role: conversation.RoleUser, MembershipID: m.ID, Content: "hi"}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		msgID = msg.ID
		child := &conversation.Conversation{SpaceID: c.SpaceID, ParentID: c.ID, ForkedFromMessageID: msg.ID, Kind: conversation.KindBranch}
		if err := tx.CreateConversation(ctx, child); err != nil {
			return err
		}
		n, err := tx.CopyMessages(ctx, c.ID, child.ID, msg.Seq)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("copied %d messages, want 1", n)
		}
		return nil
	})
	got, err := s.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ForkPoint {
		t.Fatal("expected message to be a fork point")
	}
}
