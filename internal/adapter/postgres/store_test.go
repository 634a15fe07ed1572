package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roundtable-chat/roundtable/internal/adapter/postgres"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/database"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

// seed creates a space with one character and an empty conversation.
func seed(t *testing.T, store *postgres.Store) (*conversation.Conversation, *space.Membership) {
	t.Helper()
	ctx := context.Background()
	sp := &space.Space{Name: "test room", ReplyOrder: space.ReplyOrderList}
	if err := store.CreateSpace(ctx, sp); err != nil {
		t.Fatalf("create space: %v", err)
	}
	m := &space.Membership{SpaceID: sp.ID, Kind: space.KindCharacter, DisplayName: "Alice", Position: 1}
	if err := store.CreateMember(ctx, m); err != nil {
		t.Fatalf("create member: %v", err)
	}
	c := &conversation.Conversation{SpaceID: sp.ID, Title: "main"}
	if err := store.CreateConversation(ctx, c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if c.RootID != c.ID {
		t.Fatalf("root id = %q, want %q", c.RootID, c.ID)
	}
	return c, m
}

func TestQueuedRunSingleton(t *testing.T) {
	store := setupStore(t)
	c, m := seed(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
				return tx.CreateRun(ctx, &run.Run{
					ConversationID: c.ID, SpeakerID: m.ID, Kind: run.KindForceTalk, Status: run.StatusQueued,
				})
			})
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("created %d queued runs, want 1", created)
	}
}

func TestConflictDoesNotAbortTransaction(t *testing.T) {
	store := setupStore(t)
	c, m := seed(t, store)
	ctx := context.Background()

	err := store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		mk := func() *run.Run {
			return &run.Run{ConversationID: c.ID, SpeakerID: m.ID, Kind: run.KindForceTalk, Status: run.StatusQueued}
		}
		if err := tx.CreateRun(ctx, mk()); err != nil {
			return err
		}
		if err := tx.CreateRun(ctx, mk()); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("second queued run: got %v, want ErrConflict", err)
		}
		conv := tx.Conversation()
		conv.GroupQueueRevision++
		return tx.UpdateConversation(ctx, conv)
	})
	if err != nil {
		t.Fatalf("transaction failed after a handled conflict: %v", err)
	}
	got, err := store.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupQueueRevision != 1 {
		t.Fatalf("revision = %d, want 1", got.GroupQueueRevision)
	}
}

func TestInsertParticipantRenumbers(t *testing.T) {
	store := setupStore(t)
	c, m := seed(t, store)
	ctx := context.Background()

	err := store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		r := round.New("", c.ID, "", true, round.AutoNone, []string{m.ID, m.ID, m.ID}, time.Now())
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		return tx.InsertParticipant(ctx, round.Participant{
			RoundID: r.ID, Position: 1, MembershipID: m.ID, Status: round.ParticipantPending,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := store.GetActiveRound(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Participants) != 4 {
		t.Fatalf("participants = %d, want 4", len(r.Participants))
	}
	if err := r.CheckPositions(); err != nil {
		t.Fatal(err)
	}
}

func TestForkPointCannotBeDeleted(t *testing.T) {
	store := setupStore(t)
	c, m := seed(t, store)
	ctx := context.Background()

	var msg conversation.Message
	err := store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		msg = conversation.Message{ConversationID: c.ID, Role: conversation.RoleAssistant, MembershipID: m.ID, Content: "hello"}
		if err := tx.CreateMessage(ctx, &msg); err != nil {
			return err
		}
		child := &conversation.Conversation{
			SpaceID: c.SpaceID, ParentID: c.ID, RootID: c.RootID, ForkedFromMessageID: msg.ID, Kind: conversation.KindBranch,
		}
		if err := tx.CreateConversation(ctx, child); err != nil {
			return err
		}
		_, err := tx.CopyMessages(ctx, c.ID, child.ID, msg.Seq)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ForkPoint {
		t.Fatal("expected fork point")
	}

	err = store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		return tx.DeleteMessage(ctx, msg.ID)
	})
	if err == nil {
		t.Fatal("deleting a fork point must fail at the storage layer")
	}
}

func TestClaimAndHeartbeat(t *testing.T) {
	store := setupStore(t)
	c, m := seed(t, store)
	ctx := context.Background()

	err := store.WithConversationLock(ctx, c.ID, func(tx database.Tx) error {
		return tx.CreateRun(ctx, &run.Run{ConversationID: c.ID, SpeakerID: m.ID, Kind: run.KindForceTalk})
	})
	if err != nil {
		t.Fatal(err)
	}

	var claimed *run.Run
	for claimed == nil {
		r, err := store.ClaimRun(ctx, "worker-test", time.Now())
		if errors.Is(err, domain.ErrNotFound) {
			t.Fatal("queued run was not claimable")
		}
		if err != nil {
			t.Fatal(err)
		}
		if r.ConversationID == c.ID {
			claimed = r
		}
	}
	if claimed.Status != run.StatusRunning || claimed.WorkerID != "worker-test" {
		t.Fatalf("unexpected claimed run: %+v", claimed)
	}

	cancel, err := store.HeartbeatRun(ctx, claimed.ID, time.Now())
	if err != nil || cancel {
		t.Fatalf("heartbeat = %v, %v", cancel, err)
	}
}
