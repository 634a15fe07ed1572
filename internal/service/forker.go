package service

import (
	"context"
	"fmt"
	"log/slog"

	rtotel "github.com/roundtable-chat/roundtable/internal/adapter/otel"
	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/workpool"
)

// maxConcurrentCopies bounds background branch copies.
const maxConcurrentCopies = 4

// ForkService creates branches of a conversation from one of its messages.
type ForkService struct {
	sched          *SchedulerService
	asyncThreshold int
	copies         *workpool.Pool
}

// NewForkService creates a ForkService. Branches with more than
// asyncThreshold messages are copied in the background; 0 always copies
// synchronously.
func NewForkService(sched *SchedulerService, asyncThreshold int) *ForkService {
	return &ForkService{
		sched:          sched,
		asyncThreshold: asyncThreshold,
		copies:         workpool.NewPool(maxConcurrentCopies),
	}
}

// Fork branches req.ParentConversationID at req.FromMessageID. The fork
// point is protected before Fork returns, even when the copy continues in
// the background.
func (f *ForkService) Fork(ctx context.Context, req conversation.ForkRequest) (*conversation.Conversation, error) {
	return f.fork(ctx, req, false)
}

// Wait blocks until background copies have finished.
func (f *ForkService) Wait() {
	f.copies.Wait()
}

func (f *ForkService) fork(ctx context.Context, req conversation.ForkRequest, inline bool) (*conversation.Conversation, error) {
	if req.ParentConversationID == "" || req.FromMessageID == "" {
		return nil, fmt.Errorf("parent conversation and message are required: %w", domain.ErrValidation)
	}
	ctx, span := rtotel.StartForkSpan(ctx, req.ParentConversationID, req.FromMessageID)
	var (
		child   *conversation.Conversation
		through int64
		async   bool
	)
	s := f.sched
	err := s.withConversation(ctx, req.ParentConversationID, "fork", func(t *txn) error {
		switch t.conv.Status {
		case conversation.StatusForking:
			return fmt.Errorf("conversation %s is still being copied: %w", t.conv.ID, domain.ErrConflict)
		case conversation.StatusFailed:
			return fmt.Errorf("conversation %s was not copied completely: %w", t.conv.ID, domain.ErrConflict)
		}
		msg, err := t.tx.GetMessage(t.ctx, req.FromMessageID)
		if err != nil {
			return fmt.Errorf("get fork message: %w", err)
		}
		if msg.ConversationID != t.conv.ID {
			return fmt.Errorf("message %s is not in conversation %s: %w", msg.ID, t.conv.ID, domain.ErrValidation)
		}
		n, err := t.tx.CountMessagesThrough(t.ctx, t.conv.ID, msg.Seq)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		async = !inline && f.asyncThreshold > 0 && n > f.asyncThreshold

		child = newBranch(t.conv, msg, req)
		if async {
			child.Status = conversation.StatusForking
		}
		if err := t.tx.CreateConversation(t.ctx, child); err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		through = msg.Seq
		if !async {
			if _, err := t.tx.CopyMessages(t.ctx, t.conv.ID, child.ID, through); err != nil {
				return fmt.Errorf("copy messages: %w", err)
			}
		}
		t.emit(event.TypeConversationForked, "", "", map[string]any{
			"child_conversation_id": child.ID,
			"forked_from_message":   msg.ID,
			"messages":              n,
			"async":                 async,
		})
		created := *child
		t.onCommit(func(ctx context.Context) {
			s.broadcast(ctx, ws.EventConversationForked, ws.ForkEvent{
				ConversationID:      created.ParentID,
				ChildID:             created.ID,
				ForkedFromMessageID: created.ForkedFromMessageID,
				Status:              string(created.Status),
			})
		})
		return nil
	})
	rtotel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	slog.Info("conversation forked", "parent_id", req.ParentConversationID, "child_id", child.ID, "async", async)
	if async {
		f.copyAsync(ctx, child.ID, req.ParentConversationID, through)
	}
	return child, nil
}

func newBranch(parent *conversation.Conversation, msg *conversation.Message, req conversation.ForkRequest) *conversation.Conversation {
	root := parent.RootID
	if root == "" {
		root = parent.ID
	}
	kind := req.Kind
	if kind == "" || kind == conversation.KindRoot {
		kind = conversation.KindBranch
	}
	vis := req.Visibility
	if vis == "" {
		vis = parent.Visibility
	}
	title := req.Title
	if title == "" {
		title = parent.Title + " (branch)"
	}
	return &conversation.Conversation{
		SpaceID:             parent.SpaceID,
		ParentID:            parent.ID,
		RootID:              root,
		ForkedFromMessageID: msg.ID,
		Kind:                kind,
		Visibility:          vis,
		Status:              conversation.StatusReady,
		Title:               title,
		SchedulingState:     conversation.StateIdle,
	}
}

// copyAsync fills a forking branch in the background and flips it to ready.
// A copy that fails leaves the branch empty and marks it failed.
func (f *ForkService) copyAsync(ctx context.Context, childID, parentID string, through int64) {
	ctx = context.WithoutCancel(ctx)
	f.copies.Go(ctx, func() {
		s := f.sched
		err := s.withConversation(ctx, childID, "fork_copy", func(t *txn) error {
			n, err := t.tx.CopyMessages(t.ctx, parentID, childID, through)
			if err != nil {
				return fmt.Errorf("copy messages: %w", err)
			}
			t.conv.Status = conversation.StatusReady
			conv := *t.conv
			t.onCommit(func(ctx context.Context) {
				s.broadcast(ctx, ws.EventConversationReady, ws.ForkEvent{
					ConversationID:      conv.ParentID,
					ChildID:             conv.ID,
					ForkedFromMessageID: conv.ForkedFromMessageID,
					Status:              string(conv.Status),
				})
			})
			slog.Info("branch copy finished", "child_id", childID, "messages", n)
			return nil
		})
		if err != nil {
			slog.Error("branch copy failed", "child_id", childID, "parent_id", parentID, "error", err)
			f.markFailed(ctx, childID, err)
		}
	})
}

func (f *ForkService) markFailed(ctx context.Context, childID string, cause error) {
	s := f.sched
	err := s.withConversation(ctx, childID, "fork_copy_failed", func(t *txn) error {
		if t.conv.Status != conversation.StatusForking {
			return nil
		}
		t.conv.Status = conversation.StatusFailed
		t.emit(event.TypeForkCopyFailed, "", "", map[string]any{"error": cause.Error()})
		conv := *t.conv
		t.onCommit(func(ctx context.Context) {
			s.broadcast(ctx, ws.EventConversationFailed, ws.ForkEvent{
				ConversationID:      conv.ParentID,
				ChildID:             conv.ID,
				ForkedFromMessageID: conv.ForkedFromMessageID,
				Status:              string(conv.Status),
			})
		})
		return nil
	})
	if err != nil {
		slog.Error("mark branch failed", "child_id", childID, "error", err)
	}
}
