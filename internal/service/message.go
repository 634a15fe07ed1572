package service

import (
	"context"
	"fmt"

	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
)

// MessageService is the message creation boundary for human input.
type MessageService struct {
	sched    *SchedulerService
	planner  *PlannerService
	dispatch *Dispatcher
}

// NewMessageService creates a MessageService.
func NewMessageService(sched *SchedulerService, planner *PlannerService, dispatch *Dispatcher) *MessageService {
	return &MessageService{sched: sched, planner: planner, dispatch: dispatch}
}

// Create posts a human message. It fails with ErrValidation for bad content
// or senders, ErrAutoBlocked while the sender is on autopilot, and
// ErrGenerationLocked when the input policy refuses it. Scheduling happens
// after commit through MessageCreated.
func (m *MessageService) Create(ctx context.Context, conversationID string, req conversation.SendMessageRequest) (*conversation.Message, error) {
	if err := conversation.ValidateContent(req.Content); err != nil {
		return nil, err
	}
	s := m.sched
	var out *conversation.Message
	err := s.withConversation(ctx, conversationID, "create_message", func(t *txn) error {
		if t.conv.Status == conversation.StatusForking {
			return fmt.Errorf("conversation %s is still being copied: %w", t.conv.ID, domain.ErrConflict)
		}
		if t.conv.Status == conversation.StatusFailed {
			return fmt.Errorf("conversation %s was not copied completely: %w", t.conv.ID, domain.ErrConflict)
		}
		sender, err := t.tx.GetMember(t.ctx, req.MembershipID)
		if err != nil {
			return fmt.Errorf("get sender: %w", err)
		}
		if sender.SpaceID != t.conv.SpaceID || !sender.IsHuman() || !sender.IsActive() {
			return fmt.Errorf("sender must be an active human member of this space: %w", domain.ErrValidation)
		}
		if sender.CopilotActive() {
			return domain.ErrAutoBlocked
		}
		sp, err := t.tx.GetSpace(t.ctx, t.conv.SpaceID)
		if err != nil {
			return fmt.Errorf("get space: %w", err)
		}
		if err := m.planner.applyInputPolicy(t, sp); err != nil {
			return err
		}
		msg := &conversation.Message{
			ConversationID: t.conv.ID,
			Role:           conversation.RoleUser,
			MembershipID:   sender.ID,
			Content:        req.Content,
		}
		if err := t.tx.CreateMessage(t.ctx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		m.afterMessage(t, msg, MessageCreated{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			MembershipID:   msg.MembershipID,
			Role:           msg.Role,
			RoundPosition:  -1,
		})
		out = msg
		return nil
	})
	return out, err
}

// afterMessage records, broadcasts and dispatches a created message.
func (m *MessageService) afterMessage(t *txn, msg *conversation.Message, e MessageCreated) {
	s := m.sched
	t.emit(event.TypeMessageCreated, e.RoundID, e.RunID, map[string]any{
		"message_id": msg.ID,
		"seq":        msg.Seq,
		"sender_id":  msg.MembershipID,
	})
	created := *msg
	t.onCommit(func(ctx context.Context) {
		s.broadcast(ctx, ws.EventMessageCreated, ws.MessageEvent{
			ConversationID: created.ConversationID,
			MessageID:      created.ID,
			MembershipID:   created.MembershipID,
			Seq:            created.Seq,
		})
		m.dispatch.MessageCreated(ctx, e)
	})
}

// Edit replaces the content of the tail message.
func (m *MessageService) Edit(ctx context.Context, conversationID, messageID, content string) (*conversation.Message, error) {
	if err := conversation.ValidateContent(content); err != nil {
		return nil, err
	}
	var out *conversation.Message
	err := m.sched.withConversation(ctx, conversationID, "edit_message", func(t *txn) error {
		msg, err := m.mutable(t, messageID)
		if err != nil {
			return err
		}
		msg.Content = content
		if err := t.tx.UpdateMessage(t.ctx, msg); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		m.changed(t, msg, "edited", event.TypeMessageEdited)
		out = msg
		return nil
	})
	return out, err
}

// Delete removes the tail message.
func (m *MessageService) Delete(ctx context.Context, conversationID, messageID string) error {
	return m.sched.withConversation(ctx, conversationID, "delete_message", func(t *txn) error {
		msg, err := m.mutable(t, messageID)
		if err != nil {
			return err
		}
		if err := t.tx.DeleteMessage(t.ctx, msg.ID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		m.changed(t, msg, "deleted", event.TypeMessageDeleted)
		return nil
	})
}

// mutable loads a message that may be edited or deleted. Fork points are
// checked before the tail rule.
func (m *MessageService) mutable(t *txn, messageID string) (*conversation.Message, error) {
	msg, err := t.tx.GetMessage(t.ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg.ConversationID != t.conv.ID {
		return nil, fmt.Errorf("message %s is not in conversation %s: %w", messageID, t.conv.ID, domain.ErrNotFound)
	}
	fp, err := t.tx.IsForkPoint(t.ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("fork point: %w", err)
	}
	if fp {
		return nil, domain.ErrForkPointProtected
	}
	last, err := t.tx.LastMessage(t.ctx, t.conv.ID)
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	if last.ID != msg.ID {
		return nil, domain.ErrNonTailEditForbidden
	}
	return msg, nil
}

func (m *MessageService) changed(t *txn, msg *conversation.Message, action string, typ event.Type) {
	s := m.sched
	t.emit(typ, "", "", map[string]any{"message_id": msg.ID, "seq": msg.Seq})
	ev := ws.MessageEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		MembershipID:   msg.MembershipID,
		Seq:            msg.Seq,
		Action:         action,
	}
	t.onCommit(func(ctx context.Context) { s.broadcast(ctx, ws.EventMessageChanged, ev) })
}

// List returns up to limit most recent messages in ascending seq.
func (m *MessageService) List(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	if _, err := m.sched.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return m.sched.store.ListMessages(ctx, conversationID, limit)
}
