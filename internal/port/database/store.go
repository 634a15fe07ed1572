// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// Store is the port interface for database operations.
//
// Reads outside WithConversationLock see committed state only. Every
// scheduler mutation goes through WithConversationLock.
type Store interface {
	// Spaces
	CreateSpace(ctx context.Context, sp *space.Space) error
	GetSpace(ctx context.Context, id string) (*space.Space, error)
	UpdateSpace(ctx context.Context, sp *space.Space) error
	ListMembers(ctx context.Context, spaceID string) ([]space.Membership, error)
	GetMember(ctx context.Context, id string) (*space.Membership, error)
	CreateMember(ctx context.Context, m *space.Membership) error
	UpdateMember(ctx context.Context, m *space.Membership) error

	// Conversations
	CreateConversation(ctx context.Context, c *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, spaceID string) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	GetMessage(ctx context.Context, id string) (*conversation.Message, error)

	// Rounds and runs
	GetActiveRound(ctx context.Context, conversationID string) (*round.Round, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, conversationID string, limit int) ([]run.Run, error)
	ListStaleRuns(ctx context.Context, heartbeatBefore time.Time) ([]run.Run, error)

	// Worker side of the run queue.
	//
	// ClaimRun moves the oldest due queued run to running for workerID.
	// It skips conversations that already have a running run or are
	// locked by a scheduler command. Returns domain.ErrNotFound when
	// nothing is claimable.
	ClaimRun(ctx context.Context, workerID string, now time.Time) (*run.Run, error)
	// HeartbeatRun refreshes heartbeat_at of a running run and reports
	// whether a cancel has been requested.
	HeartbeatRun(ctx context.Context, id string, now time.Time) (cancelRequested bool, err error)

	// WithConversationLock runs fn in a transaction holding an exclusive
	// lock on the conversation row. fn's error rolls the transaction back.
	WithConversationLock(ctx context.Context, conversationID string, fn func(tx Tx) error) error

	Close()
}

// Tx is the transactional view handed to WithConversationLock callbacks.
// Not-found lookups return an error wrapping domain.ErrNotFound. Inserts
// that would break a per-conversation singleton (one queued run, one
// running run, one active round) return an error wrapping domain.ErrConflict.
type Tx interface {
	// Conversation returns the locked conversation row.
	Conversation() *conversation.Conversation
	UpdateConversation(ctx context.Context, c *conversation.Conversation) error
	CreateConversation(ctx context.Context, c *conversation.Conversation) error

	GetSpace(ctx context.Context, id string) (*space.Space, error)
	ListMembers(ctx context.Context, spaceID string) ([]space.Membership, error)
	GetMember(ctx context.Context, id string) (*space.Membership, error)
	UpdateMember(ctx context.Context, m *space.Membership) error

	// ListMessages returns up to limit most recent messages in ascending seq.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	GetMessage(ctx context.Context, id string) (*conversation.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*conversation.Message, error)
	// CreateMessage assigns the next seq and persists m.
	CreateMessage(ctx context.Context, m *conversation.Message) error
	UpdateMessage(ctx context.Context, m *conversation.Message) error
	DeleteMessage(ctx context.Context, id string) error
	IsForkPoint(ctx context.Context, messageID string) (bool, error)
	CountMessagesThrough(ctx context.Context, conversationID string, seq int64) (int, error)
	// CopyMessages clones messages with seq <= throughSeq from one
	// conversation into another, setting origin_message_id on each copy.
	CopyMessages(ctx context.Context, fromConversationID, toConversationID string, throughSeq int64) (int, error)

	GetActiveRound(ctx context.Context, conversationID string) (*round.Round, error)
	CreateRound(ctx context.Context, r *round.Round) error
	// UpdateRound persists round-level fields (not participants).
	UpdateRound(ctx context.Context, r *round.Round) error
	UpdateParticipant(ctx context.Context, p round.Participant) error
	// InsertParticipant shifts positions >= p.Position up by one and
	// inserts p, keeping positions dense.
	InsertParticipant(ctx context.Context, p round.Participant) error

	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, r *run.Run) error
	QueuedRun(ctx context.Context, conversationID string) (*run.Run, error)
	RunningRun(ctx context.Context, conversationID string) (*run.Run, error)
	LatestRun(ctx context.Context, conversationID string) (*run.Run, error)
}
