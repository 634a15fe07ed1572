// Package messagequeue defines the transport that wakes workers when a run
// becomes due or is cancelled.
package messagequeue

import "context"

// Handler processes one message. ctx carries the publisher's request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and subscribes to run notifications. Messages are hints:
// workers still claim runs from the store, so a lost message only delays a
// run until the next poll.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers handler on subject; the returned func unsubscribes.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)
	// Drain finishes in-flight handlers, then closes the connection.
	Drain() error
	Close() error
	IsConnected() bool
}

const (
	SubjectRunKick   = "runs.kick"   // a run became due
	SubjectRunCancel = "runs.cancel" // cancel requested on a running run
)
