// Package generator defines the port for producing a speaker's turn.
package generator

import (
	"context"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// Request is everything a generator receives for one run.
type Request struct {
	Run     *run.Run
	Speaker *space.Membership
	Space   *space.Space
	Members []space.Membership
	History []conversation.Message // ascending seq, ends before the turn to generate
}

// Generator produces the content of a speaker's next message. It must
// return promptly when ctx is canceled.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
