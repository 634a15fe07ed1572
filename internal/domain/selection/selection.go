// Package selection computes the activated speaker queue for a round.
// Every strategy is a pure function of its Input; all randomness comes
// from Input.Rand so a fixed seed reproduces the same queue.
package selection

import (
	"math/rand/v2"
	"sort"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// DefaultTalkativeness is used when neither the membership nor the
// character card sets a value.
const DefaultTalkativeness = 0.5

// Input carries everything a strategy may look at.
type Input struct {
	Space         *space.Space
	Members       []space.Membership
	History       []conversation.Message // ascending seq, trigger included
	Trigger       *conversation.Message
	IsUserInput   bool
	ExcludeHumans bool
	Rand          *rand.Rand
}

// NewRand returns a deterministic generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Select returns the ordered speaker queue for the space's reply order.
func Select(in Input) []space.Membership {
	if in.Rand == nil {
		in.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	order := space.ReplyOrderNatural
	if in.Space != nil {
		order = in.Space.Order()
	}
	switch order {
	case space.ReplyOrderList:
		return List(in)
	case space.ReplyOrderPooled:
		return Pooled(in)
	case space.ReplyOrderManual:
		return Manual(in)
	default:
		return Natural(in)
	}
}

// Eligible returns the members automatic selection may pick, in ascending
// position order. Removed and muted members are never eligible.
func Eligible(in Input) []space.Membership {
	out := make([]space.Membership, 0, len(in.Members))
	for _, m := range in.Members {
		if !m.IsSchedulable() {
			continue
		}
		if in.ExcludeHumans && m.IsHuman() {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// List returns every eligible member in position order.
func List(in Input) []space.Membership {
	return Eligible(in)
}

// Manual never auto-advances on user input. Other triggers get one random
// eligible member.
func Manual(in Input) []space.Membership {
	if in.IsUserInput {
		return nil
	}
	eligible := Eligible(in)
	if len(eligible) == 0 {
		return nil
	}
	return []space.Membership{eligible[in.Rand.IntN(len(eligible))]}
}

// lastSpeaker returns the sender of the most recent non-hidden message.
func lastSpeaker(history []conversation.Message) string {
	if m := conversation.LastVisible(history); m != nil {
		return m.MembershipID
	}
	return ""
}

func without(members []space.Membership, id string) []space.Membership {
	if id == "" {
		return members
	}
	out := members[:0:0]
	for _, m := range members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
