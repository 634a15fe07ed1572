package selection

import (
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// Pooled returns one member who has not yet spoken in the current epoch.
// The epoch starts at the most recent manual user message. Once everyone
// has spoken, a random member is chosen with a soft preference against
// the immediately previous speaker.
func Pooled(in Input) []space.Membership {
	eligible := Eligible(in)
	if len(eligible) == 0 {
		return nil
	}

	spoken := SpokenInEpoch(in.History)
	var fresh []space.Membership
	for _, m := range eligible {
		if !spoken[m.ID] {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) > 0 {
		return []space.Membership{fresh[in.Rand.IntN(len(fresh))]}
	}

	pick := eligible[in.Rand.IntN(len(eligible))]
	if prev := lastSpeaker(in.History); len(eligible) > 1 && pick.ID == prev {
		// A single redraw: repeats become unlikely, not impossible.
		pick = eligible[in.Rand.IntN(len(eligible))]
	}
	return []space.Membership{pick}
}

// SpokenInEpoch returns the senders of visible messages after the most
// recent manual user message. Messages produced by a run, including
// autopilot humans, do not open a new epoch.
func SpokenInEpoch(history []conversation.Message) map[string]bool {
	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == conversation.RoleUser && m.RunID == "" && !m.IsHidden() {
			start = i + 1
			break
		}
	}
	spoken := make(map[string]bool)
	for _, m := range history[start:] {
		if m.IsHidden() || m.MembershipID == "" {
			continue
		}
		spoken[m.MembershipID] = true
	}
	return spoken
}
