package selection

import (
	"regexp"
	"sort"
	"strings"

	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// Natural activates each eligible member independently with probability
// equal to its talkativeness. Members addressed by name in the trigger are
// always activated and lead the queue. When nobody activates, one candidate
// is picked at random.
func Natural(in Input) []space.Membership {
	candidates := Eligible(in)
	if in.Space == nil || !in.Space.AllowSelfResponses {
		candidates = without(candidates, lastSpeaker(in.History))
	}
	if len(candidates) == 0 {
		return nil
	}

	var content string
	if in.Trigger != nil && !in.Trigger.IsHidden() {
		content = in.Trigger.Content
	}
	mentions := Mentions(content, candidates)

	var addressed, rest []space.Membership
	for _, m := range candidates {
		// One draw per candidate keeps the sequence stable for a seed.
		roll := in.Rand.Float64()
		if _, ok := mentions[m.ID]; ok {
			addressed = append(addressed, m)
			continue
		}
		if roll < m.Talkativeness(DefaultTalkativeness) {
			rest = append(rest, m)
		}
	}
	sort.SliceStable(addressed, func(i, j int) bool {
		return mentions[addressed[i].ID] < mentions[addressed[j].ID]
	})

	out := append(addressed, rest...)
	if len(out) == 0 {
		out = []space.Membership{candidates[in.Rand.IntN(len(candidates))]}
	}
	return out
}

// Mentions returns, for each member whose display name appears as a whole
// word in content (case-insensitive), the offset of its first occurrence.
func Mentions(content string, members []space.Membership) map[string]int {
	out := make(map[string]int)
	if strings.TrimSpace(content) == "" {
		return out
	}
	for _, m := range members {
		name := strings.TrimSpace(m.DisplayName)
		if name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}_])(` + regexp.QuoteMeta(name) + `)(?:$|[^\p{L}\p{N}_])`)
		if err != nil {
			continue
		}
		if loc := re.FindStringSubmatchIndex(content); loc != nil {
			out[m.ID] = loc[2]
		}
	}
	return out
}
