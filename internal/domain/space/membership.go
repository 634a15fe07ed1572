package space

import "time"

// Kind distinguishes human participants from AI characters.
type Kind string

const (
	KindHuman     Kind = "human"
	KindCharacter Kind = "character"
)

// Participation controls whether a member is picked by automatic selection.
type Participation string

const (
	ParticipationParticipating Participation = "participating"
	ParticipationMuted         Participation = "muted"
)

// MemberStatus is the lifecycle status of a membership.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

// CopilotMode is a human member's autopilot setting.
type CopilotMode string

const (
	CopilotNone CopilotMode = "none"
	CopilotFull CopilotMode = "full"
)

// Membership attaches a human or a character to a space.
type Membership struct {
	ID                    string        `json:"id"`
	SpaceID               string        `json:"space_id"`
	Kind                  Kind          `json:"kind"`
	DisplayName           string        `json:"display_name"`
	CharacterID           string        `json:"character_id,omitempty"`
	Persona               string        `json:"persona,omitempty"`
	Position              int           `json:"position"`
	Participation         Participation `json:"participation"`
	Status                MemberStatus  `json:"status"`
	TalkativenessFactor   *float64      `json:"talkativeness_factor,omitempty"`
	CardTalkativeness     *float64      `json:"card_talkativeness,omitempty"`
	CopilotMode           CopilotMode   `json:"copilot_mode"`
	CopilotRemainingSteps int           `json:"copilot_remaining_steps"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// IsHuman reports whether the member is a human participant.
func (m *Membership) IsHuman() bool { return m.Kind == KindHuman }

// IsCharacter reports whether the member is an AI character.
func (m *Membership) IsCharacter() bool { return m.Kind == KindCharacter }

// IsActive reports whether the member has not been removed.
func (m *Membership) IsActive() bool { return m.Status != MemberRemoved }

// IsMuted reports whether the member is excluded from automatic selection.
func (m *Membership) IsMuted() bool { return m.Participation == ParticipationMuted }

// CopilotActive reports whether a human member is on autopilot with steps left.
func (m *Membership) CopilotActive() bool {
	return m.IsHuman() && m.CopilotMode == CopilotFull && m.CopilotRemainingSteps > 0
}

// CanAutoRespond reports whether the scheduler may generate a turn for this
// member: characters always can, humans only through a persona on autopilot.
func (m *Membership) CanAutoRespond() bool {
	if m.IsCharacter() {
		return true
	}
	return m.Persona != "" && m.CopilotActive()
}

// CanBeMuted reports whether muting has any scheduling effect for this member.
func (m *Membership) CanBeMuted() bool {
	return m.IsCharacter() || m.Persona != ""
}

// IsSchedulable reports whether automatic selection may pick this member.
func (m *Membership) IsSchedulable() bool {
	return m.IsActive() && !m.IsMuted() && m.CanAutoRespond()
}

// CanForceTalk reports whether an explicit force-talk may target this member.
// Muted members stay eligible; removed members never are.
func (m *Membership) CanForceTalk() bool {
	if !m.IsActive() {
		return false
	}
	if m.IsCharacter() {
		return true
	}
	return m.Persona != ""
}

// Talkativeness resolves the activation probability: membership override,
// then the character card value, then def.
func (m *Membership) Talkativeness(def float64) float64 {
	if m.TalkativenessFactor != nil {
		return clamp01(*m.TalkativenessFactor)
	}
	if m.CardTalkativeness != nil {
		return clamp01(*m.CardTalkativeness)
	}
	return def
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// AddMemberRequest holds the fields needed to attach a member to a space.
type AddMemberRequest struct {
	Kind                Kind     `json:"kind"`
	DisplayName         string   `json:"display_name"`
	CharacterID         string   `json:"character_id,omitempty"`
	Persona             string   `json:"persona,omitempty"`
	TalkativenessFactor *float64 `json:"talkativeness_factor,omitempty"`
	CardTalkativeness   *float64 `json:"card_talkativeness,omitempty"`
}
