package litellm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/generator"
)

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("litellm: empty completion")

// ChatMessage is one OpenAI-style chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []ChatMessage     `json:"messages"`
	User     string            `json:"user,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var _ generator.Generator = (*Client)(nil)

// Generate asks the model for the speaker's next message.
func (c *Client) Generate(ctx context.Context, req generator.Request) (string, error) {
	in := chatRequest{
		Model:    c.model,
		Messages: BuildMessages(req),
		User:     req.Speaker.ID,
		Metadata: map[string]string{
			"conversation_id": req.Run.ConversationID,
			"run_id":          req.Run.ID,
			"run_kind":        string(req.Run.Kind),
		},
	}

	var out chatResponse
	if err := c.postJSON(ctx, "/v1/chat/completions", in, &out); err != nil {
		return "", fmt.Errorf("generate run %s: %w", req.Run.ID, err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// BuildMessages maps the visible history into chat messages from the
// speaker's point of view: its own turns are assistant messages, everyone
// else's are user messages prefixed with the sender's name.
func BuildMessages(req generator.Request) []ChatMessage {
	names := make(map[string]string, len(req.Members))
	for _, m := range req.Members {
		names[m.ID] = m.DisplayName
	}

	out := make([]ChatMessage, 0, len(req.History)+1)
	out = append(out, ChatMessage{Role: "system", Content: systemPrompt(req.Speaker, req.Members)})

	for _, msg := range req.History {
		if msg.IsHidden() || msg.ExcludedFromPrompt {
			continue
		}
		switch {
		case msg.Role == conversation.RoleSystem:
			out = append(out, ChatMessage{Role: "system", Content: msg.Content})
		case msg.MembershipID == req.Speaker.ID:
			out = append(out, ChatMessage{Role: "assistant", Content: msg.Content})
		default:
			name := names[msg.MembershipID]
			if name == "" {
				name = "Someone"
			}
			out = append(out, ChatMessage{Role: "user", Content: name + ": " + msg.Content})
		}
	}
	return out
}

func systemPrompt(speaker *space.Membership, members []space.Membership) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in a group conversation.", speaker.DisplayName)
	if speaker.IsHuman() && speaker.Persona != "" {
		fmt.Fprintf(&b, " Speak on the user's behalf as this persona: %s", speaker.Persona)
	}
	var others []string
	for _, m := range members {
		if m.ID != speaker.ID && m.IsActive() {
			others = append(others, m.DisplayName)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(&b, " Other participants: %s.", strings.Join(others, ", "))
	}
	b.WriteString(" Reply with your next message only, without a name prefix.")
	return b.String()
}
