package conversation_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", "Hello!", false},
		{"empty", "", true},
		{"whitespace", "  \n\t", true},
		{"too long", strings.Repeat("a", conversation.MaxContentLength+1), true},
		{"at limit", strings.Repeat("a", conversation.MaxContentLength), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := conversation.ValidateContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateContent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLastVisible(t *testing.T) {
	history := []conversation.Message{
		{ID: "m1", Visibility: conversation.MessageNormal},
		{ID: "m2", Visibility: conversation.MessageNormal},
		{ID: "m3", Visibility: conversation.MessageHidden},
	}
	got := conversation.LastVisible(history)
	if got == nil || got.ID != "m2" {
		t.Fatalf("expected m2, got %+v", got)
	}
	if conversation.LastVisible(nil) != nil {
		t.Fatal("expected nil for empty history")
	}
}

func TestAutoLoop(t *testing.T) {
	c := &conversation.Conversation{
		AutoMode: conversation.AutoLoop{Enabled: true, RemainingRounds: 2},
	}
	if !c.AnyAutoActive() || !c.AutoMode.Active() {
		t.Fatal("expected auto mode active")
	}
	c.AutoMode.RemainingRounds = 0
	if c.AutoMode.Active() {
		t.Fatal("expected loop with zero rounds to be inactive")
	}
	c.DisableAuto()
	if c.AnyAutoActive() {
		t.Fatal("expected auto loops disabled")
	}
}
