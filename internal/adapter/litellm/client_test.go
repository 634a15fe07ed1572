package litellm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/litellm"
	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/port/generator"
	"github.com/roundtable-chat/roundtable/internal/resilience"
)

func request() generator.Request {
	alice := space.Membership{ID: "m-alice", Kind: space.KindHuman, DisplayName: "Alice", Status: space.MemberActive}
	bot := space.Membership{ID: "m-bot", Kind: space.KindCharacter, DisplayName: "Bot", Status: space.MemberActive}
	return generator.Request{
		Run:     &run.Run{ID: "r1", ConversationID: "c1", Kind: run.KindAutoResponse},
		Speaker: &bot,
		Members: []space.Membership{alice, bot},
		History: []conversation.Message{
			{MembershipID: "m-alice", Role: conversation.RoleUser, Content: "Hello!"},
			{MembershipID: "m-bot", Role: conversation.RoleAssistant, Content: "Hi Alice."},
			{MembershipID: "m-alice", Role: conversation.RoleUser, Content: "secret", Visibility: conversation.MessageHidden},
		},
	}
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth: %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  How are you?  "}}]}`))
	}))
	defer srv.Close()

	client := litellm.NewClient(config.LiteLLM{URL: srv.URL, MasterKey: "test-key", Model: "test-model"}, nil)
	content, err := client.Generate(context.Background(), request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if content != "How are you?" {
		t.Fatalf("content = %q", content)
	}
	if got["model"] != "test-model" {
		t.Errorf("model = %v", got["model"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 3 { // system + two visible messages
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestBuildMessagesPointOfView(t *testing.T) {
	msgs := litellm.BuildMessages(request())

	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "You are Bot") {
		t.Fatalf("unexpected system message %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "Alice: Hello!" {
		t.Errorf("other speaker turn = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "Hi Alice." {
		t.Errorf("own turn = %+v", msgs[2])
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr func(error) bool
	}{
		{"api error", http.StatusBadGateway, `upstream down`, func(err error) bool {
			var apiErr *litellm.APIError
			return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway
		}},
		{"no choices", http.StatusOK, `{"choices":[]}`, func(err error) bool {
			return errors.Is(err, litellm.ErrEmptyCompletion)
		}},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`, func(err error) bool {
			return errors.Is(err, litellm.ErrEmptyCompletion)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := litellm.NewClient(config.LiteLLM{URL: srv.URL}, nil)
			_, err := client.Generate(context.Background(), request())
			if err == nil || !tt.wantErr(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := litellm.NewClient(config.LiteLLM{URL: srv.URL}, resilience.NewBreaker(2, time.Minute))
	for range 3 {
		_, _ = client.Generate(context.Background(), request())
	}
	if calls != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, server saw %d", calls)
	}
	if _, err := client.Generate(context.Background(), request()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/liveliness" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`"I'm alive!"`))
	}))
	defer srv.Close()

	ok, err := litellm.NewClient(config.LiteLLM{URL: srv.URL}, nil).Health(context.Background())
	if !ok || err != nil {
		t.Fatalf("Health = %v, %v", ok, err)
	}
}

func TestKeySourceOverridesStaticKey(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	key := "rotated-1"
	client := litellm.NewClient(config.LiteLLM{URL: srv.URL, MasterKey: "static"}, nil)
	client.SetKeySource(func() string { return key })

	for _, k := range []string{"rotated-1", "rotated-2", ""} {
		key = k
		if _, err := client.Generate(context.Background(), request()); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	want := []string{"Bearer rotated-1", "Bearer rotated-2", "Bearer static"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("request %d auth = %q, want %q", i, seen[i], want[i])
		}
	}
}
