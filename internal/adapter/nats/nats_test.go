package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roundtable-chat/roundtable/internal/logger"
	"github.com/roundtable-chat/roundtable/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_KickRoundTripWithRequestID(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	var (
		mu   sync.Mutex
		got  messagequeue.RunKickPayload
		req  string
		done = make(chan struct{})
		once sync.Once
	)
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunKick, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.RunKickPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.RunID != "run-"+t.Name() {
			return nil // leftover from another test
		}
		mu.Lock()
		got, req = p, logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	data, _ := json.Marshal(messagequeue.RunKickPayload{RunID: "run-" + t.Name(), ConversationID: "c1", Reason: "manual"})
	ctx := logger.WithRequestID(context.Background(), "req-kick")
	if err := q.Publish(ctx, messagequeue.SubjectRunKick, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	if got.ConversationID != "c1" || got.Reason != "manual" {
		t.Errorf("unexpected payload %+v", got)
	}
	if req != "req-kick" {
		t.Errorf("request id = %q, want req-kick", req)
	}
}

func dlqConsumer(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	ctx := context.Background()
	cons, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	out := make(chan []byte, 8)
	sub, err := cons.Consume(func(msg jetstream.Msg) {
		out <- msg.Data()
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func TestQueue_InvalidPayloadGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.SubjectRunCancel
	dlq := dlqConsumer(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// Valid JSON but missing run_id.
	if err := q.Publish(context.Background(), subject, []byte(`{"conversation_id":"c1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != `{"conversation_id":"c1"}` {
			t.Errorf("DLQ data = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := "runs.test." + t.Name()
	dlq := dlqConsumer(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	msg := &nats.Msg{Subject: subject, Data: []byte(`{"exhausted":true}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != `{"exhausted":true}` {
			t.Errorf("DLQ data = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-preview", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "c1.7", []byte(`["m1"]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "c1.7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != `["m1"]` {
		t.Errorf("value = %q", entry.Value())
	}

	// Second lookup reuses the existing bucket.
	if _, err := q.KeyValue(ctx, "test-kv-preview", time.Minute); err != nil {
		t.Fatalf("KeyValue reopen: %v", err)
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		header string
		want   int
	}{
		{"", 0},
		{"2", 2},
		{"junk", 0},
	}
	for _, tt := range tests {
		h := nats.Header{}
		if tt.header != "" {
			h.Set(headerRetryCount, tt.header)
		}
		if got := retryCount(h); got != tt.want {
			t.Errorf("retryCount(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}

var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
