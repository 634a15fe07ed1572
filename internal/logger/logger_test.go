package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/roundtable-chat/roundtable/internal/config"
)

func TestNewWritesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "debug"}, &buf)
	l.Debug("queue updated", "conversation_id", "c1")
	closer.Close()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "roundtable" {
		t.Errorf("service = %v, want roundtable", rec["service"])
	}
	if rec["conversation_id"] != "c1" {
		t.Errorf("conversation_id = %v, want c1", rec["conversation_id"])
	}
}

func TestNewAsyncFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "worker", Async: true}, &buf)
	l.Info("run.succeeded")
	l.Debug("filtered out")
	closer.Close()

	if !bytes.Contains(buf.Bytes(), []byte(`"service":"worker"`)) {
		t.Fatalf("expected flushed record with service=worker, got %q", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte("filtered out")) {
		t.Fatal("debug record should be filtered at info level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"INFO", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextValuesReachRecords(t *testing.T) {
	ctx := context.Background()
	if attrs := Attrs(ctx); attrs != nil {
		t.Errorf("expected no attrs, got %v", attrs)
	}
	ctx = WithConversationID(WithRequestID(ctx, "req-123"), "c9")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}

	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info"}, &buf)
	l.With("worker_id", "w1").InfoContext(ctx, "run claimed")
	closer.Close()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["request_id"] != "req-123" || rec["conversation_id"] != "c9" || rec["worker_id"] != "w1" {
		t.Errorf("unexpected record %v", rec)
	}
}
