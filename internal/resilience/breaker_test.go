package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBackend = errors.New("litellm: 502 bad gateway")

func fail() error { return errBackend }
func ok() error { return nil }

func TestBreaker(t *testing.T) {
	tests := []struct {
		name      string
		calls     []func() error
		advance   time.Duration
		wantState State
		wantErr   error
	}{
		{"closed allows calls", []func() error{ok}, 0, StateClosed, nil},
		{"below threshold stays closed", []func() error{fail, fail}, 0, StateClosed, nil},
		{"opens at threshold", []func() error{fail, fail, fail}, 0, StateOpen, ErrCircuitOpen},
		{"success resets counter", []func() error{fail, fail, ok, fail, fail}, 0, StateClosed, nil},
		{"half-open after timeout", []func() error{fail, fail, fail}, 2 * time.Second, StateHalfOpen, nil},
		{"cancellation is neutral", []func() error{
			func() error { return context.Canceled },
			func() error { return fmt.Errorf("generate: %w", context.Canceled) },
			fail, fail,
		}, 0, StateClosed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			b := NewBreaker(3, time.Second)
			b.now = func() time.Time { return now }

			for _, fn := range tt.calls {
				_ = b.Execute(fn)
			}
			now = now.Add(tt.advance)

			if got := b.State(); got != tt.wantState {
				t.Fatalf("state = %s, want %s", got, tt.wantState)
			}
			if err := b.Execute(ok); !errors.Is(err, tt.wantErr) {
				t.Fatalf("next call err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(fail)
	now = now.Add(2 * time.Second)

	if err := b.Execute(fail); !errors.Is(err, errBackend) {
		t.Fatalf("trial call should reach fn, got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if err := b.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after failed trial call, got %v", err)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(fail)
	now = now.Add(2 * time.Second)

	if err := b.Execute(ok); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}
