package natskv_test

import (
	"testing"

	"github.com/roundtable-chat/roundtable/internal/adapter/natskv"
)

func TestKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"preview:conv-1:42", "preview.conv-1.42"},
		{"plain", "plain"},
		{"a b*c>d", "a_b_c_d"},
	}
	for _, tt := range tests {
		if got := natskv.Key(tt.in); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
