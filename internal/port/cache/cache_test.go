package cache_test

import (
	"testing"

	"github.com/roundtable-chat/roundtable/internal/port/cache"
)

func TestPreviewKey(t *testing.T) {
	if got := cache.PreviewKey("c1", 42); got != "preview:c1:42" {
		t.Errorf("PreviewKey = %q", got)
	}
	if cache.PreviewKey("c1", 1) == cache.PreviewKey("c1", 2) {
		t.Error("revisions must not share a key")
	}
}
