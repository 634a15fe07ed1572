// Package cache defines the port for the queue preview cache.
package cache

import (
	"context"
	"strconv"
	"time"
)

// Cache stores encoded previews by key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PreviewKey names the predicted-queue preview of one conversation
// revision. Any mutation bumps the revision, so stale entries are never
// read again and simply expire.
func PreviewKey(conversationID string, revision int64) string {
	return "preview:" + conversationID + ":" + strconv.FormatInt(revision, 10)
}
