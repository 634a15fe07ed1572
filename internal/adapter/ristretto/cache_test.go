package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/roundtable-chat/roundtable/internal/adapter/ristretto"
)

func TestCache_SetGetDelete(t *testing.T) {
	c, err := ristretto.NewMB(1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "preview:c1:1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set(ctx, "preview:c1:1", []byte(`["m1","m2"]`), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "preview:c1:1")
	if err != nil || !ok {
		t.Fatalf("expected hit after Set, ok=%v err=%v", ok, err)
	}
	if string(got) != `["m1","m2"]` {
		t.Fatalf("got %s", got)
	}

	if err := c.Delete(ctx, "preview:c1:1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "preview:c1:1"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestCache_TTLExpires(t *testing.T) {
	c, err := ristretto.NewMB(1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond) // expiry is swept about once a second

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire")
	}
}
