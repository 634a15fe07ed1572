package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const jobs = 10
	pool := NewPool(limit)

	var running, maxSeen atomic.Int32
	for range jobs {
		pool.Go(context.Background(), func() {
			cur := running.Add(1)
			for {
				old := maxSeen.Load()
				if cur <= old || maxSeen.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	pool.Wait()

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
}

func TestPoolRunContextCancellation(t *testing.T) {
	pool := NewPool(1)

	occupied := make(chan struct{})
	release := make(chan struct{})
	pool.Go(context.Background(), func() {
		close(occupied)
		<-release
	})
	<-occupied

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Run(ctx, func() error {
		t.Error("fn should not have been called")
		return nil
	})
	if err == nil {
		t.Error("expected error from canceled context")
	}

	close(release)
	pool.Wait()
}

func TestPoolTryGo(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})

	if !pool.TryGo(func() { <-release }) {
		t.Fatal("first TryGo should start")
	}
	if pool.TryGo(func() {}) {
		t.Error("second TryGo should find the pool full")
	}
	close(release)
	pool.Wait()

	if !pool.TryGo(func() {}) {
		t.Error("TryGo after release should start")
	}
	pool.Wait()
}

func TestPoolClampMinLimit(t *testing.T) {
	pool := NewPool(0)
	if err := pool.Run(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("limit 0 should clamp to 1: %v", err)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var pool *Pool
	called := false
	if err := pool.Run(context.Background(), func() error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("fn not called")
	}
}
