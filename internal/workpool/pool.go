// Package workpool bounds background work (generation runs, branch copies)
// with a weighted semaphore.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits how many background jobs run at once and tracks the ones
// started with Go so shutdown can wait for them.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a Pool that allows at most limit concurrent jobs.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. It blocks while all
// slots are busy and returns ctx.Err() if ctx ends first. A nil pool runs
// fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// TryGo starts fn in a goroutine if a slot is free right now and reports
// whether it did.
func (p *Pool) TryGo(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return true
}

// Go waits for a slot in a new goroutine and then runs fn. fn is skipped
// if ctx ends before a slot frees up.
func (p *Pool) Go(ctx context.Context, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// Wait blocks until every job started with Go or TryGo has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
