// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_pool

import (
	"container/list"
	"context"
	"sync"

	"github.com/cadenzaai/pkg/commons"
)

// Handle is anything a Pool can lease out. Handles are long-lived upstream
// connections (recognizer, synthesizer, chat client); Reset prepares a
// handle for the next session, Close discards it for good.
type Handle interface {
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory builds a fresh handle on demand.
type Factory[H Handle] func(ctx context.Context) (H, error)

// Lease is an exclusively held handle. Exactly one goroutine may use it at
// a time; Release returns it (or discards it after an upstream error).
type Lease[H Handle] struct {
	Handle    H
	SessionID string
	pool      *Pool[H]
	released  bool
}

// Pool is a bounded collection of reusable handles. A leased handle is
// never shared; on release it is either reset and parked for reuse or
// closed and forgotten.
type Pool[H Handle] struct {
	logger  commons.Logger
	name    string
	factory Factory[H]
	size    int

	mu      sync.Mutex
	idle    *list.List // of H
	leased  int
	healthy bool
	closed  bool

	// slots gates the total number of live handles (idle + leased).
	slots chan struct{}
}

// New creates a pool capped at size concurrent leases.
func New[H Handle](logger commons.Logger, name string, size int, factory Factory[H]) *Pool[H] {
	return &Pool[H]{
		logger:  logger,
		name:    name,
		factory: factory,
		size:    size,
		idle:    list.New(),
		healthy: true,
		slots:   make(chan struct{}, size),
	}
}

// Acquire leases a handle for sessionID, blocking until a slot frees up or
// ctx is done. Idle handles are reused before new ones are created.
func (p *Pool[H]) Acquire(ctx context.Context, sessionID string) (*Lease[H], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, commons.Ef(commons.KindInternal, "%s pool: acquire after close", p.name)
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, commons.E(commons.KindTimeout, ctx.Err())
	}

	p.mu.Lock()
	if front := p.idle.Front(); front != nil {
		handle := p.idle.Remove(front).(H)
		p.leased++
		p.mu.Unlock()
		return &Lease[H]{Handle: handle, SessionID: sessionID, pool: p}, nil
	}
	p.leased++
	p.mu.Unlock()

	handle, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.leased--
		p.healthy = false
		p.mu.Unlock()
		<-p.slots
		return nil, err
	}

	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()
	return &Lease[H]{Handle: handle, SessionID: sessionID, pool: p}, nil
}

// Release returns the lease. With discard set the handle is closed instead
// of parked; callers discard after any upstream error so the next session
// starts from a fresh connection.
func (l *Lease[H]) Release(ctx context.Context, discard bool) {
	if l.released {
		return
	}
	l.released = true
	p := l.pool

	if !discard {
		if err := l.Handle.Reset(ctx); err != nil {
			p.logger.Warnw("pool handle reset failed, discarding",
				"pool", p.name, "session", l.SessionID, "error", err)
			discard = true
		}
	}

	p.mu.Lock()
	p.leased--
	if discard || p.closed {
		p.mu.Unlock()
		if err := l.Handle.Close(ctx); err != nil {
			p.logger.Debugw("pool handle close failed", "pool", p.name, "error", err)
		}
	} else {
		p.idle.PushBack(l.Handle)
		p.mu.Unlock()
	}
	<-p.slots
}

// Leased returns the number of currently leased handles.
func (p *Pool[H]) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// Size returns the configured cap.
func (p *Pool[H]) Size() int { return p.size }

// Healthy reports whether the most recent handle creation succeeded.
// A pool goes unhealthy when its upstream refuses connections; readiness
// surfaces that.
func (p *Pool[H]) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Close discards every idle handle and marks the pool closed. Outstanding
// leases drain through Release.
func (p *Pool[H]) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var handles []H
	for front := p.idle.Front(); front != nil; front = p.idle.Front() {
		handles = append(handles, p.idle.Remove(front).(H))
	}
	p.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(ctx); err != nil {
			p.logger.Debugw("pool handle close failed", "pool", p.name, "error", err)
		}
	}
}
