// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzaai/pkg/commons"
)

type fakeHandle struct {
	id       int
	resets   int32
	closed   int32
	resetErr error
}

func (h *fakeHandle) Reset(ctx context.Context) error {
	atomic.AddInt32(&h.resets, 1)
	return h.resetErr
}

func (h *fakeHandle) Close(ctx context.Context) error {
	atomic.AddInt32(&h.closed, 1)
	return nil
}

func newTestPool(t *testing.T, size int) (*Pool[*fakeHandle], *int32) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	var created int32
	p := New(logger, "fake", size, func(ctx context.Context) (*fakeHandle, error) {
		n := atomic.AddInt32(&created, 1)
		return &fakeHandle{id: int(n)}, nil
	})
	return p, &created
}

func TestPool_AcquireCreatesAndReuses(t *testing.T) {
	p, created := newTestPool(t, 2)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Leased())

	lease.Release(ctx, false)
	assert.Equal(t, 0, p.Leased())

	lease2, err := p.Acquire(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, lease.Handle, lease2.Handle, "idle handle should be reused")
	assert.EqualValues(t, 1, atomic.LoadInt32(created))
	lease2.Release(ctx, false)
}

func TestPool_LeaseCapEnforced(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blockedCtx, "s2")
	require.Error(t, err)
	assert.Equal(t, commons.KindTimeout, commons.KindOf(err))

	lease.Release(ctx, false)
	lease2, err := p.Acquire(ctx, "s2")
	require.NoError(t, err)
	lease2.Release(ctx, false)
}

func TestPool_DiscardClosesHandle(t *testing.T) {
	p, created := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	h := lease.Handle
	lease.Release(ctx, true)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.closed))

	lease2, err := p.Acquire(ctx, "s2")
	require.NoError(t, err)
	assert.NotEqual(t, h, lease2.Handle)
	assert.EqualValues(t, 2, atomic.LoadInt32(created))
	lease2.Release(ctx, false)
}

func TestPool_ResetFailureDiscards(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	h := lease.Handle
	h.resetErr = errors.New("stale connection")
	lease.Release(ctx, false)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.closed))
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	lease.Release(ctx, false)
	lease.Release(ctx, false)
	assert.Equal(t, 0, p.Leased())

	// The slot must still be usable.
	lease2, err := p.Acquire(ctx, "s2")
	require.NoError(t, err)
	lease2.Release(ctx, false)
}

func TestPool_ConcurrentLeaseAccounting(t *testing.T) {
	const size = 8
	p, _ := newTestPool(t, size)
	ctx := context.Background()

	var wg sync.WaitGroup
	var maxSeen int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(ctx, "s")
			if err != nil {
				return
			}
			leased := int32(p.Leased())
			for {
				prev := atomic.LoadInt32(&maxSeen)
				if leased <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, leased) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			lease.Release(ctx, false)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(size))
	assert.Equal(t, 0, p.Leased(), "every lease eventually returns")
}

func TestPool_FactoryErrorMarksUnhealthy(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	p := New(logger, "failing", 1, func(ctx context.Context) (*fakeHandle, error) {
		return nil, errors.New("connection refused")
	})

	_, err = p.Acquire(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, p.Healthy())
	assert.Equal(t, 0, p.Leased(), "slot must be returned on factory failure")
}

func TestPool_CloseDiscardsIdle(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	h := lease.Handle
	lease.Release(ctx, false)

	p.Close(ctx)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.closed))

	_, err = p.Acquire(ctx, "s2")
	require.Error(t, err)
}
