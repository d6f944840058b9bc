// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_Bounded(t *testing.T) {
	pool := New(3)
	assert.True(t, pool.IsEnabled())
	assert.Equal(t, 3, pool.MaxParallelism())
	var running, maxRunning atomic.Int32
	for range 20 {
		pool.WaitToStart(func() {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	pool.Wait()
	assert.LessOrEqual(t, int(maxRunning.Load()), 3)
	assert.Greater(t, int(maxRunning.Load()), 0)
	assert.Zero(t, running.Load())
}

func TestPool_Inline(t *testing.T) {
	pool := New(0)
	assert.False(t, pool.IsEnabled())
	var order []int
	for ii := range 5 {
		pool.WaitToStart(func() { order = append(order, ii) })
	}
	// Tasks run inline, in order.
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_Unlimited(t *testing.T) {
	pool := New(-1)
	assert.True(t, pool.IsEnabled())
	release := make(chan struct{})
	var started atomic.Int32
	for range 10 {
		// None of the tasks finish before all are started.
		pool.WaitToStart(func() {
			started.Add(1)
			<-release
		})
	}
	close(release)
	pool.Wait()
	assert.Equal(t, int32(10), started.Load())
}
