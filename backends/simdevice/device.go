// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
)

// device is one simulated accelerator: a memory capacity and its transfer queues.
type device struct {
	backend *Backend
	place   places.Place

	mu         sync.Mutex
	capacity   uint64
	used       uint64
	numBuffers int

	queues  []chan *transfer
	next    atomic.Uint32
	muQueue sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func newDevice(backend *Backend, place places.Place, capacity uint64, numStreams int) *device {
	d := &device{
		backend:  backend,
		place:    place,
		capacity: capacity,
		queues:   make([]chan *transfer, numStreams),
	}
	for ii := range d.queues {
		d.queues[ii] = make(chan *transfer, 16)
		d.wg.Add(1)
		go d.serve(d.queues[ii])
	}
	return d
}

func (d *device) reserve(numBytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+numBytes > d.capacity {
		return errors.Wrapf(backends.ErrOutOfMemory, "allocating %s on %s: %s in use out of %s",
			humanize.IBytes(numBytes), d.place, humanize.IBytes(d.used), humanize.IBytes(d.capacity))
	}
	d.used += numBytes
	d.numBuffers++
	return nil
}

func (d *device) release(numBytes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used -= numBytes
	d.numBuffers--
}

// transfer is one job in a transfer queue, it also serves as its completion backends.Event.
type transfer struct {
	fn       func() (int, error)
	done     chan struct{}
	numBytes int
	err      error
}

var _ backends.Event = &transfer{}

// Await implements backends.Event.
func (t *transfer) Await() (int, error) {
	<-t.done
	return t.numBytes, t.err
}

// enqueue fn in one of the transfer queues (round-robin), and return the event that signals its completion.
func (d *device) enqueue(fn func() (int, error)) backends.Event {
	t := &transfer{fn: fn, done: make(chan struct{})}
	d.muQueue.RLock()
	defer d.muQueue.RUnlock()
	if d.stopped {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer, "backend %q finalized", BackendName)}
	}
	idx := int(d.next.Add(1)) % len(d.queues)
	d.queues[idx] <- t
	return t
}

func (d *device) serve(queue chan *transfer) {
	defer d.wg.Done()
	for t := range queue {
		t.numBytes, t.err = t.fn()
		close(t.done)
	}
}

// stop closes the queues and waits for the pending transfers to complete.
func (d *device) stop() {
	d.muQueue.Lock()
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.muQueue.Unlock()
	d.wg.Wait()
}
