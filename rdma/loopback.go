// Package rdma
//
// (C) Copyright DisaggDB
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package rdma

import (
	"errors"
	"sync"
	"time"

	"github.com/disaggdb/disagg/memserver"
)

// ErrChannelClosed resolves any future issued against a closed channel
var ErrChannelClosed = errors.New("rdma channel closed")

const (
	DefaultWorkers    = 2
	DefaultQueueDepth = 64
)

// LoopbackOptions configures an in-process channel
type LoopbackOptions struct {
	Latency    time.Duration // Simulated link latency applied to each request
	Workers    int           // Completion workers draining the request queue
	QueueDepth int           // Buffered request slots
}

// Loopback is an in-process Channel bound to a single memory server,
// matching the dedicated-instance-per-connection deployment: one channel per
// compute/memory server pair. Requests flow through a queue drained by
// completion workers, so completions arrive in completion order rather than
// issue order.
type Loopback struct {
	server   *memserver.Server
	opts     LoopbackOptions
	ids      *idGenerator
	requests chan *request
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

// request pairs a future with the payload its execution needs
type request struct {
	future *Future
	length uint32 // Read length
	data   []byte // Write payload
}

// NewLoopback creates a channel over the given memory server
func NewLoopback(server *memserver.Server, opts LoopbackOptions) *Loopback {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}

	ch := &Loopback{
		server:   server,
		opts:     opts,
		ids:      newIDGenerator(),
		requests: make(chan *request, opts.QueueDepth),
	}

	for i := 0; i < opts.Workers; i++ {
		ch.wg.Add(1)
		go ch.worker()
	}

	return ch
}

// ReadAsync issues a one-sided read of length bytes at addr
func (ch *Loopback) ReadAsync(addr uint64, length uint32) *Future {
	f := newFuture(ch.ids.nextID(), OpRead, addr)
	ch.submit(&request{future: f, length: length})
	return f
}

// WriteAsync issues a one-sided write of data at addr. The payload is copied
// so the caller may reuse its buffer immediately.
func (ch *Loopback) WriteAsync(addr uint64, data []byte) *Future {
	f := newFuture(ch.ids.nextID(), OpWrite, addr)
	payload := make([]byte, len(data))
	copy(payload, data)
	ch.submit(&request{future: f, data: payload})
	return f
}

func (ch *Loopback) submit(req *request) {
	ch.mu.RLock()
	if ch.closed {
		ch.mu.RUnlock()
		req.future.resolve(nil, ErrChannelClosed)
		return
	}
	ch.requests <- req
	ch.mu.RUnlock()
}

// worker drains the request queue, applies the simulated link latency, and
// executes the storage access
func (ch *Loopback) worker() {
	defer ch.wg.Done()

	for req := range ch.requests {
		if ch.opts.Latency > 0 {
			time.Sleep(ch.opts.Latency)
		}

		switch req.future.Kind {
		case OpRead:
			data, err := ch.server.ReadAt(req.future.Addr, req.length)
			req.future.resolve(data, err)
		case OpWrite:
			err := ch.server.WriteAt(req.future.Addr, req.data)
			req.future.resolve(nil, err)
		}
	}
}

// Close stops the workers. Requests already queued still complete; new
// requests resolve with ErrChannelClosed.
func (ch *Loopback) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.requests)
	ch.mu.Unlock()

	ch.wg.Wait()
	return nil
}
