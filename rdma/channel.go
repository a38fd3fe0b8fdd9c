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
	"context"
)

// Channel is an asynchronous one-sided remote-memory channel between one
// compute server and one memory server. Reads and writes invoke nothing at
// the remote side beyond storage access. Completions are delivered in the
// order requests complete, which is not necessarily issue order.
type Channel interface {
	// ReadAsync issues a one-sided read of length bytes at addr
	ReadAsync(addr uint64, length uint32) *Future

	// WriteAsync issues a one-sided write of data at addr
	WriteAsync(addr uint64, data []byte) *Future

	// Close tears the channel down; outstanding futures resolve with an error
	Close() error
}

// OpKind tags the request kind carried by a Future
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpRead {
		return "read"
	}
	return "write"
}

// Future is the pending completion of one asynchronous remote operation
type Future struct {
	ID   int64  // Monotonic request ID, unique per channel
	Kind OpKind // Read or write
	Addr uint64 // Remote address the request targets

	done chan struct{}
	data []byte
	err  error
}

func newFuture(id int64, kind OpKind, addr uint64) *Future {
	return &Future{
		ID:   id,
		Kind: kind,
		Addr: addr,
		done: make(chan struct{}),
	}
}

// resolve completes the future exactly once
func (f *Future) resolve(data []byte, err error) {
	f.data = data
	f.err = err
	close(f.done)
}

// Wait blocks until the operation completes or the context expires. A
// context deadline surfaces as ctx.Err(), distinct from remote I/O failure;
// the request itself is not cancelled and its remote effect, if any, stands.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
