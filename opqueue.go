// Package disagg
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
package disagg

import (
	"sync/atomic"
)

// opNode represents a node in the pending operation queue
type opNode struct {
	op   *Op
	next atomic.Pointer[opNode]
}

// opQueue is a concurrent non-blocking queue of pending workload operations.
// The generator enqueues ahead of the driver; the driver dequeues at its own
// pace, so neither side ever blocks the other.
type opQueue struct {
	head atomic.Pointer[opNode]
	tail atomic.Pointer[opNode]
	size int64 // Atomic counter
}

// newOpQueue creates a new pending operation queue
func newOpQueue() *opQueue {
	n := &opNode{}
	q := &opQueue{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Enqueue adds an operation to the queue
func (q *opQueue) Enqueue(op *Op) {
	n := &opNode{op: op}

	for {
		tail := q.tail.Load()
		if tail == nil {
			continue
		}
		next := tail.next.Load()

		// Check if tail is consistent
		if tail == q.tail.Load() {
			if next == nil {
				// Try to link node at the end of the list
				if tail.next.CompareAndSwap(nil, n) {
					// Enqueue is done, try to swing tail to the inserted node
					q.tail.CompareAndSwap(tail, n)
					atomic.AddInt64(&q.size, 1)
					return
				}
			} else {
				// Tail was not pointing to the last node, try to advance tail
				q.tail.CompareAndSwap(tail, next)
			}
		}
	}
}

// Dequeue removes and returns the next pending operation
// Returns nil if the queue is empty
func (q *opQueue) Dequeue() *Op {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head == nil {
			continue
		}
		next := head.next.Load()

		// Check if head, tail, and next are consistent
		if head == q.head.Load() {
			// Is queue empty or tail falling behind?
			if head == tail {
				// Is queue empty?
				if next == nil {
					return nil // Queue is empty
				}
				// Tail is falling behind. Try to advance it
				q.tail.CompareAndSwap(tail, next)
			} else {
				// Queue is not empty, read value before CAS
				if next == nil {
					continue
				}
				op := next.op

				// Try to swing Head to the next node
				if q.head.CompareAndSwap(head, next) {
					atomic.AddInt64(&q.size, -1) // Decrement counter
					return op                    // Dequeue is done
				}
			}
		}
	}
}

// IsEmpty returns true if the queue is empty
func (q *opQueue) IsEmpty() bool {
	head := q.head.Load()
	if head == nil {
		return true
	}
	return head.next.Load() == nil
}

// Size returns the number of pending operations
func (q *opQueue) Size() int64 {
	return atomic.LoadInt64(&q.size)
}
