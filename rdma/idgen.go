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
	"math"
	"sync/atomic"
)

// idGenerator is a thread-safe generator of monotonic request IDs
type idGenerator struct {
	lastID int64
}

func newIDGenerator() *idGenerator {
	return &idGenerator{
		lastID: 0,
	}
}

// nextID generates the next unique ID, resetting to 1 if int64 max is reached
func (g *idGenerator) nextID() int64 {
	for {
		last := atomic.LoadInt64(&g.lastID)
		var next int64

		if last == math.MaxInt64 {
			next = 1
		} else {
			next = last + 1
		}

		if atomic.CompareAndSwapInt64(&g.lastID, last, next) {
			return next
		}
	}
}
