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
	"time"
)

// Stats accumulates run counters. All fields are updated atomically.
type Stats struct {
	inserts      int64
	searches     int64
	updates      int64
	notFound     int64
	timeouts     int64
	failures     int64
	remoteReads  int64
	remoteWrites int64
	splits       int64
	rootGrowths  int64
	totalLatency int64 // Nanoseconds across completed operations
	completed    int64
}

// StatsSnapshot is a point-in-time copy of the counters. Inserts counts
// every insert operation that succeeded, duplicates included; Updates is the
// subset that overwrote an existing key, so new entries = Inserts - Updates.
// Searches and NotFound overlap the same way.
type StatsSnapshot struct {
	Inserts      int64
	Searches     int64
	Updates      int64
	NotFound     int64
	Timeouts     int64
	Failures     int64
	RemoteReads  int64
	RemoteWrites int64
	Splits       int64
	RootGrowths  int64
	TotalLatency time.Duration
	Completed    int64
}

func (s *Stats) recordOutcome(outcome Outcome, latency time.Duration) {
	switch outcome {
	case OutcomeFound:
		atomic.AddInt64(&s.searches, 1)
	case OutcomeNotFound:
		atomic.AddInt64(&s.searches, 1)
		atomic.AddInt64(&s.notFound, 1)
	case OutcomeInserted:
		atomic.AddInt64(&s.inserts, 1)
	case OutcomeUpdated:
		atomic.AddInt64(&s.inserts, 1)
		atomic.AddInt64(&s.updates, 1)
	case OutcomeTimeout:
		atomic.AddInt64(&s.timeouts, 1)
	case OutcomeError:
		atomic.AddInt64(&s.failures, 1)
	}
	atomic.AddInt64(&s.totalLatency, int64(latency))
	atomic.AddInt64(&s.completed, 1)
}

func (s *Stats) addRead()      { atomic.AddInt64(&s.remoteReads, 1) }
func (s *Stats) addWrite()     { atomic.AddInt64(&s.remoteWrites, 1) }
func (s *Stats) addSplit()     { atomic.AddInt64(&s.splits, 1) }
func (s *Stats) addRootGrown() { atomic.AddInt64(&s.rootGrowths, 1) }

// Snapshot returns a consistent-enough copy for reporting
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Inserts:      atomic.LoadInt64(&s.inserts),
		Searches:     atomic.LoadInt64(&s.searches),
		Updates:      atomic.LoadInt64(&s.updates),
		NotFound:     atomic.LoadInt64(&s.notFound),
		Timeouts:     atomic.LoadInt64(&s.timeouts),
		Failures:     atomic.LoadInt64(&s.failures),
		RemoteReads:  atomic.LoadInt64(&s.remoteReads),
		RemoteWrites: atomic.LoadInt64(&s.remoteWrites),
		Splits:       atomic.LoadInt64(&s.splits),
		RootGrowths:  atomic.LoadInt64(&s.rootGrowths),
		TotalLatency: time.Duration(atomic.LoadInt64(&s.totalLatency)),
		Completed:    atomic.LoadInt64(&s.completed),
	}
}
