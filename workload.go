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
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Distribution selects how workload keys are drawn from [0, KeyRange)
type Distribution int

const (
	DistributionUniform Distribution = iota
	DistributionZipfian
)

// String returns string representation of distribution
func (d Distribution) String() string {
	switch d {
	case DistributionUniform:
		return "UNIFORM"
	case DistributionZipfian:
		return "ZIPFIAN"
	default:
		return "UNKNOWN"
	}
}

// OpType distinguishes generated operations
type OpType int

const (
	OpSearch OpType = iota
	OpInsert
)

// String returns string representation of operation type
func (t OpType) String() string {
	switch t {
	case OpSearch:
		return "SEARCH"
	case OpInsert:
		return "INSERT"
	default:
		return "UNKNOWN"
	}
}

// Op is one generated workload operation
type Op struct {
	Type  OpType
	Key   uint64
	Value uint64
}

// Generator draws operations according to the configured read ratio and key
// distribution. Not safe for concurrent use; each driver owns its own.
type Generator struct {
	rng       *rand.Rand
	keyRange  uint64
	readRatio float64
	dist      Distribution
	alpha     float64
}

// NewGenerator creates a workload generator seeded deterministically
func NewGenerator(opts *Options, seed int64) *Generator {
	return &Generator{
		rng:       rand.New(rand.NewSource(seed)),
		keyRange:  opts.KeyRange,
		readRatio: opts.ReadRatio,
		dist:      opts.Distribution,
		alpha:     opts.ZipfianAlpha,
	}
}

// nextKey draws one key. The zipfian draw inverts a power-law CDF: u^(-1/alpha)
// folded back into the key range, which skews mass toward small keys as alpha
// grows. Alpha at or below zero degenerates to uniform.
func (g *Generator) nextKey() uint64 {
	if g.dist == DistributionZipfian && g.alpha > 0 {
		u := g.rng.Float64()
		for u == 0 {
			u = g.rng.Float64()
		}
		k := math.Pow(u, -1.0/g.alpha)
		if math.IsInf(k, 0) || math.IsNaN(k) {
			return 0
		}
		return uint64(math.Mod(k, float64(g.keyRange)))
	}
	return uint64(g.rng.Int63n(int64(g.keyRange)))
}

// Next draws the next operation
func (g *Generator) Next() *Op {
	key := g.nextKey()
	if g.rng.Float64() < g.readRatio {
		return &Op{Type: OpSearch, Key: key}
	}
	return &Op{Type: OpInsert, Key: key, Value: key}
}

// WorkloadSummary reports what a workload run executed
type WorkloadSummary struct {
	Generated int
	Executed  int
	Found     int
	NotFound  int
	Inserted  int
	Updated   int
	Timeouts  int
	Errors    int
	Elapsed   time.Duration
}

// String returns a one line summary suitable for the log channel
func (ws *WorkloadSummary) String() string {
	return fmt.Sprintf("workload: %d/%d ops in %v (found=%d notfound=%d inserted=%d updated=%d timeouts=%d errors=%d)",
		ws.Executed, ws.Generated, ws.Elapsed.Round(time.Millisecond),
		ws.Found, ws.NotFound, ws.Inserted, ws.Updated, ws.Timeouts, ws.Errors)
}

// RunWorkload generates SimulationDuration worth of operations at OpsPerSecond,
// queues them, and drains the queue at the configured pace. The run stops at
// the duration deadline, on queue exhaustion, or when ctx is cancelled;
// whatever is still queued at that point is dropped.
func (db *DB) RunWorkload(ctx context.Context, seed int64) (*WorkloadSummary, error) {
	gen := NewGenerator(db.opts, seed)
	pending := newOpQueue()

	total := int(float64(db.opts.OpsPerSecond) * db.opts.SimulationDuration.Seconds())
	if total < 1 {
		total = 1
	}
	for i := 0; i < total; i++ {
		pending.Enqueue(gen.Next())
	}

	db.log(fmt.Sprintf("Workload: %d ops queued (%s keys, read ratio %.2f, %d ops/sec for %v)",
		total, db.opts.Distribution, db.opts.ReadRatio, db.opts.OpsPerSecond, db.opts.SimulationDuration))

	interval := time.Second / time.Duration(db.opts.OpsPerSecond)
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	summary := &WorkloadSummary{Generated: total}
	start := time.Now()
	deadline := start.Add(db.opts.SimulationDuration)

	for {
		if time.Now().After(deadline) {
			break
		}
		op := pending.Dequeue()
		if op == nil {
			break
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				summary.Elapsed = time.Since(start)
				return summary, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		summary.Executed++
		switch op.Type {
		case OpSearch:
			_, err := db.Search(ctx, op.Key)
			switch {
			case err == nil:
				summary.Found++
			case errors.Is(err, ErrNotFound):
				summary.NotFound++
			case IsTimeout(err):
				summary.Timeouts++
			default:
				summary.Errors++
			}
		case OpInsert:
			outcome, err := db.Insert(ctx, op.Key, op.Value)
			switch {
			case err == nil && outcome == OutcomeInserted:
				summary.Inserted++
			case err == nil && outcome == OutcomeUpdated:
				summary.Updated++
			case IsTimeout(err):
				summary.Timeouts++
			default:
				summary.Errors++
			}
		}
	}

	summary.Elapsed = time.Since(start)
	db.log(summary.String())

	return summary, nil
}
