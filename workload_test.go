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
	"sync"
	"testing"
	"time"
)

func TestGeneratorDeterministic(t *testing.T) {
	opts := &Options{KeyRange: 1000, ReadRatio: 0.5}

	a := NewGenerator(opts, 42)
	b := NewGenerator(opts, 42)

	for i := 0; i < 100; i++ {
		opA, opB := a.Next(), b.Next()
		if opA.Type != opB.Type || opA.Key != opB.Key {
			t.Fatalf("Same seed diverged at op %d: %v vs %v", i, opA, opB)
		}
	}
}

func TestGeneratorKeysInRange(t *testing.T) {
	for _, dist := range []Distribution{DistributionUniform, DistributionZipfian} {
		opts := &Options{
			KeyRange:     1000,
			ReadRatio:    0.5,
			Distribution: dist,
			ZipfianAlpha: 0.9,
		}
		gen := NewGenerator(opts, 1)

		for i := 0; i < 10000; i++ {
			op := gen.Next()
			if op.Key >= 1000 {
				t.Fatalf("%s key %d outside [0, 1000)", dist, op.Key)
			}
		}
	}
}

// The inverse-power draw concentrates mass on small keys as alpha grows
func TestZipfianSkew(t *testing.T) {
	opts := &Options{
		KeyRange:     1000,
		ReadRatio:    0.5,
		Distribution: DistributionZipfian,
		ZipfianAlpha: 0.9,
	}
	gen := NewGenerator(opts, 5)

	low := 0
	n := 10000
	for i := 0; i < n; i++ {
		if gen.Next().Key < 100 {
			low++
		}
	}

	// Uniform would put ~10% below 100; the skewed draw puts far more
	if low < n/4 {
		t.Fatalf("Zipfian draw not skewed: only %d of %d keys below 100", low, n)
	}
}

func TestGeneratorReadRatio(t *testing.T) {
	allReads := NewGenerator(&Options{KeyRange: 1000, ReadRatio: 1.0}, 9)
	for i := 0; i < 100; i++ {
		if op := allReads.Next(); op.Type != OpSearch {
			t.Fatalf("Read ratio 1.0 produced %s", op.Type)
		}
	}

	allWrites := NewGenerator(&Options{KeyRange: 1000, ReadRatio: 0}, 9)
	for i := 0; i < 100; i++ {
		if op := allWrites.Next(); op.Type != OpInsert {
			t.Fatalf("Read ratio 0 produced %s", op.Type)
		}
	}
}

func TestOpQueueFIFO(t *testing.T) {
	q := newOpQueue()

	if !q.IsEmpty() {
		t.Fatal("New queue should be empty")
	}
	if q.Dequeue() != nil {
		t.Fatal("Dequeue on empty queue should return nil")
	}

	for i := uint64(0); i < 10; i++ {
		q.Enqueue(&Op{Type: OpInsert, Key: i})
	}
	if q.Size() != 10 {
		t.Fatalf("Expected size 10, got %d", q.Size())
	}

	for i := uint64(0); i < 10; i++ {
		op := q.Dequeue()
		if op == nil {
			t.Fatalf("Queue drained early at %d", i)
		}
		if op.Key != i {
			t.Fatalf("FIFO order broken: got %d, expected %d", op.Key, i)
		}
	}
	if !q.IsEmpty() {
		t.Fatal("Queue should be empty after draining")
	}
}

func TestOpQueueConcurrent(t *testing.T) {
	q := newOpQueue()

	producers := 4
	perProducer := 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(&Op{Type: OpSearch, Key: uint64(p*perProducer + i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for {
		op := q.Dequeue()
		if op == nil {
			break
		}
		if seen[op.Key] {
			t.Fatalf("Key %d dequeued twice", op.Key)
		}
		seen[op.Key] = true
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("Lost operations: got %d of %d", len(seen), producers*perProducer)
	}
}

func TestRunWorkload(t *testing.T) {
	db := openTestDB(t, func(opts *Options) {
		opts.KeyRange = 500
		opts.ReadRatio = 0.5
		opts.OpsPerSecond = 2000
		opts.SimulationDuration = 200 * time.Millisecond
	})

	summary, err := db.RunWorkload(context.Background(), 17)
	if err != nil {
		t.Fatalf("Workload run failed: %v", err)
	}

	if summary.Executed == 0 {
		t.Fatal("Workload executed nothing")
	}
	if summary.Errors > 0 {
		t.Fatalf("Workload hit %d errors", summary.Errors)
	}

	accounted := summary.Found + summary.NotFound + summary.Inserted + summary.Updated + summary.Timeouts + summary.Errors
	if accounted != summary.Executed {
		t.Fatalf("Outcome buckets sum to %d, executed %d", accounted, summary.Executed)
	}

	stats := db.Stats()
	if stats.Completed != int64(summary.Executed) {
		t.Fatalf("Stats completed %d operations, summary says %d", stats.Completed, summary.Executed)
	}
}

func TestRunWorkloadHonorsCancel(t *testing.T) {
	db := openTestDB(t, func(opts *Options) {
		opts.OpsPerSecond = 100
		opts.SimulationDuration = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := db.RunWorkload(ctx, 1)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Workload did not stop promptly on cancel")
	}
}
