// Package filter
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
package filter

import (
	"sync"
	"testing"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(0, 0.01); err == nil {
		t.Fatal("Expected error for zero expected items")
	}
	if _, err := New(100, 0); err == nil {
		t.Fatal("Expected error for zero false positive rate")
	}
	if _, err := New(100, 1.5); err == nil {
		t.Fatal("Expected error for false positive rate above 1")
	}
}

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(10000, 0.01)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}

	for key := uint64(0); key < 10000; key++ {
		f.Add(key)
	}
	for key := uint64(0); key < 10000; key++ {
		if !f.Contains(key) {
			t.Fatalf("False negative for key %d", key)
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	f, err := New(10000, 0.01)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}

	for key := uint64(0); key < 10000; key++ {
		f.Add(key)
	}

	falsePositives := 0
	probes := 100000
	for i := 0; i < probes; i++ {
		if f.Contains(uint64(1000000 + i)) {
			falsePositives++
		}
	}

	// Allow generous slack over the configured 1% target
	rate := float64(falsePositives) / float64(probes)
	if rate > 0.05 {
		t.Fatalf("False positive rate %f far above target", rate)
	}
}

func TestConcurrentAddContains(t *testing.T) {
	f, err := New(10000, 0.01)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := uint64(w*1000 + i)
				f.Add(key)
				if !f.Contains(key) {
					t.Errorf("Key %d missing right after add", key)
				}
			}
		}(w)
	}
	wg.Wait()
}
