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
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Filter is a bloom filter over uint64 keys. A negative answer is definite,
// a positive answer may be a false positive. The engine uses it to skip the
// remote walk for keys that were never inserted through this client.
type Filter struct {
	mu        sync.RWMutex
	bitset    []uint8
	size      uint64
	hashCount uint64
}

// New creates a filter sized for the expected number of keys at the given
// false positive rate
func New(expectedItems uint64, falsePositiveRate float64) (*Filter, error) {
	if expectedItems == 0 {
		return nil, errors.New("expectedItems must be greater than 0")
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, errors.New("falsePositiveRate must be between 0 and 1")
	}

	size := optimalSize(expectedItems, falsePositiveRate)
	if size%2 == 0 {
		size++ // Odd size improves double-hash distribution
	}
	hashCount := optimalHashCount(size, expectedItems)

	return &Filter{
		bitset:    make([]uint8, (size+7)/8),
		size:      size,
		hashCount: hashCount,
	}, nil
}

// hashes derives the two base hashes for double hashing:
// h_i(x) = (h1(x) + i*h2(x)) mod m
func (f *Filter) hashes(key uint64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	h1 := xxhash.Sum64(buf[:])

	binary.BigEndian.PutUint64(buf[:], key^0x9E3779B97F4A7C15)
	h2 := xxhash.Sum64(buf[:])
	if h2%f.size == 0 {
		h2++
	}

	return h1, h2
}

// Add records a key in the filter
func (f *Filter) Add(key uint64) {
	h1, h2 := f.hashes(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.hashCount; i++ {
		position := (h1 + i*h2) % f.size
		f.bitset[position/8] |= 1 << (position % 8)
	}
}

// Contains reports whether a key may be in the filter. False means the key
// was definitely never added.
func (f *Filter) Contains(key uint64) bool {
	h1, h2 := f.hashes(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.hashCount; i++ {
		position := (h1 + i*h2) % f.size
		if f.bitset[position/8]&(1<<(position%8)) == 0 {
			return false
		}
	}
	return true
}

// optimalSize returns the bit-array size for the expected item count and
// false positive rate
func optimalSize(n uint64, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	return uint64(math.Ceil(m))
}

// optimalHashCount returns the hash function count for the given geometry
func optimalHashCount(size, n uint64) uint64 {
	k := float64(size) / float64(n) * math.Ln2
	if k < 1 {
		return 1
	}
	return uint64(math.Round(k))
}
