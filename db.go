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
	"os"
	"strings"
	"time"

	"github.com/disaggdb/disagg/cache"
	"github.com/disaggdb/disagg/filter"
	"github.com/disaggdb/disagg/memserver"
	"github.com/disaggdb/disagg/node"
	"github.com/disaggdb/disagg/rdma"
)

const MemoryFilePrefix = "mem_" // Backing file per memory server, mem_<n>.dat

// Defaults applied by Open for zero-valued options
const (
	DefaultFanout             = 16
	DefaultKeyRange           = uint64(1000000)
	DefaultBaseAddress        = uint64(0x10000000)
	DefaultMemorySize         = uint64(16 * 1024 * 1024) // 16MB per memory server
	DefaultMemoryNodes        = 1
	MaxMemoryNodes            = 8
	DefaultBlockSize          = memserver.DefaultBlockSize
	DefaultSyncInterval       = 1 * time.Second
	DefaultReadRatio          = 0.95
	DefaultOpsPerSecond       = 10000
	DefaultSimulationDuration = 1 * time.Second
	DefaultFilterCapacity     = uint64(1 << 20)
	DefaultPermission         = 0750
)

// Options represents the configuration surface, read once at Open
type Options struct {
	Directory          string               // Directory holding the memory server backing files
	Fanout             int                  // Max keys per leaf; internal nodes hold up to Fanout-1 separators
	KeyRange           uint64               // Workload keys fall in [0, KeyRange)
	MemorySize         uint64               // Address space bytes per memory server
	BaseAddress        uint64               // First address of memory server 0's space
	MemoryNodes        int                  // Number of memory servers
	BlockSize          uint32               // Granularity node records are rounded up to
	SyncOption         memserver.SyncOption // Durability mode for memory server writes
	SyncInterval       time.Duration        // Interval for background sync with SyncPartial
	LinkLatency        time.Duration        // Simulated link latency per remote operation
	ReadRatio          float64              // Search share of the generated workload, in [0,1]
	OpsPerSecond       int                  // Workload pacing
	SimulationDuration time.Duration        // Workload run length
	Distribution       Distribution         // Workload key distribution
	ZipfianAlpha       float64              // Skew for DistributionZipfian; <=0 degenerates to uniform
	CacheSize          int                  // Node cache entries; 0 keeps descents uncached
	KeyFilter          bool                 // Arm the negative-lookup filter on freshly created trees
	FilterCapacity     uint64               // Expected insert count for the filter
	Permission         os.FileMode          // Permission for created files and directories
	LogChannel         chan string          // Channel for logging
	Events             chan Event           // Channel for operation and split events
}

// DB wires one compute server to its memory servers: one channel per
// compute/memory pair, a shared node codec, and the tree client that issues
// every operation through those channels. The compute side keeps no
// authoritative tree state; everything lives behind the channels.
type DB struct {
	opts     *Options
	codec    *node.Codec
	servers  []*memserver.Server
	channels []rdma.Channel
	meta     *metaManager
	client   *Client
	cache    *cache.Cache
	filter   *filter.Filter
	stats    *Stats
	fresh    bool
	closed   bool
}

// Open attaches the compute server to the configured memory servers,
// creating their address spaces when absent
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}
	if opts.Directory == "" {
		return nil, errors.New("directory cannot be empty")
	}

	if opts.Fanout == 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Fanout < 3 {
		return nil, fmt.Errorf("fanout must be at least 3, got %d", opts.Fanout)
	}
	if opts.KeyRange == 0 {
		opts.KeyRange = DefaultKeyRange
	}
	if opts.BaseAddress == 0 {
		opts.BaseAddress = DefaultBaseAddress
	}
	if opts.MemorySize == 0 {
		opts.MemorySize = DefaultMemorySize
	}
	if opts.MemoryNodes == 0 {
		opts.MemoryNodes = DefaultMemoryNodes
	}
	if opts.MemoryNodes < 1 || opts.MemoryNodes > MaxMemoryNodes {
		return nil, fmt.Errorf("memory nodes must be in [1, %d], got %d", MaxMemoryNodes, opts.MemoryNodes)
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.ReadRatio == 0 {
		opts.ReadRatio = DefaultReadRatio
	}
	if opts.ReadRatio < 0 || opts.ReadRatio > 1 {
		return nil, fmt.Errorf("read ratio must be in [0, 1], got %f", opts.ReadRatio)
	}
	if opts.OpsPerSecond <= 0 {
		opts.OpsPerSecond = DefaultOpsPerSecond
	}
	if opts.SimulationDuration <= 0 {
		opts.SimulationDuration = DefaultSimulationDuration
	}
	if opts.FilterCapacity == 0 {
		opts.FilterCapacity = DefaultFilterCapacity
	}
	if opts.Permission == 0 {
		opts.Permission = DefaultPermission
	}

	codec, err := node.NewCodec(opts.Fanout, int(opts.BlockSize))
	if err != nil {
		return nil, err
	}
	recordSize := uint64(codec.RecordSize())
	if opts.MemorySize < 2*recordSize {
		return nil, fmt.Errorf("memory size %d cannot hold a node record of %d bytes past the metadata record",
			opts.MemorySize, recordSize)
	}

	db := &DB{
		opts:  opts,
		codec: codec,
		stats: &Stats{},
	}

	if !strings.HasSuffix(opts.Directory, string(os.PathSeparator)) {
		opts.Directory += string(os.PathSeparator)
	}
	if _, err := os.Stat(opts.Directory); os.IsNotExist(err) {
		db.log(fmt.Sprintf("Directory %s does not exist, creating it...", opts.Directory))
		if err := os.MkdirAll(opts.Directory, opts.Permission); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// One memory server per address range, one channel per pair. Memory
	// server 0 reserves its first record for the metadata record.
	for i := 0; i < opts.MemoryNodes; i++ {
		reserved := uint64(0)
		if i == 0 {
			reserved = 1
		}

		path := fmt.Sprintf("%s%s%d.dat", opts.Directory, MemoryFilePrefix, i)
		srv, err := memserver.Open(path, os.O_RDWR|os.O_CREATE, opts.Permission, memserver.Config{
			BlockSize:    opts.BlockSize,
			RecordSize:   uint32(recordSize),
			BaseAddress:  opts.BaseAddress + uint64(i)*opts.MemorySize,
			Capacity:     opts.MemorySize,
			Reserved:     reserved,
			Sync:         opts.SyncOption,
			SyncInterval: opts.SyncInterval,
		})
		if err != nil {
			db.teardown()
			return nil, fmt.Errorf("failed to open memory server %d: %w", i, err)
		}
		db.servers = append(db.servers, srv)
		db.channels = append(db.channels, rdma.NewLoopback(srv, rdma.LoopbackOptions{
			Latency: opts.LinkLatency,
		}))

		db.log(fmt.Sprintf("Memory server %d at [%#x, %#x)", i, srv.BaseAddress(), srv.BaseAddress()+srv.Capacity()))
	}

	db.fresh = db.servers[0].Fresh()
	db.meta = &metaManager{
		channel:    db.channels[0],
		addr:       opts.BaseAddress,
		recordSize: uint32(recordSize),
	}

	if db.fresh {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.meta.write(initCtx, &Metadata{RootAddress: node.NilAddress, Height: 0}); err != nil {
			db.teardown()
			return nil, fmt.Errorf("failed to initialize metadata record: %w", err)
		}
		db.log("Initialized empty tree metadata")
	}

	if opts.CacheSize > 0 {
		db.cache = cache.New(opts.CacheSize, cache.DefaultEvictRatio, cache.DefaultAccessWeight)
	}
	if opts.KeyFilter {
		if db.fresh {
			f, err := filter.New(opts.FilterCapacity, 0.01)
			if err != nil {
				db.teardown()
				return nil, err
			}
			db.filter = f
		} else {
			// Keys from earlier runs were never added to a filter, so a
			// reopened tree cannot arm one soundly
			db.log("Key filter requested but tree already exists, leaving it disabled")
		}
	}

	db.client = newClient(db)
	db.log(fmt.Sprintf("Compute server ready: fanout=%d, record=%d bytes, %d memory server(s)",
		opts.Fanout, recordSize, opts.MemoryNodes))

	return db, nil
}

// channelFor routes an address to the channel of the memory server whose
// space holds it
func (db *DB) channelFor(addr uint64) (rdma.Channel, error) {
	if addr < db.opts.BaseAddress {
		return nil, fmt.Errorf("address %#x below base %#x", addr, db.opts.BaseAddress)
	}
	idx := (addr - db.opts.BaseAddress) / db.opts.MemorySize
	if idx >= uint64(len(db.channels)) {
		return nil, fmt.Errorf("address %#x maps to memory server %d, only %d attached", addr, idx, len(db.channels))
	}
	return db.channels[idx], nil
}

// Search looks up key and returns its value, or ErrNotFound
func (db *DB) Search(ctx context.Context, key uint64) (uint64, error) {
	start := time.Now()
	value, err := db.client.Search(ctx, key)

	outcome := OutcomeFound
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = OutcomeNotFound
	case IsTimeout(err):
		outcome = OutcomeTimeout
	case err != nil:
		outcome = OutcomeError
	}

	latency := time.Since(start)
	db.stats.recordOutcome(outcome, latency)
	db.emitEvent(Event{Type: EventOperation, Op: "search", Key: key, Outcome: outcome, Latency: latency})

	return value, err
}

// Insert adds or updates a key/value pair
func (db *DB) Insert(ctx context.Context, key, value uint64) (Outcome, error) {
	start := time.Now()
	outcome, err := db.client.Insert(ctx, key, value)

	if err != nil {
		outcome = OutcomeError
		if IsTimeout(err) {
			outcome = OutcomeTimeout
		}
	}

	latency := time.Since(start)
	db.stats.recordOutcome(outcome, latency)
	db.emitEvent(Event{Type: EventOperation, Op: "insert", Key: key, Outcome: outcome, Latency: latency})

	return outcome, err
}

// Scan returns an ascending iterator over keys in [startKey, endKey]
func (db *DB) Scan(ctx context.Context, startKey, endKey uint64) (*Iterator, error) {
	return db.client.Scan(ctx, startKey, endKey)
}

// Metadata returns the current root pointer record
func (db *DB) Metadata(ctx context.Context) (*Metadata, error) {
	return db.meta.read(ctx)
}

// Stats returns a snapshot of the run counters
func (db *DB) Stats() StatsSnapshot {
	return db.stats.Snapshot()
}

// teardown closes whatever Open managed to wire, ignoring errors
func (db *DB) teardown() {
	for _, ch := range db.channels {
		_ = ch.Close()
	}
	for _, srv := range db.servers {
		_ = srv.Close()
	}
}

// Close shuts the channels down and releases the memory server files
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for _, ch := range db.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, srv := range db.servers {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	db.log("Closed")
	return firstErr
}
