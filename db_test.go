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
	"os"
	"testing"

	"github.com/disaggdb/disagg/node"
)

// openTestDB opens a DB in a temp directory, applying mutate to the options
// before Open
func openTestDB(t *testing.T, mutate func(*Options)) *DB {
	t.Helper()

	dir, err := os.MkdirTemp("", "disagg_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	opts := &Options{
		Directory:  dir,
		Fanout:     4,
		MemorySize: 256 * 1024,
	}
	if mutate != nil {
		mutate(opts)
	}

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestOpen(t *testing.T) {
	dir, err := os.MkdirTemp("", "disagg_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// Create a log channel
	logChannel := make(chan string, 100)

	opts := &Options{
		Directory:  dir,
		LogChannel: logChannel,
	}

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Defaults fill in everything left zero
	if opts.Fanout != DefaultFanout {
		t.Fatalf("Expected default fanout %d, got %d", DefaultFanout, opts.Fanout)
	}
	if opts.BaseAddress != DefaultBaseAddress {
		t.Fatalf("Expected default base address %#x, got %#x", DefaultBaseAddress, opts.BaseAddress)
	}
	if opts.MemoryNodes != DefaultMemoryNodes {
		t.Fatalf("Expected default memory nodes %d, got %d", DefaultMemoryNodes, opts.MemoryNodes)
	}

	// The backing file for memory server 0 exists
	if _, err := os.Stat(opts.Directory + MemoryFilePrefix + "0.dat"); err != nil {
		t.Fatalf("Memory server backing file missing: %v", err)
	}

	select {
	case msg := <-logChannel:
		t.Logf("Log message: %s", msg)
	default:
		t.Fatal("Expected at least one log message")
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Fatal("Expected error for nil options")
	}
	if _, err := Open(&Options{}); err == nil {
		t.Fatal("Expected error for empty directory")
	}
	if _, err := Open(&Options{Directory: "d", Fanout: 2}); err == nil {
		t.Fatal("Expected error for fanout below 3")
	}
	if _, err := Open(&Options{Directory: "d", ReadRatio: 1.5}); err == nil {
		t.Fatal("Expected error for read ratio above 1")
	}
	if _, err := Open(&Options{Directory: "d", MemoryNodes: MaxMemoryNodes + 1}); err == nil {
		t.Fatal("Expected error for too many memory nodes")
	}
	if _, err := Open(&Options{Directory: "d", MemorySize: 512}); err == nil {
		t.Fatal("Expected error for memory size below two records")
	}
}

func TestEmptyTreeSearch(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	_, err := db.Search(ctx, 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	// An empty tree answers from the metadata record alone, no node reads
	if reads := db.Stats().RemoteReads; reads != 0 {
		t.Fatalf("Expected no node reads on an empty tree, got %d", reads)
	}

	md, err := db.Metadata(ctx)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	if md.RootAddress != node.NilAddress || md.Height != 0 {
		t.Fatalf("Empty tree metadata should be nil root at height 0, got %#x at %d", md.RootAddress, md.Height)
	}
}

func TestReopenPersistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "disagg_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	opts := func() *Options {
		return &Options{Directory: dir, Fanout: 4, MemorySize: 256 * 1024}
	}

	db, err := Open(opts())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	ctx := context.Background()
	for key := uint64(0); key < 50; key++ {
		if _, err := db.Insert(ctx, key, key*10); err != nil {
			t.Fatalf("Failed to insert %d: %v", key, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db, err = Open(opts())
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	for key := uint64(0); key < 50; key++ {
		value, err := db.Search(ctx, key)
		if err != nil {
			t.Fatalf("Key %d lost across reopen: %v", key, err)
		}
		if value != key*10 {
			t.Fatalf("Key %d has value %d after reopen, expected %d", key, value, key*10)
		}
	}
}

func TestCorruptNodeSurfaces(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	if _, err := db.Insert(ctx, 1, 1); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	md, err := db.Metadata(ctx)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}

	// Scribble over the root record behind the engine's back
	garbage := make([]byte, db.codec.RecordSize())
	for i := range garbage {
		garbage[i] = 0xEE
	}
	if err := db.servers[0].WriteAt(md.RootAddress, garbage); err != nil {
		t.Fatalf("Failed to corrupt root: %v", err)
	}

	_, err = db.Search(ctx, 1)
	if !IsCorrupt(err) {
		t.Fatalf("Expected a corrupt-node error, got %v", err)
	}
}

func TestOperationEvents(t *testing.T) {
	events := make(chan Event, 100)
	db := openTestDB(t, func(opts *Options) {
		opts.Events = events
	})

	ctx := context.Background()
	if _, err := db.Insert(ctx, 1, 10); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	if _, err := db.Search(ctx, 1); err != nil {
		t.Fatalf("Failed to search: %v", err)
	}

	var sawInsert, sawSearch bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type != EventOperation {
			continue
		}
		switch ev.Op {
		case "insert":
			sawInsert = ev.Outcome == OutcomeInserted
		case "search":
			sawSearch = ev.Outcome == OutcomeFound
		}
	}
	if !sawInsert || !sawSearch {
		t.Fatal("Expected insert and search completion events")
	}
}

func TestStatsCounting(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	for key := uint64(0); key < 10; key++ {
		if _, err := db.Insert(ctx, key, key); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	if _, err := db.Insert(ctx, 5, 99); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if _, err := db.Search(ctx, 5); err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if _, err := db.Search(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	// The inserts bucket counts every insert operation, updates included
	stats := db.Stats()
	if stats.Inserts != 11 {
		t.Fatalf("Expected 11 inserts, got %d", stats.Inserts)
	}
	if stats.Updates != 1 {
		t.Fatalf("Expected 1 update, got %d", stats.Updates)
	}
	if stats.Searches != 2 {
		t.Fatalf("Expected 2 searches, got %d", stats.Searches)
	}
	if stats.NotFound != 1 {
		t.Fatalf("Expected 1 not-found, got %d", stats.NotFound)
	}
	if stats.RemoteWrites == 0 {
		t.Fatal("Expected remote writes to be counted")
	}
	if stats.Completed != 13 {
		t.Fatalf("Expected 13 completed operations, got %d", stats.Completed)
	}
}
