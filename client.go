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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/disaggdb/disagg/node"
)

// Client is the compute-side B+tree engine. It holds no authoritative tree
// state: every operation starts from the remote metadata record and walks
// the tree through one-sided reads, so each step depends on the previous
// node's decoded content and runs as a chain of awaited remote round trips.
//
// The deployment assumption is a single writer per tree instance. Multiple
// operations may be in flight against the same store only when no two of
// them mutate overlapping nodes.
type Client struct {
	db *DB
}

// newClient wires a client over an opened DB
func newClient(db *DB) *Client {
	return &Client{db: db}
}

// readNode fetches and decodes the node at addr, consulting the optional
// read-through cache first
func (c *Client) readNode(ctx context.Context, addr uint64) (*node.Node, error) {
	if c.db.cache != nil {
		if n, ok := c.db.cache.Get(addr); ok {
			return n, nil
		}
	}

	ch, err := c.db.channelFor(addr)
	if err != nil {
		return nil, err
	}

	data, err := ch.ReadAsync(addr, uint32(c.db.codec.RecordSize())).Wait(ctx)
	if err != nil {
		return nil, wrapRemote("read", addr, err)
	}
	c.db.stats.addRead()

	n, err := c.db.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("node at %#x: %w", addr, err)
	}
	n.Address = addr

	if c.db.cache != nil {
		c.db.cache.Put(addr, n)
	}

	return n, nil
}

// writeNode encodes and writes a node back to its address. The cache entry
// is dropped before the write so no reader of this client ever trusts a
// node across a mutation it did not observe.
func (c *Client) writeNode(ctx context.Context, n *node.Node) error {
	rec, err := c.db.codec.Encode(n)
	if err != nil {
		return err
	}

	if c.db.cache != nil {
		c.db.cache.Invalidate(n.Address)
	}

	ch, err := c.db.channelFor(n.Address)
	if err != nil {
		return err
	}

	if _, err := ch.WriteAsync(n.Address, rec).Wait(ctx); err != nil {
		return wrapRemote("write", n.Address, err)
	}
	c.db.stats.addWrite()

	return nil
}

// alloc reserves a fresh node address, spreading placement across memory
// servers by hashing the key the node will be anchored on
func (c *Client) alloc(placementKey uint64) (uint64, error) {
	idx := 0
	if len(c.db.servers) > 1 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], placementKey)
		idx = int(xxhash.Sum64(buf[:]) % uint64(len(c.db.servers)))
	}
	return c.db.servers[idx].Alloc()
}

// descend walks from the root to the leaf covering key, returning the
// internal nodes on the path (root first) and the leaf. Each read awaits
// the previous node's content, so the walk is O(height) sequential round
// trips.
func (c *Client) descend(ctx context.Context, rootAddr uint64, key uint64) ([]*node.Node, *node.Node, error) {
	var path []*node.Node
	addr := rootAddr

	for {
		n, err := c.readNode(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		if n.IsLeaf() {
			return path, n, nil
		}
		path = append(path, n)
		addr = n.Children[n.ChildIndex(key)]
	}
}

// Search looks a key up, returning its value or ErrNotFound
func (c *Client) Search(ctx context.Context, key uint64) (uint64, error) {
	if c.db.filter != nil && !c.db.filter.Contains(key) {
		return 0, ErrNotFound
	}

	md, err := c.db.meta.read(ctx)
	if err != nil {
		return 0, err
	}
	if md.RootAddress == node.NilAddress {
		return 0, ErrNotFound
	}

	_, leaf, err := c.descend(ctx, md.RootAddress, key)
	if err != nil {
		return 0, err
	}

	if idx, ok := leaf.KeyIndex(key); ok {
		return leaf.Values[idx], nil
	}
	return 0, ErrNotFound
}

// Insert adds a key/value pair, overwriting the value when the key is
// already present. Duplicates are never stored as new entries.
func (c *Client) Insert(ctx context.Context, key, value uint64) (Outcome, error) {
	md, err := c.db.meta.read(ctx)
	if err != nil {
		return OutcomeError, err
	}

	// First insert into an empty tree materializes a leaf root; the
	// pointer write is last, as in every root change
	if md.RootAddress == node.NilAddress {
		addr, err := c.alloc(key)
		if err != nil {
			return OutcomeError, err
		}
		leaf := node.NewLeaf(addr)
		leaf.Keys = []uint64{key}
		leaf.Values = []uint64{value}

		if err := c.writeNode(ctx, leaf); err != nil {
			return OutcomeError, err
		}
		if err := c.db.meta.write(ctx, &Metadata{RootAddress: addr, Height: 1}); err != nil {
			return OutcomeError, err
		}

		c.recordInserted(key)
		return OutcomeInserted, nil
	}

	path, leaf, err := c.descend(ctx, md.RootAddress, key)
	if err != nil {
		return OutcomeError, err
	}

	// Existing key: overwrite in place. The key is recorded in the filter
	// here too: a split cut off after its leaf writes commits the key
	// without reaching the insert bookkeeping, and the retry lands on this
	// path, so skipping it would leave an acknowledged key invisible to
	// every later search.
	if idx, ok := leaf.KeyIndex(key); ok {
		leaf.Values[idx] = value
		if err := c.writeNode(ctx, leaf); err != nil {
			return OutcomeError, err
		}
		c.recordInserted(key)
		return OutcomeUpdated, nil
	}

	// Room in the leaf: sorted insert, single write
	if len(leaf.Keys) < c.db.codec.Fanout() {
		idx, _ := leaf.KeyIndex(key)
		leaf.Keys = insertAt(leaf.Keys, idx, key)
		leaf.Values = insertAt(leaf.Values, idx, value)
		if err := c.writeNode(ctx, leaf); err != nil {
			return OutcomeError, err
		}

		c.recordInserted(key)
		return OutcomeInserted, nil
	}

	if err := c.splitInsert(ctx, md, path, leaf, key, value); err != nil {
		return OutcomeError, err
	}

	c.recordInserted(key)
	return OutcomeInserted, nil
}

func (c *Client) recordInserted(key uint64) {
	if c.db.filter != nil {
		c.db.filter.Add(key)
	}
}

// splitPhase tags the state of an in-flight split propagation
type splitPhase int

const (
	phaseSplitLeaf splitPhase = iota
	phaseSplitInternal
	phaseGrowRoot
	phaseDone
)

// splitInsert runs the split protocol for a full leaf as an explicit loop
// over levels. At every level the new ("high") sibling is written first
// while nothing references it, then the retained ("low") node is truncated
// in place; a failure between the two leaves the tree externally unchanged,
// a failure after them leaves an unreferenced sibling and a parent that
// still routes every key to the retained node's pre-split key set. The
// Root/Metadata Pointer write, when the split grows the root, is strictly
// the last write of the protocol.
func (c *Client) splitInsert(ctx context.Context, md *Metadata, path []*node.Node, leaf *node.Node, key, value uint64) error {
	fanout := c.db.codec.Fanout()

	phase := phaseSplitLeaf
	parents := path

	var sep uint64     // Separator key to push into the level above
	var newAddr uint64 // Address of the sibling the separator points at
	var oldAddr uint64 // Address of the node that retained the low half
	level := 0         // Leaf level is 0 in split notifications

	for phase != phaseDone {
		switch phase {
		case phaseSplitLeaf:
			idx, _ := leaf.KeyIndex(key)
			keys := insertAt(leaf.Keys, idx, key)
			values := insertAt(leaf.Values, idx, value)
			mid := len(keys) / 2

			rightAddr, err := c.alloc(keys[mid])
			if err != nil {
				return err
			}

			right := node.NewLeaf(rightAddr)
			right.Keys = keys[mid:]
			right.Values = values[mid:]
			right.NextLeaf = leaf.NextLeaf

			// Phase 1: the new leaf is unreferenced until the parent update
			if err := c.writeNode(ctx, right); err != nil {
				return err
			}

			// Phase 2: truncate the old leaf in place, linking the chain
			leaf.Keys = keys[:mid]
			leaf.Values = values[:mid]
			leaf.NextLeaf = rightAddr
			if err := c.writeNode(ctx, leaf); err != nil {
				return err
			}

			c.db.stats.addSplit()
			c.db.emitEvent(Event{Type: EventSplit, Level: level, OldAddress: leaf.Address, NewAddress: rightAddr})

			sep = right.Keys[0]
			newAddr = rightAddr
			oldAddr = leaf.Address
			level = 1

			if len(parents) == 0 {
				phase = phaseGrowRoot
			} else {
				phase = phaseSplitInternal
			}

		case phaseSplitInternal:
			parent := parents[len(parents)-1]
			parents = parents[:len(parents)-1]
			idx := parent.ChildIndex(sep)

			// Parent has room: insert the separator and finish
			if len(parent.Keys) < fanout-1 {
				parent.Keys = insertAt(parent.Keys, idx, sep)
				parent.Children = insertAt(parent.Children, idx+1, newAddr)
				if err := c.writeNode(ctx, parent); err != nil {
					return err
				}
				phase = phaseDone
				break
			}

			// Parent overflows: split it around the median and promote the
			// next separator one level further up
			keys := insertAt(parent.Keys, idx, sep)
			children := insertAt(parent.Children, idx+1, newAddr)
			mid := len(keys) / 2
			promoted := keys[mid]

			rightAddr, err := c.alloc(promoted)
			if err != nil {
				return err
			}
			right := node.NewInternal(rightAddr, keys[mid+1:], children[mid+1:])

			if err := c.writeNode(ctx, right); err != nil {
				return err
			}

			parent.Keys = keys[:mid]
			parent.Children = children[:mid+1]
			if err := c.writeNode(ctx, parent); err != nil {
				return err
			}

			c.db.stats.addSplit()
			c.db.emitEvent(Event{Type: EventSplit, Level: level, OldAddress: parent.Address, NewAddress: rightAddr})

			sep = promoted
			newAddr = rightAddr
			oldAddr = parent.Address
			level++

			if len(parents) == 0 {
				phase = phaseGrowRoot
			}

		case phaseGrowRoot:
			rootAddr, err := c.alloc(sep)
			if err != nil {
				return err
			}
			newRoot := node.NewInternal(rootAddr, []uint64{sep}, []uint64{oldAddr, newAddr})

			if err := c.writeNode(ctx, newRoot); err != nil {
				return err
			}

			// The pointer update comes after every node write of the split,
			// so any reader consulting it mid-protocol still sees a
			// structurally valid, if older, tree
			if err := c.db.meta.write(ctx, &Metadata{RootAddress: rootAddr, Height: md.Height + 1}); err != nil {
				return err
			}

			c.db.stats.addRootGrown()
			c.db.emitEvent(Event{Type: EventGrowRoot, Level: level, OldAddress: md.RootAddress, NewAddress: rootAddr})

			phase = phaseDone
		}
	}

	return nil
}

// insertAt returns a fresh slice with v inserted at position idx
func insertAt(s []uint64, idx int, v uint64) []uint64 {
	out := make([]uint64, 0, len(s)+1)
	out = append(out, s[:idx]...)
	out = append(out, v)
	out = append(out, s[idx:]...)
	return out
}
