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

	"github.com/disaggdb/disagg/node"
)

// Iterator walks a key range in ascending order by following the leaf chain.
// Every leaf hop is a remote read, so iteration can fail mid-stream; a failed
// hop leaves the iterator invalid with Err set.
type Iterator struct {
	client      *Client
	ctx         context.Context
	endKey      uint64
	currentLeaf *node.Node
	currentIdx  int
	finished    bool
	err         error
}

// Scan positions an iterator at the first key >= startKey and bounds it at
// endKey inclusive
func (c *Client) Scan(ctx context.Context, startKey, endKey uint64) (*Iterator, error) {
	iter := &Iterator{
		client: c,
		ctx:    ctx,
		endKey: endKey,
	}

	md, err := c.db.meta.read(ctx)
	if err != nil {
		return nil, err
	}
	if md.RootAddress == node.NilAddress {
		iter.finished = true
		return iter, nil
	}

	_, leaf, err := c.descend(ctx, md.RootAddress, startKey)
	if err != nil {
		return nil, err
	}

	// KeyIndex reports the insert position when the key is absent, which is
	// the first key greater than startKey
	iter.currentLeaf = leaf
	iter.currentIdx, _ = leaf.KeyIndex(startKey)
	iter.settle()

	return iter, nil
}

// settle advances past exhausted leaves and checks the end bound, leaving the
// iterator either on a valid entry or finished
func (iter *Iterator) settle() {
	for iter.currentLeaf != nil && iter.currentIdx >= len(iter.currentLeaf.Keys) {
		if !iter.hopLeaf() {
			return
		}
	}
	if iter.currentLeaf == nil {
		iter.finished = true
		return
	}
	if iter.currentLeaf.Keys[iter.currentIdx] > iter.endKey {
		iter.finished = true
	}
}

// hopLeaf follows the leaf chain one link; returns false on chain end or error
func (iter *Iterator) hopLeaf() bool {
	next := iter.currentLeaf.NextLeaf
	if next == node.NilAddress {
		iter.currentLeaf = nil
		iter.finished = true
		return false
	}

	leaf, err := iter.client.readNode(iter.ctx, next)
	if err != nil {
		iter.err = err
		iter.currentLeaf = nil
		iter.finished = true
		return false
	}

	iter.currentLeaf = leaf
	iter.currentIdx = 0
	return true
}

// Valid reports whether the iterator is positioned on an entry
func (iter *Iterator) Valid() bool {
	return !iter.finished
}

// Key returns the key at the current position.  Only valid when Valid()
func (iter *Iterator) Key() uint64 {
	return iter.currentLeaf.Keys[iter.currentIdx]
}

// Value returns the value at the current position.  Only valid when Valid()
func (iter *Iterator) Value() uint64 {
	return iter.currentLeaf.Values[iter.currentIdx]
}

// Next advances to the following entry, returning false when the range or the
// leaf chain is exhausted, or when a remote read failed (check Err)
func (iter *Iterator) Next() bool {
	if iter.finished {
		return false
	}
	iter.currentIdx++
	iter.settle()
	return !iter.finished
}

// Err returns the remote read error that stopped iteration, if any
func (iter *Iterator) Err() error {
	return iter.err
}
