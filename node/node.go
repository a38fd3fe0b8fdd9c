// Package node
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
package node

import (
	"fmt"
	"sort"
)

// Kind tags a node as leaf or internal in the wire header
type Kind uint32

const (
	Leaf Kind = iota + 1
	Internal
)

// NilAddress marks an absent node reference (no next leaf, empty tree root)
const NilAddress = uint64(0)

// Node is the unit of remote storage. A leaf holds up to fanout keys with
// parallel values and a link to the next leaf in key order; an internal node
// holds up to fanout-1 separator keys and len(Keys)+1 child addresses.
type Node struct {
	Kind     Kind     // Leaf or Internal
	Keys     []uint64 // Sorted ascending, no duplicates
	Values   []uint64 // Leaf only, parallel to Keys
	Children []uint64 // Internal only, child addresses, len(Keys)+1
	NextLeaf uint64   // Leaf only, address of the next leaf or NilAddress
	Address  uint64   // Remote address this node occupies, immutable for its lifetime
}

// NewLeaf creates an empty leaf node
func NewLeaf(address uint64) *Node {
	return &Node{
		Kind:     Leaf,
		Keys:     make([]uint64, 0),
		Values:   make([]uint64, 0),
		NextLeaf: NilAddress,
		Address:  address,
	}
}

// NewInternal creates an internal node from separator keys and child addresses
func NewInternal(address uint64, keys, children []uint64) *Node {
	return &Node{
		Kind:     Internal,
		Keys:     keys,
		Children: children,
		Address:  address,
	}
}

// IsLeaf reports whether the node is a leaf
func (n *Node) IsLeaf() bool {
	return n.Kind == Leaf
}

// ChildIndex returns the index of the child subtree covering key.
// Separator semantics: children[i] holds keys < keys[i]; the last child
// holds keys >= the last separator.
func (n *Node) ChildIndex(key uint64) int {
	return sort.Search(len(n.Keys), func(i int) bool {
		return key < n.Keys[i]
	})
}

// KeyIndex returns the position of key in the node and whether it is present
func (n *Node) KeyIndex(key uint64) (int, bool) {
	idx := sort.Search(len(n.Keys), func(i int) bool {
		return n.Keys[i] >= key
	})
	return idx, idx < len(n.Keys) && n.Keys[idx] == key
}

// Validate checks the structural invariants a node must satisfy for the given
// fanout. It is applied to every decoded record and to nodes about to be
// written back.
func (n *Node) Validate(fanout int) error {
	switch n.Kind {
	case Leaf:
		if len(n.Keys) > fanout {
			return fmt.Errorf("leaf holds %d keys, fanout is %d", len(n.Keys), fanout)
		}
		if len(n.Values) != len(n.Keys) {
			return fmt.Errorf("leaf has %d values for %d keys", len(n.Values), len(n.Keys))
		}
		if len(n.Children) != 0 {
			return fmt.Errorf("leaf carries %d children", len(n.Children))
		}
	case Internal:
		if len(n.Keys) == 0 {
			return fmt.Errorf("internal node has no separator keys")
		}
		if len(n.Keys) > fanout-1 {
			return fmt.Errorf("internal node holds %d keys, max is %d", len(n.Keys), fanout-1)
		}
		if len(n.Children) != len(n.Keys)+1 {
			return fmt.Errorf("internal node has %d children for %d keys", len(n.Children), len(n.Keys))
		}
	default:
		return fmt.Errorf("unknown node kind %d", n.Kind)
	}

	for i := 1; i < len(n.Keys); i++ {
		if n.Keys[i] <= n.Keys[i-1] {
			return fmt.Errorf("keys not strictly ascending at position %d", i)
		}
	}

	return nil
}
