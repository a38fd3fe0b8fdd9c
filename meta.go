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

	"go.mongodb.org/mongo-driver/bson"

	"github.com/disaggdb/disagg/rdma"
)

// Metadata is the Root/Metadata Pointer: the single authoritative record
// naming the current root address and tree height (leaf level = height 1,
// empty tree = height 0 with a nil root). It occupies the reserved record at
// the base of memory server 0 and is consulted at the start of every
// operation; it is written only at first initialization and when a split
// grows the root.
type Metadata struct {
	RootAddress uint64 `bson:"root_address"`
	Height      uint32 `bson:"height"`
}

// metaManager reads and writes the metadata record over the channel to
// memory server 0. Writes are never overlapped: the single-writer deployment
// assumption makes the record atomic from the client's view.
type metaManager struct {
	channel    rdma.Channel
	addr       uint64
	recordSize uint32
}

// read fetches and decodes the metadata record
func (m *metaManager) read(ctx context.Context) (*Metadata, error) {
	fut := m.channel.ReadAsync(m.addr, m.recordSize)
	data, err := fut.Wait(ctx)
	if err != nil {
		return nil, wrapRemote("read", m.addr, err)
	}

	// The record is zero-padded to record size; a length frame keeps the
	// padding away from the bson parser
	if len(data) < 4 {
		return nil, fmt.Errorf("metadata record truncated to %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint32(data)
	if length == 0 || int(length) > len(data)-4 {
		return nil, fmt.Errorf("metadata record declares invalid payload length %d", length)
	}

	var md Metadata
	if err := bson.Unmarshal(data[4:4+length], &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata record: %w", err)
	}

	return &md, nil
}

// write encodes and stores the metadata record. In a root-growing split this
// is the single write applied last, after every node write, so a concurrent
// reader of the pointer always sees a structurally valid tree.
func (m *metaManager) write(ctx context.Context, md *Metadata) error {
	payload, err := bson.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode metadata record: %w", err)
	}
	if len(payload)+4 > int(m.recordSize) {
		return fmt.Errorf("metadata payload of %d bytes exceeds record size %d", len(payload), m.recordSize)
	}

	rec := make([]byte, m.recordSize)
	binary.LittleEndian.PutUint32(rec, uint32(len(payload)))
	copy(rec[4:], payload)

	fut := m.channel.WriteAsync(m.addr, rec)
	if _, err := fut.Wait(ctx); err != nil {
		return wrapRemote("write", m.addr, err)
	}

	return nil
}
