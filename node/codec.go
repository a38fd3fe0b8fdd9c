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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const Magic = uint32(0x44534254) // "DSBT"

// recordHeader sits at a fixed offset so a record can be decoded without
// prior knowledge of the node's type. CRC covers the whole record with the
// CRC field zeroed.
type recordHeader struct {
	CRC         uint32
	Magic       uint32
	Kind        uint32
	NumKeys     uint32
	NumChildren uint32
	NextLeaf    uint64
}

// CorruptNodeError reports a record that failed structural validation on
// decode. The record's own bytes are untrustworthy, so the failure is fatal
// to the operation and never retried.
type CorruptNodeError struct {
	Reason string
}

func (e *CorruptNodeError) Error() string {
	return fmt.Sprintf("corrupt node record: %s", e.Reason)
}

func corruptf(format string, args ...interface{}) error {
	return &CorruptNodeError{Reason: fmt.Sprintf(format, args...)}
}

// Codec maps nodes to and from fixed-size wire records. The record holds the
// header, fanout key slots, and fanout+1 shared slots used as values by
// leaves and child addresses by internal nodes, rounded up to the configured
// block size. Unused slots are zero-filled and ignored on decode.
type Codec struct {
	fanout     int
	recordSize int
}

// headerSize is the encoded size of recordHeader
var headerSize = binary.Size(recordHeader{})

// NewCodec creates a codec for the given fanout, rounding the record size up
// to a multiple of blockSize.
func NewCodec(fanout int, blockSize int) (*Codec, error) {
	if fanout < 3 {
		return nil, errors.New("fanout must be at least 3")
	}
	if blockSize <= 0 {
		return nil, errors.New("block size must be positive")
	}

	raw := headerSize + fanout*8 + (fanout+1)*8
	recordSize := ((raw + blockSize - 1) / blockSize) * blockSize

	return &Codec{
		fanout:     fanout,
		recordSize: recordSize,
	}, nil
}

// RecordSize returns the fixed on-wire size of one node record
func (c *Codec) RecordSize() int {
	return c.recordSize
}

// Fanout returns the fanout the codec was built for
func (c *Codec) Fanout() int {
	return c.fanout
}

// Encode serializes a node into a fresh record of RecordSize bytes
func (c *Codec) Encode(n *Node) ([]byte, error) {
	if err := n.Validate(c.fanout); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid node: %w", err)
	}

	header := recordHeader{
		Magic:       Magic,
		Kind:        uint32(n.Kind),
		NumKeys:     uint32(len(n.Keys)),
		NumChildren: uint32(len(n.Children)),
		NextLeaf:    n.NextLeaf,
	}

	rec := make([]byte, c.recordSize)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	copy(rec, buf.Bytes())

	keyBase := headerSize
	for i, k := range n.Keys {
		binary.LittleEndian.PutUint64(rec[keyBase+i*8:], k)
	}

	slotBase := keyBase + c.fanout*8
	if n.Kind == Leaf {
		for i, v := range n.Values {
			binary.LittleEndian.PutUint64(rec[slotBase+i*8:], v)
		}
	} else {
		for i, child := range n.Children {
			binary.LittleEndian.PutUint64(rec[slotBase+i*8:], child)
		}
	}

	// Checksum the record with the CRC field zeroed, then stamp it in
	crc := crc32.ChecksumIEEE(rec)
	binary.LittleEndian.PutUint32(rec, crc)

	return rec, nil
}

// Decode deserializes a record into a node. The node's Address is not part
// of the wire format; the caller sets it from the address it read.
func (c *Codec) Decode(rec []byte) (*Node, error) {
	if len(rec) != c.recordSize {
		return nil, corruptf("record is %d bytes, expected %d", len(rec), c.recordSize)
	}

	var header recordHeader
	if err := binary.Read(bytes.NewReader(rec[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, corruptf("unreadable header: %v", err)
	}

	// Verify the CRC over the record with the CRC field zeroed
	scratch := make([]byte, 4)
	copy(scratch, rec[:4])
	binary.LittleEndian.PutUint32(rec, 0)
	calculated := crc32.ChecksumIEEE(rec)
	copy(rec, scratch)

	if header.CRC != calculated {
		return nil, corruptf("CRC mismatch: header %08x, calculated %08x", header.CRC, calculated)
	}
	if header.Magic != Magic {
		return nil, corruptf("bad magic %08x", header.Magic)
	}

	kind := Kind(header.Kind)
	switch kind {
	case Leaf:
		// A stored leaf always holds at least one key: the engine never
		// writes an empty one (an empty tree has no root record at all)
		if header.NumKeys == 0 {
			return nil, corruptf("leaf record declares no keys")
		}
		if header.NumKeys > uint32(c.fanout) {
			return nil, corruptf("leaf declares %d keys, fanout is %d", header.NumKeys, c.fanout)
		}
		if header.NumChildren != 0 {
			return nil, corruptf("leaf declares %d children", header.NumChildren)
		}
	case Internal:
		if header.NumKeys == 0 || header.NumKeys > uint32(c.fanout-1) {
			return nil, corruptf("internal node declares %d keys, max is %d", header.NumKeys, c.fanout-1)
		}
		if header.NumChildren != header.NumKeys+1 {
			return nil, corruptf("internal node declares %d children for %d keys", header.NumChildren, header.NumKeys)
		}
	default:
		return nil, corruptf("out-of-range kind tag %d", header.Kind)
	}

	n := &Node{
		Kind:     kind,
		Keys:     make([]uint64, header.NumKeys),
		NextLeaf: header.NextLeaf,
	}

	keyBase := headerSize
	for i := range n.Keys {
		n.Keys[i] = binary.LittleEndian.Uint64(rec[keyBase+i*8:])
	}

	slotBase := keyBase + c.fanout*8
	if kind == Leaf {
		n.Values = make([]uint64, header.NumKeys)
		for i := range n.Values {
			n.Values[i] = binary.LittleEndian.Uint64(rec[slotBase+i*8:])
		}
	} else {
		n.Children = make([]uint64, header.NumChildren)
		for i := range n.Children {
			n.Children[i] = binary.LittleEndian.Uint64(rec[slotBase+i*8:])
		}
	}

	if err := n.Validate(c.fanout); err != nil {
		return nil, corruptf("%v", err)
	}

	return n, nil
}
