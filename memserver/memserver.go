// Package memserver
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
package memserver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"
)

const MagicNumber = uint32(0x4D454D53) // "MEMS"
const Version = uint32(1)
const DefaultBlockSize = uint32(512)

// ErrAddressSpaceFull is returned by Alloc once the server's capacity is
// exhausted. Addresses are never reclaimed, so there is no recovery short of
// a larger address space.
var ErrAddressSpaceFull = errors.New("memory server address space exhausted")

// SyncOption defines the synchronization options for the backing file
type SyncOption int

const (
	SyncNone    SyncOption = iota // Don't sync at all
	SyncFull                      // Sync after every write
	SyncPartial                   // Sync in the background at intervals
)

// Header represents the header of the backing file
type Header struct {
	CRC         uint32 // CRC32 checksum of the header
	MagicNumber uint32 // Magic number to identify the file format
	Version     uint32 // Version of the file format
	BlockSize   uint32 // Block granularity records are rounded to
	RecordSize  uint32 // Size of each node record in bytes
	BaseAddress uint64 // First address of this server's space
	Capacity    uint64 // Size of the address space in bytes
	Watermark   uint64 // Next record index the allocator will hand out
}

// Config carries the address-space geometry a server is opened with. An
// existing file must match it exactly.
type Config struct {
	BlockSize    uint32        // Defaults to DefaultBlockSize
	RecordSize   uint32        // Fixed node record size, multiple of BlockSize
	BaseAddress  uint64        // First address of the space
	Capacity     uint64        // Bytes of address space
	Reserved     uint64        // Record slots reserved at the front of the space
	Sync         SyncOption    // Synchronization option
	SyncInterval time.Duration // Interval for background sync (if applicable)
}

// Server presents one memory server's address space as a byte-addressed
// store of fixed-size node records. It performs no tree logic; addresses are
// handed out monotonically and never reused for the lifetime of the space.
type Server struct {
	cfg       Config
	file      *os.File
	fd        uintptr
	fresh     bool // True if Open created the address space
	mu        sync.Mutex
	watermark uint64
	closeCh   chan struct{}
	wg        *sync.WaitGroup
}

var headerSize = binary.Size(Header{})

// Open opens or creates the backing file for one memory server's address
// space. A non-empty file must carry a header matching cfg.
func Open(path string, flag int, perm os.FileMode, cfg Config) (*Server, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.RecordSize == 0 || cfg.RecordSize%cfg.BlockSize != 0 {
		return nil, fmt.Errorf("record size %d is not a multiple of block size %d", cfg.RecordSize, cfg.BlockSize)
	}
	if cfg.Capacity < uint64(cfg.RecordSize)*(cfg.Reserved+1) {
		return nil, fmt.Errorf("capacity %d cannot hold a single record past the reserved region", cfg.Capacity)
	}

	file, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	stats, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		file:    file,
		fd:      file.Fd(),
		closeCh: make(chan struct{}),
		wg:      &sync.WaitGroup{},
	}

	if stats.Size() == 0 {
		srv.fresh = true
		srv.watermark = cfg.Reserved
		if err := srv.writeHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else {
		header, err := srv.readHeader()
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if header.BlockSize != cfg.BlockSize || header.RecordSize != cfg.RecordSize ||
			header.BaseAddress != cfg.BaseAddress || header.Capacity != cfg.Capacity {
			_ = file.Close()
			return nil, fmt.Errorf("existing address space geometry does not match: record %d base %#x capacity %d",
				header.RecordSize, header.BaseAddress, header.Capacity)
		}
		srv.watermark = header.Watermark
	}

	if cfg.Sync == SyncPartial {
		srv.wg.Add(1)
		go srv.backgroundSync()
	}

	return srv, nil
}

// Fresh reports whether Open created this address space rather than
// reopening an existing one.
func (srv *Server) Fresh() bool {
	return srv.fresh
}

// BaseAddress returns the first address of this server's space
func (srv *Server) BaseAddress() uint64 {
	return srv.cfg.BaseAddress
}

// Capacity returns the size of the address space in bytes
func (srv *Server) Capacity() uint64 {
	return srv.cfg.Capacity
}

// RecordSize returns the fixed node record size
func (srv *Server) RecordSize() uint32 {
	return srv.cfg.RecordSize
}

// writeHeader writes the file header, including the allocation watermark
func (srv *Server) writeHeader() error {
	header := Header{
		MagicNumber: MagicNumber,
		Version:     Version,
		BlockSize:   srv.cfg.BlockSize,
		RecordSize:  srv.cfg.RecordSize,
		BaseAddress: srv.cfg.BaseAddress,
		Capacity:    srv.cfg.Capacity,
		Watermark:   srv.watermark,
	}

	buf := new(bytes.Buffer)
	header.CRC = 0
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return err
	}
	header.CRC = crc32.ChecksumIEEE(buf.Bytes())

	buf.Reset()
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return err
	}

	_, err := pwrite(srv.fd, buf.Bytes(), 0)
	return err
}

// readHeader reads and validates the file header
func (srv *Server) readHeader() (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := pread(srv.fd, buf, 0); err != nil {
		return nil, err
	}

	var header Header
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header); err != nil {
		return nil, err
	}

	expectedCRC := header.CRC
	header.CRC = 0
	withoutCRC := new(bytes.Buffer)
	if err := binary.Write(withoutCRC, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if expectedCRC != crc32.ChecksumIEEE(withoutCRC.Bytes()) {
		return nil, errors.New("header CRC mismatch")
	}

	if header.MagicNumber != MagicNumber {
		return nil, errors.New("invalid magic number")
	}
	if header.Version != Version {
		return nil, errors.New("unsupported version")
	}

	return &header, nil
}

// backgroundSync performs periodic synchronization of the file to disk
func (srv *Server) backgroundSync() {
	defer srv.wg.Done()

	if srv.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(srv.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = Fdatasync(srv.fd)
		case <-srv.closeCh:
			return
		}
	}
}

// offsetFor translates an address in the server's space to a file offset
func (srv *Server) offsetFor(addr uint64, length uint64) (int64, error) {
	if addr < srv.cfg.BaseAddress || addr+length > srv.cfg.BaseAddress+srv.cfg.Capacity {
		return 0, fmt.Errorf("address %#x (+%d) outside space [%#x, %#x)",
			addr, length, srv.cfg.BaseAddress, srv.cfg.BaseAddress+srv.cfg.Capacity)
	}
	return int64(headerSize) + int64(addr-srv.cfg.BaseAddress), nil
}

// ReadAt reads length bytes at the given address
func (srv *Server) ReadAt(addr uint64, length uint32) ([]byte, error) {
	offset, err := srv.offsetFor(addr, uint64(length))
	if err != nil {
		return nil, err
	}

	// Reads past the written extent come back short; the rest of the
	// buffer stays zero, matching never-written memory
	buf := make([]byte, length)
	if _, err := pread(srv.fd, buf, offset); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteAt writes data at the given address
func (srv *Server) WriteAt(addr uint64, data []byte) error {
	offset, err := srv.offsetFor(addr, uint64(len(data)))
	if err != nil {
		return err
	}

	n, err := pwrite(srv.fd, data, offset)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write at %#x: wrote %d of %d bytes", addr, n, len(data))
	}

	if srv.cfg.Sync == SyncFull {
		_ = Fdatasync(srv.fd)
	}

	return nil
}

// Alloc hands out the next record address. Allocation is monotonic and
// collision-free: no address is reused while the space lives. The watermark
// is persisted in the header so reopened spaces keep allocating past it.
func (srv *Server) Alloc() (uint64, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	next := srv.watermark
	if (next+1)*uint64(srv.cfg.RecordSize) > srv.cfg.Capacity {
		return 0, ErrAddressSpaceFull
	}

	srv.watermark = next + 1
	if err := srv.writeHeader(); err != nil {
		srv.watermark = next
		return 0, err
	}

	return srv.cfg.BaseAddress + next*uint64(srv.cfg.RecordSize), nil
}

// Close flushes the header and releases the backing file
func (srv *Server) Close() error {
	select {
	case <-srv.closeCh:
	default:
		close(srv.closeCh)
	}

	srv.wg.Wait()

	if srv.file != nil {
		srv.mu.Lock()
		err := srv.writeHeader()
		srv.mu.Unlock()
		if err != nil {
			_ = srv.file.Close()
			return err
		}
		_ = Fdatasync(srv.fd)
		return srv.file.Close()
	}

	return nil
}
