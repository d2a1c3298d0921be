// Package paging implements PagedFile: a random-access file carved into
// fixed-size 4 KiB pages, with LIFO-pooled free-page allocation and
// zero-copy transmission to a client socket where the runtime supports
// it. One PagedFile backs one channel's content file (see internal/store
// fname layout); all of a channel's MessageBuffer instances share the
// single handle, per the concurrency model's shared-resource rule.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package paging

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
)

const (
	// PageSize is the fixed slot size of the content file.
	PageSize = 4096
	// ChunkPages is how many pages the file grows by at a time.
	ChunkPages = 50
	// MinFileSize is the minimum size a freshly created content file is
	// grown to (ChunkPages * PageSize).
	MinFileSize = ChunkPages * PageSize
)

// PageIdx is a page index within the content file (0-based).
type PageIdx uint32

var ErrOutOfRange = errors.New("paging: offset/length exceeds page bounds")

// PagedFile is the per-channel content file.
type PagedFile struct {
	mu       sync.Mutex
	file     *os.File
	numPages int64
	free     []PageIdx // LIFO
}

// Open opens (creating if necessary) the content file at path, aligns its
// size up to a whole number of pages, and repopulates the free pool with
// every page index — message payloads are never persisted across a
// restart (non-goal), so every page found on disk at boot is free.
func Open(path string) (*PagedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	pf := &PagedFile{file: f}
	if err := pf.alignAndReset(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *PagedFile) alignAndReset() error {
	info, err := pf.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < MinFileSize {
		size = MinFileSize
	} else if rem := size % PageSize; rem != 0 {
		size += PageSize - rem
	}
	if err := pf.file.Truncate(size); err != nil {
		return err
	}
	pf.numPages = size / PageSize
	pf.free = make([]PageIdx, pf.numPages)
	for i := int64(0); i < pf.numPages; i++ {
		pf.free[i] = PageIdx(pf.numPages - 1 - i) // pop order irrelevant, but keep ascending on pop
	}
	return nil
}

// Allocate pops a free page, growing the file by ChunkPages if the free
// pool is empty.
func (pf *PagedFile) Allocate() (PageIdx, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if len(pf.free) == 0 {
		if err := pf.grow(); err != nil {
			return 0, err
		}
	}
	n := len(pf.free) - 1
	idx := pf.free[n]
	pf.free = pf.free[:n]
	return idx, nil
}

func (pf *PagedFile) grow() error {
	newNumPages := pf.numPages + ChunkPages
	if err := pf.file.Truncate(newNumPages * PageSize); err != nil {
		return err
	}
	for i := newNumPages - 1; i >= pf.numPages; i-- {
		pf.free = append(pf.free, PageIdx(i)) // descending, so pops come out ascending
	}
	pf.numPages = newNumPages
	return nil
}

// Free returns a page index to the pool.
func (pf *PagedFile) Free(idx PageIdx) {
	pf.mu.Lock()
	pf.free = append(pf.free, idx)
	pf.mu.Unlock()
}

func (pf *PagedFile) checkBounds(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > PageSize {
		return ErrOutOfRange
	}
	return nil
}

// Write writes data at offset within page idx.
func (pf *PagedFile) Write(idx PageIdx, offset int, data []byte) error {
	if err := pf.checkBounds(offset, len(data)); err != nil {
		return err
	}
	_, err := pf.file.WriteAt(data, int64(idx)*PageSize+int64(offset))
	return err
}

// Read reads length bytes at offset within page idx.
func (pf *PagedFile) Read(idx PageIdx, offset, length int) ([]byte, error) {
	if err := pf.checkBounds(offset, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := pf.file.ReadAt(buf, int64(idx)*PageSize+int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// SendToFD transmits length bytes at offset within page idx directly to
// conn. It uses the kernel sendfile path when conn is a *net.TCPConn
// (zero-copy, file-to-socket, no userspace buffer), falling back to a
// buffered Read+Write otherwise.
func (pf *PagedFile) SendToFD(idx PageIdx, offset, length int, conn net.Conn) (int, error) {
	if err := pf.checkBounds(offset, length); err != nil {
		return 0, err
	}
	if n, ok, err := pf.trySendfile(idx, offset, length, conn); ok {
		return n, err
	}
	buf, err := pf.Read(idx, offset, length)
	if err != nil {
		return 0, err
	}
	n, err := conn.Write(buf)
	return n, err
}

// Digest returns an xxhash checksum of a page's content.
func (pf *PagedFile) Digest(idx PageIdx) (uint64, error) {
	buf, err := pf.Read(idx, 0, PageSize)
	if err != nil {
		return 0, err
	}
	return xxhash.Checksum64(buf), nil
}

// Close closes the underlying file.
func (pf *PagedFile) Close() error { return pf.file.Close() }
