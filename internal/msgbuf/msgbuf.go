// Package msgbuf implements MessageBuffer: the per-channel message store.
// Each message occupies ceil(length/4096) pages, either lazily-allocated
// memory buffers or lazily-allocated slots in the channel's PagedFile.
// Recv/Send progress a message's wrLength monotonically against a
// net.Conn that the caller has already put into non-blocking shape (a
// zero/immediate read or write deadline) — a timeout is "would block"
// and is not an error; any other I/O error is hard and propagates as
// ErrIO. This is the direct analogue of the source's raw-fd recv/send,
// translated onto Go's net.Conn deadline idiom instead of raw epoll.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package msgbuf

import (
	"errors"
	"net"
	"sync"

	"github.com/simqio/simq/internal/paging"
)

// ErrIO is a hard I/O error distinct from a transient would-block.
var ErrIO = errors.New("msgbuf: io failed")

type StorageClass int

const (
	ClassMemory StorageClass = iota
	ClassDisk
)

type message struct {
	mu       sync.Mutex
	length   uint32
	wrLength uint32
	class    StorageClass
	memPages [][]byte        // lazily allocated per page
	diskPg   []paging.PageIdx // lazily allocated per page
	diskOk   []bool           // which diskPg entries are allocated
}

func numPages(length uint32) int {
	return int((length + paging.PageSize - 1) / paging.PageSize)
}

// MessageBuffer is the per-channel message store.
type MessageBuffer struct {
	pf *paging.PagedFile

	mu       sync.RWMutex
	messages map[uint32]*message
	nextID   uint32
}

func New(pf *paging.PagedFile) *MessageBuffer {
	return &MessageBuffer{pf: pf, messages: make(map[uint32]*message)}
}

func (mb *MessageBuffer) newID() uint32 {
	mb.nextID++
	return mb.nextID
}

// AllocateMemory reserves an in-memory-backed message of the given
// declared length and returns its id.
func (mb *MessageBuffer) AllocateMemory(length uint32) uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	id := mb.newID()
	mb.messages[id] = &message{
		length:   length,
		class:    ClassMemory,
		memPages: make([][]byte, numPages(length)),
	}
	return id
}

// AllocateDisk reserves a disk-backed message of the given declared
// length and returns its id. Disk pages are taken from the PagedFile
// lazily, on first write to each page.
func (mb *MessageBuffer) AllocateDisk(length uint32) uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	id := mb.newID()
	n := numPages(length)
	mb.messages[id] = &message{
		length: length,
		class:  ClassDisk,
		diskPg: make([]paging.PageIdx, n),
		diskOk: make([]bool, n),
	}
	return id
}

func (mb *MessageBuffer) get(id uint32) *message {
	mb.mu.RLock()
	m := mb.messages[id]
	mb.mu.RUnlock()
	return m
}

// Free returns all disk pages to the PagedFile and drops memory pages.
func (mb *MessageBuffer) Free(id uint32) {
	mb.mu.Lock()
	m, ok := mb.messages[id]
	if ok {
		delete(mb.messages, id)
	}
	mb.mu.Unlock()
	if !ok || m.class != ClassDisk {
		return
	}
	m.mu.Lock()
	for i, allocated := range m.diskOk {
		if allocated {
			mb.pf.Free(m.diskPg[i])
		}
	}
	m.mu.Unlock()
}

// Length returns a message's declared length, or 0 if unknown.
func (mb *MessageBuffer) Length(id uint32) uint32 {
	if m := mb.get(id); m != nil {
		return m.length
	}
	return 0
}

// WrLength returns bytes progressed so far (recv side: bytes received;
// send side: bytes sent), used by the session controller to decide when
// a "full part" boundary has been crossed.
func (mb *MessageBuffer) WrLength(id uint32) uint32 {
	if m := mb.get(id); m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.wrLength
	}
	return 0
}

// IsFullPart reports whether wrLength has just crossed a "full part"
// boundary (a 4 KiB page boundary, or end of message) — this is what the
// session controller uses to decide whether to emit a confirmation
// packet after a recv/send step.
func IsFullPart(wrLength, length uint32) bool {
	return wrLength%paging.PageSize == 0 || wrLength == length
}

// IsWouldBlock reports whether err is a transient "socket would block"
// condition (an immediate-deadline timeout), as opposed to a hard error.
func IsWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Recv reads at most the remaining bytes of the current page from conn
// into message id, advancing wrLength. Returns (0, nil) on a transient
// would-block; returns (n, ErrIO) on a hard error.
func (mb *MessageBuffer) Recv(id uint32, conn net.Conn) (int, error) {
	m := mb.get(id)
	if m == nil {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wrLength >= m.length {
		return 0, nil
	}
	pageIdx := int(m.wrLength / paging.PageSize)
	pageOff := int(m.wrLength % paging.PageSize)
	remainInPage := paging.PageSize - pageOff
	remainTotal := int(m.length - m.wrLength)
	want := remainInPage
	if remainTotal < want {
		want = remainTotal
	}

	tmp := make([]byte, want)
	n, err := conn.Read(tmp)
	if n > 0 {
		if werr := m.writeAt(mb.pf, pageIdx, pageOff, tmp[:n]); werr != nil {
			return n, ErrIO
		}
		m.wrLength += uint32(n)
	}
	if err != nil {
		if IsWouldBlock(err) {
			return n, nil
		}
		return n, ErrIO
	}
	return n, nil
}

// Send writes to conn at most the remaining bytes of the page that
// contains offset, starting at offset. offset is the caller's absolute
// read position within the message; callers pass the same value they
// last got back plus the progressed delta. The bytes sent are also
// added to the message's wrLength. A disk-backed message with its page already written sends via
// PagedFile.SendToFD, the zero-copy path (§4.1); a memory-backed
// message, or a disk page nothing has written yet, goes through the
// buffered readAt+conn.Write path instead.
func (mb *MessageBuffer) Send(id uint32, conn net.Conn, offset uint32) (int, error) {
	m := mb.get(id)
	if m == nil {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.length {
		return 0, nil
	}
	pageIdx := int(offset / paging.PageSize)
	pageOff := int(offset % paging.PageSize)
	remainInPage := paging.PageSize - pageOff
	remainTotal := int(m.length - offset)
	want := remainInPage
	if remainTotal < want {
		want = remainTotal
	}

	var n int
	var err error
	if m.class == ClassDisk && m.diskOk[pageIdx] {
		n, err = mb.pf.SendToFD(m.diskPg[pageIdx], pageOff, want, conn)
	} else {
		var buf []byte
		buf, err = m.readAt(mb.pf, pageIdx, pageOff, want)
		if err != nil {
			return 0, ErrIO
		}
		n, err = conn.Write(buf)
	}
	if n > 0 {
		m.wrLength += uint32(n)
	}
	if err != nil {
		if IsWouldBlock(err) {
			return n, nil
		}
		return n, ErrIO
	}
	return n, nil
}

func (m *message) writeAt(pf *paging.PagedFile, pageIdx, offset int, data []byte) error {
	switch m.class {
	case ClassMemory:
		if m.memPages[pageIdx] == nil {
			m.memPages[pageIdx] = make([]byte, paging.PageSize)
		}
		copy(m.memPages[pageIdx][offset:], data)
		return nil
	default:
		if !m.diskOk[pageIdx] {
			idx, err := pf.Allocate()
			if err != nil {
				return err
			}
			m.diskPg[pageIdx] = idx
			m.diskOk[pageIdx] = true
		}
		return pf.Write(m.diskPg[pageIdx], offset, data)
	}
}

func (m *message) readAt(pf *paging.PagedFile, pageIdx, offset, length int) ([]byte, error) {
	switch m.class {
	case ClassMemory:
		if m.memPages[pageIdx] == nil {
			return make([]byte, length), nil // unwritten tail read as zeros
		}
		buf := make([]byte, length)
		copy(buf, m.memPages[pageIdx][offset:offset+length])
		return buf, nil
	default:
		if !m.diskOk[pageIdx] {
			return make([]byte, length), nil
		}
		return pf.Read(m.diskPg[pageIdx], offset, length)
	}
}
