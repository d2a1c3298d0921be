// Package msgbuf implements MessageBuffer: the per-channel message store.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package msgbuf

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/simqio/simq/internal/paging"
)

func newBuffer(t *testing.T) *MessageBuffer {
	t.Helper()
	pf, err := paging.Open(filepath.Join(t.TempDir(), "content"))
	if err != nil {
		t.Fatalf("paging.Open: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return New(pf)
}

func recvAll(t *testing.T, mb *MessageBuffer, id uint32, conn net.Conn, total int) {
	t.Helper()
	received := 0
	for received < total {
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := mb.Recv(id, conn)
		received += n
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
}

func sendAll(t *testing.T, mb *MessageBuffer, id uint32, conn net.Conn, total int) {
	t.Helper()
	var offset uint32
	for int(offset) < total {
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := mb.Send(id, conn, offset)
		offset += uint32(n)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

// A memory-backed message round-trips bytes written over a net.Conn
// through Recv and back out through Send.
func TestMemoryMessageRecvSendRoundTrip(t *testing.T) {
	mb := newBuffer(t)
	payload := make([]byte, paging.PageSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	id := mb.AllocateMemory(uint32(len(payload)))

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		clientConn.Write(payload)
		close(done)
	}()
	recvAll(t, mb, id, serverConn, len(payload))
	<-done

	if got := mb.WrLength(id); got != uint32(len(payload)) {
		t.Fatalf("WrLength = %d, want %d", got, len(payload))
	}

	serverConn2, clientConn2 := net.Pipe()
	defer serverConn2.Close()
	defer clientConn2.Close()

	readBack := make([]byte, len(payload))
	readDone := make(chan struct{})
	go func() {
		offset := 0
		for offset < len(readBack) {
			n, _ := clientConn2.Read(readBack[offset:])
			offset += n
		}
		close(readDone)
	}()
	sendAll(t, mb, id, serverConn2, len(payload))
	<-readDone

	for i := range payload {
		if readBack[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, readBack[i], payload[i])
		}
	}
}

// A disk-backed message allocates PagedFile pages lazily, on first
// write to each page, and is gone from the buffer after Free.
func TestDiskMessageAllocatesPagesLazily(t *testing.T) {
	mb := newBuffer(t)
	id := mb.AllocateDisk(paging.PageSize + 1)

	m := mb.get(id)
	for _, allocated := range m.diskOk {
		if allocated {
			t.Fatalf("disk page allocated before any write")
		}
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	go clientConn.Write(make([]byte, paging.PageSize+1))
	recvAll(t, mb, id, serverConn, paging.PageSize+1)

	for i, allocated := range m.diskOk {
		if !allocated {
			t.Fatalf("disk page %d not allocated after write", i)
		}
	}

	mb.Free(id)
	if mb.get(id) != nil {
		t.Fatalf("message still present after Free")
	}
}

// A disk-backed message round-trips through Recv then Send, the latter
// routing its already-written pages through PagedFile.SendToFD rather
// than the buffered read+write path (§4.1's zero-copy contract).
func TestDiskMessageRecvSendRoundTrip(t *testing.T) {
	mb := newBuffer(t)
	payload := make([]byte, paging.PageSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	id := mb.AllocateDisk(uint32(len(payload)))

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	go clientConn.Write(payload)
	recvAll(t, mb, id, serverConn, len(payload))

	m := mb.get(id)
	for i, allocated := range m.diskOk {
		if !allocated {
			t.Fatalf("disk page %d not allocated after write", i)
		}
	}

	serverConn2, clientConn2 := net.Pipe()
	defer serverConn2.Close()
	defer clientConn2.Close()

	readBack := make([]byte, len(payload))
	readDone := make(chan struct{})
	go func() {
		offset := 0
		for offset < len(readBack) {
			n, _ := clientConn2.Read(readBack[offset:])
			offset += n
		}
		close(readDone)
	}()
	sendAll(t, mb, id, serverConn2, len(payload))
	<-readDone

	for i := range payload {
		if readBack[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, readBack[i], payload[i])
		}
	}
}

func TestIsFullPartBoundaries(t *testing.T) {
	if !IsFullPart(paging.PageSize, 5000) {
		t.Fatalf("a page-boundary wrLength should be a full part")
	}
	if !IsFullPart(10, 10) {
		t.Fatalf("wrLength == length should be a full part")
	}
	if IsFullPart(10, 5000) {
		t.Fatalf("mid-page, mid-message wrLength should not be a full part")
	}
}
