// Package paging implements PagedFile: fixed-size page storage with zero-copy send.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package paging

import (
	"path/filepath"
	"testing"
)

func open(t *testing.T) *PagedFile {
	t.Helper()
	pf, err := Open(filepath.Join(t.TempDir(), "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func TestOpenPreallocatesMinFileSize(t *testing.T) {
	pf := open(t)
	if pf.numPages != ChunkPages {
		t.Fatalf("numPages = %d, want %d", pf.numPages, ChunkPages)
	}
	if len(pf.free) != ChunkPages {
		t.Fatalf("free pool size = %d, want %d", len(pf.free), ChunkPages)
	}
}

func TestAllocateGrowsWhenPoolExhausted(t *testing.T) {
	pf := open(t)
	for i := 0; i < ChunkPages; i++ {
		if _, err := pf.Allocate(); err != nil {
			t.Fatalf("Allocate[%d]: %v", i, err)
		}
	}
	if len(pf.free) != 0 {
		t.Fatalf("free pool should be empty, has %d", len(pf.free))
	}
	idx, err := pf.Allocate()
	if err != nil {
		t.Fatalf("Allocate after exhaustion: %v", err)
	}
	if idx != ChunkPages {
		t.Fatalf("grown page idx = %d, want %d", idx, ChunkPages)
	}
	if pf.numPages != 2*ChunkPages {
		t.Fatalf("numPages after growth = %d, want %d", pf.numPages, 2*ChunkPages)
	}
}

func TestFreeReturnsPageForReuse(t *testing.T) {
	pf := open(t)
	idx, err := pf.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	pf.Free(idx)
	again, err := pf.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if again != idx {
		t.Fatalf("reallocated idx = %d, want freed idx %d", again, idx)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	pf := open(t)
	idx, err := pf.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	payload := []byte("hello, simq")
	if err := pf.Write(idx, 10, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := pf.Read(idx, 10, len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestWriteRejectsOutOfRange(t *testing.T) {
	pf := open(t)
	idx, _ := pf.Allocate()
	if err := pf.Write(idx, PageSize-4, []byte("12345")); err != ErrOutOfRange {
		t.Fatalf("Write over page bound = %v, want ErrOutOfRange", err)
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	pf := open(t)
	idx, _ := pf.Allocate()
	d1, err := pf.Digest(idx)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if err := pf.Write(idx, 0, []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d2, err := pf.Digest(idx)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 == d2 {
		t.Fatalf("digest unchanged after a write")
	}
}
