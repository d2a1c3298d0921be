//go:build !linux

// Package paging implements PagedFile; this file is the non-Linux fallback.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package paging

import "net"

// trySendfile has no portable non-Linux implementation; callers always
// fall back to the buffered Read+Write path.
func (pf *PagedFile) trySendfile(PageIdx, int, int, net.Conn) (int, bool, error) {
	return 0, false, nil
}
