//go:build linux

// Package paging implements PagedFile; this file is the Linux sendfile(2) path.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package paging

import (
	"net"

	"golang.org/x/sys/unix"
)

// trySendfile attempts a kernel-level file-to-socket copy via sendfile(2),
// bypassing the content file's userspace buffer entirely. Returns ok=false
// when conn isn't backed by a raw fd the kernel can splice to, so the
// caller falls back to a buffered Read+Write.
func (pf *PagedFile) trySendfile(idx PageIdx, offset, length int, conn net.Conn) (n int, ok bool, err error) {
	tc, isTCP := conn.(*net.TCPConn)
	if !isTCP {
		return 0, false, nil
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return 0, false, nil
	}
	var sent int
	var sendErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		off := int64(idx)*PageSize + int64(offset)
		remaining := length
		for remaining > 0 {
			m, e := unix.Sendfile(int(fd), int(pf.file.Fd()), &off, remaining)
			if m > 0 {
				sent += m
				remaining -= m
			}
			if e != nil {
				if e == unix.EAGAIN || e == unix.EINTR {
					if m > 0 {
						continue
					}
					break // would-block: caller treats as transient, retried on next readiness
				}
				sendErr = e
				break
			}
			if m == 0 {
				break
			}
		}
	})
	if ctrlErr != nil {
		return 0, false, nil
	}
	return sent, true, sendErr
}
