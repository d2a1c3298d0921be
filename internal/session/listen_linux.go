//go:build linux

// Package session implements the per-session FSM; this file is the Linux SO_REUSEPORT listener.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortListenConfig returns a net.ListenConfig whose Control hook sets
// SO_REUSEPORT, letting count_threads independent listeners share one
// port the way the source's count_threads epoll loops share one
// listening socket via SO_REUSEPORT (§5 "Threading").
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// supportsReusePort is true on linux: each worker gets its own listener.
const supportsReusePort = true
