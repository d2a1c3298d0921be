//go:build !linux

// Package session implements the per-session FSM; this file is the non-Linux listener fallback.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import "net"

// reusePortListenConfig has no portable non-linux SO_REUSEPORT hook; the
// acceptor falls back to a single shared listener with multiple
// goroutines calling Accept concurrently (safe in Go — see Acceptor.Run).
func reusePortListenConfig() net.ListenConfig { return net.ListenConfig{} }

const supportsReusePort = false
