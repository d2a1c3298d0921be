// Package session implements the per-session FSM and ServerController (§4.6).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package session

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/simqio/simq/internal/nlog"
)

// MaxSessionsPerWorker bounds concurrent in-flight connections accepted
// by a single worker, guarding memory the way the source's fixed-size
// Session table implicitly did.
const MaxSessionsPerWorker = 4096

// Acceptor runs count_threads independent accept loops over the same
// port (§5 "Threading"): on linux each worker owns its own SO_REUSEPORT
// listener; elsewhere all workers Accept concurrently off one shared
// listener (net.Listener.Accept is safe for concurrent callers). Each
// worker bounds its own concurrent sessions with a
// golang.org/x/sync/semaphore.Weighted, the structural analogue of the
// source's per-thread epoll loop naturally backpressuring on a full
// connection table.
type Acceptor struct {
	Controller *Controller
	Port       uint16
	Workers    int
}

func (a *Acceptor) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.Port)
	nlog.Infof("listening on %s with %d worker(s), reuseport=%v", addr, a.Workers, supportsReusePort)
	g, ctx := errgroup.WithContext(ctx)

	if supportsReusePort {
		for i := 0; i < a.Workers; i++ {
			lc := reusePortListenConfig()
			ln, err := lc.Listen(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			g.Go(func() error { return a.acceptLoop(ctx, ln) })
		}
		return g.Wait()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	for i := 0; i < a.Workers; i++ {
		g.Go(func() error { return a.acceptLoop(ctx, ln) })
	}
	return g.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := semaphore.NewWeighted(MaxSessionsPerWorker)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return nil
		}
		ip := remoteIP(conn)
		go func() {
			defer sem.Release(1)
			a.Controller.Connect(conn, ip)
		}()
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
