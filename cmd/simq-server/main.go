// Command simq-server runs the SimQ broker (§6): `simq-server [manager]
// [<path>]`. Without "manager", it runs the broker rooted at <path>
// (default "."); with "manager", it runs the admin text UI against the
// same on-disk layout. Exit codes: 0 normal, 1 fatal init/IO error.
// Grounded on cmd/authn/main.go's signal-handling and boot-sequencing
// shape, adapted from AuthN's single-config-file boot to SimQ's
// Store-driven one.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simqio/simq/internal/access"
	"github.com/simqio/simq/internal/boot"
	"github.com/simqio/simq/internal/changes"
	"github.com/simqio/simq/internal/config"
	"github.com/simqio/simq/internal/manager"
	"github.com/simqio/simq/internal/metrics"
	"github.com/simqio/simq/internal/nlog"
	"github.com/simqio/simq/internal/queue"
	"github.com/simqio/simq/internal/session"
	"github.com/simqio/simq/internal/store"
)

func main() {
	mode, path := parseArgs(os.Args[1:])

	st, err := store.Open(path)
	if err != nil {
		nlog.Errorf("simq-server: open store at %q: %v", path, err)
		os.Exit(1)
	}
	defer st.Close()

	changesPath := path + string(os.PathSeparator) + "changes"
	chJournal, err := changes.Open(changesPath)
	if err != nil {
		nlog.Errorf("simq-server: open changes journal: %v", err)
		os.Exit(1)
	}
	defer chJournal.Close()

	if mode == "manager" {
		runManager(st, chJournal)
		return
	}
	runBroker(st, chJournal, path)
}

func parseArgs(args []string) (mode, path string) {
	path = "."
	for _, a := range args {
		if a == "manager" {
			mode = "manager"
			continue
		}
		path = a
	}
	return mode, path
}

func runManager(st *store.Store, ch *changes.Changes) {
	m := manager.New(st, ch)
	if err := m.Run(os.Stdin, os.Stdout); err != nil {
		nlog.Errorf("simq-server: manager: %v", err)
		os.Exit(1)
	}
}

func runBroker(st *store.Store, ch *changes.Changes, path string) {
	acc := access.New()
	qm := queue.New()
	init_ := boot.New(st, acc, qm, ch)

	if err := init_.Boot(); err != nil {
		nlog.Errorf("simq-server: boot: %v", err)
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		nlog.Warningf("simq-server: metrics registration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)

	ctl := session.NewController(acc, qm, ch, st)

	settings := st.GetSettings()
	config.Set(&config.Config{Port: settings.Port, CountThreads: settings.CountThreads, StorageRoot: path})

	go ctl.RunIdleSweep(ctx.Done())

	go func() {
		if err := init_.RunApplier(ctx); err != nil {
			nlog.Errorf("simq-server: applier: %v", err)
		}
	}()

	acceptor := &session.Acceptor{Controller: ctl, Port: settings.Port, Workers: int(settings.CountThreads)}
	nlog.Infof("simq-server: broker starting on port %d with %d worker(s)", settings.Port, settings.CountThreads)
	if err := acceptor.Run(ctx); err != nil && ctx.Err() == nil {
		nlog.Errorf("simq-server: acceptor: %v", err)
		os.Exit(1)
	}
	nlog.Flush()
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Fprintln(os.Stderr, "simq-server: shutting down")
		cancel()
	}()
}
