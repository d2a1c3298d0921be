// Package metrics exposes ambient process gauges (live sessions, messages
// resident in memory/on disk, changes applied) via prometheus/client_golang.
// Not a spec feature — carried as ambient observability the way the
// teacher's stats package always is, per the standing instruction that a
// spec's Non-goals never suppress ambient stack. Grounded on
// stats/target_stats.go's registration-by-name convention, reduced here
// to SimQ's single-node scope (no cluster-wide aggregation).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simq",
		Name:      "live_sessions",
		Help:      "Number of currently connected, authenticated sessions.",
	})

	MessagesInMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simq",
		Name:      "messages_in_memory",
		Help:      "Number of messages currently resident in memory pages across all channels.",
	})

	MessagesOnDisk = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simq",
		Name:      "messages_on_disk",
		Help:      "Number of messages currently resident on disk pages across all channels.",
	})

	ChangesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simq",
		Name:      "changes_applied_total",
		Help:      "Total number of Change records successfully applied by the applier.",
	})

	ChangesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simq",
		Name:      "changes_failed_total",
		Help:      "Total number of Change records that failed to apply and were skipped.",
	})
)

// Register adds every SimQ gauge/counter to reg. Call once at boot with
// prometheus.DefaultRegisterer (or a dedicated registry in tests).
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		LiveSessions, MessagesInMemory, MessagesOnDisk, ChangesApplied, ChangesFailed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
