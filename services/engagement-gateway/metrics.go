package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	lockOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nichenode_engagement_locks_total",
		Help: "Count of escrow lock submissions by outcome.",
	}, []string{"outcome"})
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nichenode_engagement_transitions_total",
		Help: "Count of status transition submissions by operation and outcome.",
	}, []string{"op", "outcome"})
	partialCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nichenode_engagement_partial_commits_total",
		Help: "Count of lock confirmations whose record write failed.",
	})
	repairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nichenode_engagement_repairs_total",
		Help: "Count of partial commits repaired by re-running the record write.",
	})
	reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nichenode_engagement_reconciliations_total",
		Help: "Count of reconciled engagement reads by freshness.",
	}, []string{"freshness"})
	watcherEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nichenode_engagement_watcher_events_total",
		Help: "Count of ledger events processed by the watcher, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		lockOutcomes,
		transitions,
		partialCommits,
		repairs,
		reconciliations,
		watcherEvents,
	)
}
