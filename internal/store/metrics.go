package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireside_store_persist_failures_total",
		Help: "Number of durable writes that failed; in-memory state is kept.",
	})
	entriesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireside_store_entries_evicted_total",
		Help: "Number of history entries evicted by the per-channel capacity bound.",
	})
)

func init() {
	prometheus.MustRegister(persistFailures, entriesEvicted)
}
