// Package metrics exposes Prometheus instrumentation for the chain
// manager. None of it participates in control flow or invariants; it's
// pure observability, registered against a caller-supplied
// prometheus.Registerer so multiple manager instances (one per table/IP
// version) can share a process-wide registry without colliding.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the counters a Manager reports to while it runs.
type Collector struct {
	restoreAttempts prometheus.Counter
	restoreRetries  prometheus.Counter
	cleanupDeletes  prometheus.Counter
	noop            bool
}

// New registers a Collector's metrics against reg, labelled by table and
// IP version so multiple manager instances stay distinguishable.
func New(reg prometheus.Registerer, table string, ipVersion uint8) *Collector {
	labels := prometheus.Labels{"table": table, "ip_version": ipVersionLabel(ipVersion)}
	c := &Collector{
		restoreAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chainmgr_restore_attempts_total",
			Help:        "Number of iptables-restore invocations attempted.",
			ConstLabels: labels,
		}),
		restoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chainmgr_restore_retries_total",
			Help:        "Number of iptables-restore invocations retried after a commit conflict.",
			ConstLabels: labels,
		}),
		cleanupDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chainmgr_cleanup_chains_deleted_total",
			Help:        "Number of chains successfully removed by best-effort deletion.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(c.restoreAttempts, c.restoreRetries, c.cleanupDeletes)
	return c
}

// NoOp returns a Collector that records nothing, for callers (and tests)
// that don't want a Prometheus registry wired in.
func NoOp() *Collector {
	return &Collector{noop: true}
}

func (c *Collector) RestoreAttempt() {
	if c.noop {
		return
	}
	c.restoreAttempts.Inc()
}

func (c *Collector) RestoreRetry() {
	if c.noop {
		return
	}
	c.restoreRetries.Inc()
}

func (c *Collector) ChainsDeleted(n int) {
	if c.noop || n <= 0 {
		return
	}
	c.cleanupDeletes.Add(float64(n))
}

func ipVersionLabel(v uint8) string {
	if v == 6 {
		return "6"
	}
	return "4"
}
