package imapclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of prometheus collectors a Connection updates as
// it runs. Options.Metrics is optional; Connect builds an
// unregistered default (via NewMetrics(nil)) when it is nil, so a
// host that doesn't care about metrics never has to construct one.
type Metrics struct {
	// ConnectionsOpened tracks live connections: incremented by
	// Connect, decremented by Logout.
	ConnectionsOpened prometheus.Gauge

	Authenticated prometheus.Counter
	CommandsSent  prometheus.Counter

	// IdleSessions is the number of connections currently parked in
	// IDLE (spec.md section 4.8).
	IdleSessions prometheus.Gauge

	// SyncDuration observes wall-clock time spent in sync() (spec.md
	// section 4.7), labeled by whether it ran an expunge pass.
	SyncDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics registered against reg. A nil reg gets
// a private, unexposed registry, so a host that doesn't pass
// Options.Metrics still gets working counters without risking a
// duplicate-registration panic against prometheus' default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsOpened: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goimap_connections_open",
			Help: "Number of IMAP connections currently open.",
		}),
		Authenticated: factory.NewCounter(prometheus.CounterOpts{
			Name: "goimap_authenticated_total",
			Help: "Total successful authentications.",
		}),
		CommandsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "goimap_commands_sent_total",
			Help: "Total tagged commands flushed to the wire.",
		}),
		IdleSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goimap_idle_sessions",
			Help: "Number of connections currently parked in IDLE.",
		}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goimap_sync_duration_seconds",
			Help:    "Wall-clock time spent in one sync() pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"expunge"}),
	}
}
