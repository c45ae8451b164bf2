package daemon

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the daemon package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("kvmesh.daemon")

	metricPeersActive      metric.Int64UpDownCounter
	metricPeersDiscovered  metric.Int64Counter
	metricMessagesAdmitted metric.Int64Counter
	metricMessagesDropped  metric.Int64Counter
	metricRateLimitRejects metric.Int64Counter
	metricOverlayFanout    metric.Int64Histogram
	metricStoreMutations   metric.Int64Counter
	metricTrustMutations   metric.Int64Counter
)

func init() {
	var err error

	metricPeersActive, err = meter.Int64UpDownCounter("kvmesh.peers.active",
		metric.WithDescription("Number of connected overlay peers"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPeersDiscovered, err = meter.Int64Counter("kvmesh.peers.discovered",
		metric.WithDescription("Total peers discovered via LAN multicast"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMessagesAdmitted, err = meter.Int64Counter("kvmesh.gate.admitted",
		metric.WithDescription("Inbound frames that passed the security gate"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMessagesDropped, err = meter.Int64Counter("kvmesh.gate.dropped",
		metric.WithDescription("Inbound frames dropped by the security gate for any reason other than rate limiting"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRateLimitRejects, err = meter.Int64Counter("kvmesh.gate.rate_limited",
		metric.WithDescription("Inbound frames rejected by the per-peer rate limiter"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricOverlayFanout, err = meter.Int64Histogram("kvmesh.overlay.fanout",
		metric.WithDescription("Neighbor count a published frame fanned out to"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricStoreMutations, err = meter.Int64Counter("kvmesh.store.mutations",
		metric.WithDescription("Applied record mutations (local and remote)"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricTrustMutations, err = meter.Int64Counter("kvmesh.trust.mutations",
		metric.WithDescription("Whitelist/recommendation mutations applied"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
