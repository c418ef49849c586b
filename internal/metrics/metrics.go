// Package metrics defines the prometheus counters/gauges exposed by each
// subsystem's debug HTTP server. Each subsystem owns its own
// prometheus.Registry (rather than registering into the global default
// registry), so multiple Stacks/Routers/Servers can coexist in the same
// process — e.g. in tests — without "duplicate metrics collector
// registration" panics. This mirrors the instance-scoped collector style of
// runZeroInc-sockstats/pkg/exporter rather than promauto's package globals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TCP holds the counters the TCP endpoint subsystem updates from its
// transmit pump, retransmission timer, and persist timer.
type TCP struct {
	reg *prometheus.Registry

	SegmentsSent          prometheus.Counter
	SegmentsRetransmitted prometheus.Counter
	SegmentsReceived      prometheus.Counter
	BytesSent             prometheus.Counter
	BytesReceived         prometheus.Counter
	RTOExpirations        prometheus.Counter
	PersistProbes         prometheus.Counter
	ActiveConnections     prometheus.Gauge
}

// NewTCP creates and registers a fresh set of TCP counters.
func NewTCP() *TCP {
	reg := prometheus.NewRegistry()
	t := &TCP{
		reg: reg,
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_segments_sent_total",
			Help: "TCP segments transmitted, including retransmissions and probes.",
		}),
		SegmentsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_segments_retransmitted_total",
			Help: "TCP segments retransmitted due to RTO expiry.",
		}),
		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_segments_received_total",
			Help: "TCP segments accepted by the sequence check.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_sent_total",
			Help: "Application bytes handed to the send buffer.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Application bytes delivered from the recv buffer.",
		}),
		RTOExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_rto_expirations_total",
			Help: "Retransmission timer firings.",
		}),
		PersistProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_persist_probes_total",
			Help: "Zero-window persist probes sent.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcp_active_connections",
			Help: "TCBs not in CLOSED state.",
		}),
	}
	reg.MustRegister(t.SegmentsSent, t.SegmentsRetransmitted, t.SegmentsReceived,
		t.BytesSent, t.BytesReceived, t.RTOExpirations, t.PersistProbes, t.ActiveConnections)
	return t
}

// Handler returns the HTTP handler for this registry's /metrics endpoint.
func (t *TCP) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

// Router holds the counters the forwarding engine updates per frame.
type Router struct {
	reg *prometheus.Registry

	FramesForwarded prometheus.Counter
	FramesDropped   prometheus.Counter
	ARPRequestsSent prometheus.Counter
	ARPRepliesSent  prometheus.Counter
	ARPMisses       prometheus.Counter
	ARPTimeouts     prometheus.Counter
	ICMPErrorsSent  prometheus.Counter
	PendingARP      prometheus.Gauge
}

// NewRouter creates and registers a fresh set of router counters.
func NewRouter() *Router {
	reg := prometheus.NewRegistry()
	r := &Router{
		reg: reg,
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_frames_forwarded_total",
			Help: "IPv4 frames forwarded after a successful route + ARP lookup.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_frames_dropped_total",
			Help: "Frames dropped (not for us, unsupported ethertype, bad header).",
		}),
		ARPRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_arp_requests_sent_total",
			Help: "ARP requests emitted for unresolved next hops.",
		}),
		ARPRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_arp_replies_sent_total",
			Help: "ARP replies emitted for our own interface addresses.",
		}),
		ARPMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_arp_misses_total",
			Help: "Forwarding decisions that required an ARP lookup miss.",
		}),
		ARPTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_arp_timeouts_total",
			Help: "Pending ARP requests that exhausted their retry budget.",
		}),
		ICMPErrorsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_icmp_errors_sent_total",
			Help: "ICMP error messages synthesized (unreachable, time exceeded).",
		}),
		PendingARP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_pending_arp_entries",
			Help: "Target IPs currently awaiting an ARP reply.",
		}),
	}
	reg.MustRegister(r.FramesForwarded, r.FramesDropped, r.ARPRequestsSent, r.ARPRepliesSent,
		r.ARPMisses, r.ARPTimeouts, r.ICMPErrorsSent, r.PendingARP)
	return r
}

// Handler returns the HTTP handler for this registry's /metrics endpoint.
func (r *Router) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// IRC holds the counters the dispatch core updates per command.
type IRC struct {
	reg *prometheus.Registry

	CommandsDispatched prometheus.Counter
	UnknownCommands    prometheus.Counter
	Registrations      prometheus.Counter
	ActiveClients      prometheus.Gauge
	ActiveChannels     prometheus.Gauge
}

// NewIRC creates and registers a fresh set of IRC counters.
func NewIRC() *IRC {
	reg := prometheus.NewRegistry()
	i := &IRC{
		reg: reg,
		CommandsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircd_commands_dispatched_total",
			Help: "Lines dispatched to a command handler.",
		}),
		UnknownCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircd_unknown_commands_total",
			Help: "Lines whose command token had no handler.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircd_registrations_total",
			Help: "Connections that completed NICK+USER registration.",
		}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ircd_active_clients",
			Help: "Client connections currently open, registered or not.",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ircd_active_channels",
			Help: "Channels with at least one member.",
		}),
	}
	reg.MustRegister(i.CommandsDispatched, i.UnknownCommands, i.Registrations,
		i.ActiveClients, i.ActiveChannels)
	return i
}

// Handler returns the HTTP handler for this registry's /metrics endpoint.
func (i *IRC) Handler() http.Handler {
	return promhttp.HandlerFor(i.reg, promhttp.HandlerOpts{})
}
