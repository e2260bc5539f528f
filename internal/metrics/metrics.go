package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counsel_call_active_calls",
		Help: "Number of call sessions currently active",
	})
	RelayRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counsel_call_relay_rooms",
		Help: "Number of open relay rooms",
	})
)

// Counters
var (
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counsel_call_started_total",
		Help: "Total call sessions by role",
	}, []string{"role"})
	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counsel_call_ended_total",
		Help: "Total call terminations by final state",
	}, []string{"state"})
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counsel_call_signal_messages_total",
		Help: "Signaling messages by type and direction",
	}, []string{"type", "direction"})
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counsel_call_channel_reconnects_total",
		Help: "Signaling channel reconnection attempts",
	})
	LinkRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counsel_call_link_recoveries_total",
		Help: "Peer link recovery attempts (ICE restarts)",
	})
	ProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counsel_call_protocol_violations_total",
		Help: "Inbound messages invalid for the current role or state",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counsel_call_signal_decode_errors_total",
		Help: "Inbound signaling frames that failed validation",
	})
	MediaAcquireErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counsel_call_media_acquire_errors_total",
		Help: "Local capture failures",
	})
)

// Histograms
var (
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "counsel_call_duration_seconds",
		Help:    "Connected call duration in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})
)
