// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors exported by the
// transport and the gossip engine. Both take a *Metrics; the node
// binary registers it with the default registry and serves /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "artifactp2p"

// Queue names used as the "queue" label.
const (
	QueuePush     = "push"
	QueueRequest  = "request"
	QueueInbound  = "inbound"
	QueueResponse = "response"
)

// Metrics holds every collector. The zero value is not usable; call
// New.
type Metrics struct {
	AdvertsSent     *prometheus.CounterVec
	AdvertsReceived *prometheus.CounterVec
	AdvertsIgnored  *prometheus.CounterVec

	PullsIssued    *prometheus.CounterVec
	PullsSucceeded *prometheus.CounterVec
	PullsFailed    *prometheus.CounterVec
	PullsTimedOut  *prometheus.CounterVec
	PullsAbandoned *prometheus.CounterVec
	PullsRetried   *prometheus.CounterVec
	PullsCancelled *prometheus.CounterVec
	PullsInFlight  prometheus.Gauge

	QueueDropped   *prometheus.CounterVec
	QueueOccupancy *prometheus.GaugeVec

	ConnectedPeers    prometheus.Gauge
	Reconnects        *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	Violations        *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer. A nil
// registerer leaves them unregistered, which is what tests and
// embedders without a metrics endpoint want.
func New(registerer prometheus.Registerer) *Metrics {
	byKind := []string{"kind"}
	byPeer := []string{"peer"}

	m := &Metrics{
		AdvertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "adverts_sent_total",
			Help: "Adverts queued for sending, by artifact kind.",
		}, byKind),
		AdvertsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "adverts_received_total",
			Help: "Adverts received from peers, by artifact kind.",
		}, byKind),
		AdvertsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "adverts_ignored_total",
			Help: "Received adverts that started no pull, by reason.",
		}, []string{"reason"}),

		PullsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_issued_total",
			Help: "Pull requests sent, by artifact kind.",
		}, byKind),
		PullsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_succeeded_total",
			Help: "Pulls whose payload validated and entered the pool.",
		}, byKind),
		PullsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_failed_total",
			Help: "Pull attempts that failed, by reason.",
		}, []string{"reason"}),
		PullsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_timed_out_total",
			Help: "Pull attempts that hit the rpc timeout.",
		}, byKind),
		PullsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_abandoned_total",
			Help: "Pull rounds that exhausted their advertisers.",
		}, byKind),
		PullsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_retried_total",
			Help: "Abandoned artifacts pulled again after backing off.",
		}, byKind),
		PullsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_cancelled_total",
			Help: "In-flight pulls cancelled by garbage collection.",
		}, byKind),
		PullsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_in_flight",
			Help: "Pull requests currently awaiting a response.",
		}),

		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "queue_dropped_total",
			Help: "Items discarded by a full queue, by queue.",
		}, []string{"queue"}),
		QueueOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "queue_occupancy",
			Help: "Items waiting in a peer's queues.",
		}, []string{"peer", "queue"}),

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connected_peers",
			Help: "Peers with an authenticated connection.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "reconnects_total",
			Help: "Connections re-established after loss, by peer.",
		}, byPeer),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "handshake_failures_total",
			Help: "Failed mutual authentications, by peer.",
		}, byPeer),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_violations_total",
			Help: "Malformed or dishonest peer input, by reason.",
		}, []string{"reason"}),
	}

	if registerer != nil {
		registerer.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AdvertsSent, m.AdvertsReceived, m.AdvertsIgnored,
		m.PullsIssued, m.PullsSucceeded, m.PullsFailed, m.PullsTimedOut,
		m.PullsAbandoned, m.PullsRetried, m.PullsCancelled, m.PullsInFlight,
		m.QueueDropped, m.QueueOccupancy,
		m.ConnectedPeers, m.Reconnects, m.HandshakeFailures, m.Violations,
	}
}

// ForgetPeer deletes the per-peer series of a removed peer so label
// cardinality follows the current membership.
func (m *Metrics) ForgetPeer(peer string) {
	m.QueueOccupancy.DeletePartialMatch(prometheus.Labels{"peer": peer})
	m.Reconnects.DeleteLabelValues(peer)
	m.HandshakeFailures.DeleteLabelValues(peer)
}
