// Copyright 2026 The multiview Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "multiview"

// Metrics Prometheus instrumentation for call sessions.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	socketsInUse      *prometheus.GaugeVec
	socketsFree       *prometheus.GaugeVec
	evictions         *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	routerFailures    *prometheus.CounterVec
	heartbeatFailures *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// NewMetrics define and register the call session metrics
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		socketsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "video_sockets_in_use",
			Help:      "Number of general video sockets bound to a media stream",
		}, []string{"call"}),
		socketsFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "video_sockets_free",
			Help:      "Number of general video sockets not bound to any media stream",
		}, []string{"call"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Number of media streams evicted to make room for a dominant speaker",
		}, []string{"call"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_joins_total",
			Help:      "Number of participant video streams not subscribed for lack of a socket",
		}, []string{"call"}),
		routerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "router_failures_total",
			Help:      "Number of failed media router commands",
		}, []string{"call", "kind"}),
		heartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_failures_total",
			Help:      "Number of failed call keep-alive calls",
		}, []string{"call"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of open call sessions",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.socketsInUse,
		m.socketsFree,
		m.evictions,
		m.rejections,
		m.routerFailures,
		m.heartbeatFailures,
		m.activeSessions,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordSockets(callID string, inUse, free int) {
	if m == nil {
		return
	}
	m.socketsInUse.WithLabelValues(callID).Set(float64(inUse))
	m.socketsFree.WithLabelValues(callID).Set(float64(free))
}

func (m *Metrics) recordEviction(callID string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(callID).Inc()
}

func (m *Metrics) recordRejection(callID string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(callID).Inc()
}

func (m *Metrics) recordRouterFailure(callID string, kind MediaKind) {
	if m == nil {
		return
	}
	m.routerFailures.WithLabelValues(callID, string(kind)).Inc()
}

func (m *Metrics) recordHeartbeatFailure(callID string) {
	if m == nil {
		return
	}
	m.heartbeatFailures.WithLabelValues(callID).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// sessionClosed drop the per call series of a closed session
func (m *Metrics) sessionClosed(callID string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.socketsInUse.DeleteLabelValues(callID)
	m.socketsFree.DeleteLabelValues(callID)
	m.evictions.DeleteLabelValues(callID)
	m.rejections.DeleteLabelValues(callID)
	m.heartbeatFailures.DeleteLabelValues(callID)
	for _, kind := range []MediaKind{MediaKindVideo, MediaKindScreenShare} {
		m.routerFailures.DeleteLabelValues(callID, string(kind))
	}
}
