// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/dtn7-transport/pkg/memory"
)

const metricsNamespace = "dtnt"

// registeredCollectors registers collectors and remembers them for unregistering.
type registeredCollectors struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

func (rc *registeredCollectors) register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if rc.registerer != nil {
			if err := rc.registerer.Register(c); err != nil {
				return err
			}
		}
		rc.collectors = append(rc.collectors, c)
	}
	return nil
}

func (rc *registeredCollectors) unregister() {
	if rc.registerer == nil {
		return
	}
	for _, c := range rc.collectors {
		rc.registerer.Unregister(c)
	}
}

func memoryGauge(subsystem string, p *memory.Pool) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   subsystem,
		Name:        "memory_in_use_bytes",
		Help:        "Bytes currently allocated from a memory pool.",
		ConstLabels: prometheus.Labels{"pool": p.Name()},
	}, func() float64 {
		return float64(p.Stats().InUse)
	})
}

type clientMetrics struct {
	registeredCollectors

	requests *prometheus.CounterVec
	messages *prometheus.CounterVec
	latency  prometheus.Histogram
}

func newClientMetrics(reg prometheus.Registerer, t *ClientTransport) (*clientMetrics, error) {
	m := &clientMetrics{
		registeredCollectors: registeredCollectors{registerer: reg},

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests by their outcome.",
		}, []string{"outcome"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "messages_total",
			Help:      "Messages by their outcome.",
		}, []string{"outcome"}),

		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of completed requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}

	inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "requests_in_flight",
		Help:      "Requests which are not yet completed.",
	}, func() float64 {
		return float64(t.InFlight())
	})

	channels := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "pooled_channels",
		Help:      "Channels in the client's pool.",
	}, func() float64 {
		return float64(t.pool.Len())
	})

	err := m.register(m.requests, m.messages, m.latency, inFlight, channels,
		memoryGauge("client", t.requestMemory), memoryGauge("client", t.messageMemory))
	if err != nil {
		m.unregister()
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) requestCompleted(state RequestState, duration time.Duration) {
	switch state {
	case Completed:
		m.requests.WithLabelValues("completed").Inc()
		m.latency.Observe(duration.Seconds())
	case Failed:
		m.requests.WithLabelValues("failed").Inc()
	case TimedOut:
		m.requests.WithLabelValues("timed_out").Inc()
	}
}

func (m *clientMetrics) requestRejected() {
	m.requests.WithLabelValues("rejected").Inc()
}

func (m *clientMetrics) messageSent() {
	m.messages.WithLabelValues("sent").Inc()
}

func (m *clientMetrics) messageRejected() {
	m.messages.WithLabelValues("rejected").Inc()
}

type serverMetrics struct {
	registeredCollectors

	frames   *prometheus.CounterVec
	accepted *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer, s *ServerTransport) (*serverMetrics, error) {
	m := &serverMetrics{
		registeredCollectors: registeredCollectors{registerer: reg},

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Inbound data frames by their type.",
		}, []string{"type"}),

		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Accepted connections by their outcome.",
		}, []string{"outcome"}),
	}

	channels := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "server",
		Name:      "channels",
		Help:      "Open server channels.",
	}, func() float64 {
		return float64(s.ChannelCount())
	})

	if err := m.register(m.frames, m.accepted, channels, memoryGauge("server", s.memory)); err != nil {
		m.unregister()
		return nil, err
	}
	return m, nil
}

func (m *serverMetrics) frameReceived(kind string) {
	m.frames.WithLabelValues(kind).Inc()
}

func (m *serverMetrics) connection(outcome string) {
	m.accepted.WithLabelValues(outcome).Inc()
}
