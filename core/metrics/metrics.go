// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package metrics records upload and command metrics with prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relabs-tech/bridge/iot"
)

var sizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144}

// Prometheus implements iot.Metrics
type Prometheus struct {
	uploads     *prometheus.CounterVec
	uploadSize  *prometheus.HistogramVec
	commands    *prometheus.CounterVec
	commandSize *prometheus.HistogramVec
}

// Builder is a builder helper for Prometheus
type Builder struct {
	// Namespace prefixes all metric names. Defaults to "bridge".
	Namespace string
	// Adapter is the constant "adapter" label, e.g. "http"
	Adapter string
	// Registerer defaults to prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// New creates and registers the metrics. It panics if the metrics are registered twice
// with the same registerer, like prometheus.MustRegister.
func New(b *Builder) *Prometheus {
	namespace := b.Namespace
	if namespace == "" {
		namespace = "bridge"
	}
	registerer := b.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"adapter": b.Adapter}

	p := &Prometheus{
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "messages_received_total",
				Help:        "Total number of telemetry and event messages received from devices",
				ConstLabels: constLabels,
			},
			[]string{"type", "outcome", "qos", "ttd"},
		),
		uploadSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "messages_payload_bytes",
				Help:        "Payload size of telemetry and event messages received from devices",
				Buckets:     sizeBuckets,
				ConstLabels: constLabels,
			},
			[]string{"type"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "commands_total",
				Help:        "Total number of command and command response messages",
				ConstLabels: constLabels,
			},
			[]string{"direction", "outcome"},
		),
		commandSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "commands_payload_bytes",
				Help:        "Payload size of command and command response messages",
				Buckets:     sizeBuckets,
				ConstLabels: constLabels,
			},
			[]string{"direction"},
		),
	}
	registerer.MustRegister(p.uploads, p.uploadSize, p.commands, p.commandSize)
	return p
}

// RecordUpload implements iot.Metrics
func (p *Prometheus) RecordUpload(outcome iot.ProcessingOutcome, endpoint iot.Endpoint, qos iot.QoS, size int, ttd iot.TTDStatus) {
	p.uploads.WithLabelValues(string(endpoint), string(outcome), string(qos), string(ttd)).Inc()
	if outcome == iot.OutcomeForwarded {
		p.uploadSize.WithLabelValues(string(endpoint)).Observe(float64(size))
	}
}

// RecordCommand implements iot.Metrics
func (p *Prometheus) RecordCommand(direction iot.Direction, outcome iot.ProcessingOutcome, size int) {
	p.commands.WithLabelValues(string(direction), string(outcome)).Inc()
	if outcome == iot.OutcomeForwarded {
		p.commandSize.WithLabelValues(string(direction)).Observe(float64(size))
	}
}
