// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/telemetry"
)

// MetricsTap counts events and payload bytes by protocol.
type MetricsTap struct {
	events *prometheus.CounterVec
	bytes  *prometheus.CounterVec
}

// NewMetricsTap registers its collectors with reg.
func NewMetricsTap(reg prometheus.Registerer) (*MetricsTap, error) {
	t := &MetricsTap{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "events_total",
			Help:      "Events seen on the event bus, by protocol",
		}, []string{"protocol"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes seen on the event bus, by protocol",
		}, []string{"protocol"}),
	}
	for _, c := range []prometheus.Collector{t.events, t.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *MetricsTap) Name() string { return "metrics" }

func (t *MetricsTap) Handle(ev *packet.Event) {
	proto := ev.Protocol.String()
	t.events.WithLabelValues(proto).Inc()
	t.bytes.WithLabelValues(proto).Add(float64(len(ev.Payload())))
}

// DecodeTelemetry reports decode failures as telemetry records.
func DecodeTelemetry(emitter telemetry.Emitter) detection.DecodeReporter {
	return detection.DecodeReporterFunc(func(ev *packet.Event, err error) {
		emitter.Emit(telemetry.Record{
			Type:    telemetry.TypeDecodeFailure,
			Time:    ev.Timestamp,
			Source:  ev.Source.Addr().String(),
			EventID: ev.ID,
			Detail:  err.Error(),
			Fields:  map[string]any{"protocol": ev.Protocol.String()},
		})
	})
}

// DecodeReporters fans a decode failure out to every non-nil reporter.
func DecodeReporters(rs ...detection.DecodeReporter) detection.DecodeReporter {
	return detection.DecodeReporterFunc(func(ev *packet.Event, err error) {
		for _, r := range rs {
			if r != nil {
				r.DecodeFailed(ev, err)
			}
		}
	})
}
