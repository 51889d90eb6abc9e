// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts records by type and alerts by kind and severity.
type PrometheusSink struct {
	Records  *prometheus.CounterVec
	Alerts   *prometheus.CounterVec
	Rules    *prometheus.CounterVec
	Throttle prometheus.Counter
}

// NewPrometheusSink registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "telemetry_records_total",
			Help:      "Telemetry records delivered, by type",
		}, []string{"type"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "alerts_total",
			Help:      "Detection alerts, by kind and severity",
		}, []string{"kind", "severity"}),
		Rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "firewall_rule_mutations_total",
			Help:      "Firewall rule set changes, by operation",
		}, []string{"op"}),
		Throttle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vakthund",
			Name:      "throttled_total",
			Help:      "Connection attempts refused by the rate limiter",
		}),
	}
	for _, c := range []prometheus.Collector{s.Records, s.Alerts, s.Rules, s.Throttle} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Write(_ context.Context, r Record) error {
	s.Records.WithLabelValues(string(r.Type)).Inc()
	switch r.Type {
	case TypeAlert:
		if r.Alert != nil {
			s.Alerts.WithLabelValues(r.Alert.Kind.String(), r.Alert.Severity.String()).Inc()
		}
	case TypeRuleInstalled:
		s.Rules.WithLabelValues("install").Inc()
	case TypeRuleRemoved:
		s.Rules.WithLabelValues("remove").Inc()
	case TypeRuleEvicted:
		s.Rules.WithLabelValues("evict").Inc()
	case TypeRuleRejected:
		s.Rules.WithLabelValues("reject").Inc()
	case TypeThrottle:
		s.Throttle.Inc()
	}
	return nil
}
