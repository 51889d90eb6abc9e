// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig tunes the circuit breaker in front of the connection.
type NATSConfig struct {
	Subject string
	// Consecutive failures before the breaker opens.
	FailureThreshold uint32
	// How long the breaker stays open before probing.
	Timeout time.Duration
}

// DefaultNATSConfig returns the breaker defaults.
func DefaultNATSConfig(subject string) NATSConfig {
	return NATSConfig{Subject: subject, FailureThreshold: 5, Timeout: 30 * time.Second}
}

// NATSSink publishes JSON records to a subject. An open breaker fails
// writes immediately so a dead server costs nothing per record.
type NATSSink struct {
	pub     Publisher
	subject string
	cb      *gobreaker.CircuitBreaker[struct{}]
	logger  *logging.Logger
}

// DialNATS connects with reconnects enabled.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vakthund"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "connect to NATS %s", url)
	}
	return nc, nil
}

// NewNATSSink wraps pub.
func NewNATSSink(pub Publisher, cfg NATSConfig, logger *logging.Logger) *NATSSink {
	logger = logger.WithComponent("telemetry-nats")
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return &NATSSink{
		pub:     pub,
		subject: cfg.Subject,
		logger:  logger,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "nats-telemetry",
			MaxRequests: 1,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal telemetry record")
	}
	_, err = s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.pub.Publish(s.subject, data)
	})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "publish telemetry record")
	}
	return nil
}

// State is the breaker state.
func (s *NATSSink) State() gobreaker.State { return s.cb.State() }
