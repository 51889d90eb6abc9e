// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the vakthund configuration schema, its defaults and
// its validation. Every block is optional; omitted blocks and omitted fields
// take the value from the matching Default*Config constructor.
package config

import (
	"time"
)

// Config is the root of the vakthund configuration.
type Config struct {
	EventBus   *EventBusConfig   `hcl:"event_bus,block" json:"event_bus,omitempty" validate:"required"`
	Memory     *MemoryConfig     `hcl:"memory,block" json:"memory,omitempty" validate:"required"`
	Detection  *DetectionConfig  `hcl:"detection,block" json:"detection,omitempty" validate:"required"`
	Anomaly    *AnomalyConfig    `hcl:"anomaly,block" json:"anomaly,omitempty" validate:"required"`
	Monitor    *MonitorConfig    `hcl:"monitor,block" json:"monitor,omitempty" validate:"required"`
	Firewall   *FirewallConfig   `hcl:"firewall,block" json:"firewall,omitempty" validate:"required"`
	RateLimit  *RateLimitConfig  `hcl:"rate_limit,block" json:"rate_limit,omitempty" validate:"required"`
	Quarantine *QuarantineConfig `hcl:"quarantine,block" json:"quarantine,omitempty" validate:"required"`
	Alerts     *AlertsConfig     `hcl:"alerts,block" json:"alerts,omitempty" validate:"required"`
	Simulator  *SimulatorConfig  `hcl:"simulator,block" json:"simulator,omitempty" validate:"required"`
	Telemetry  *TelemetryConfig  `hcl:"telemetry,block" json:"telemetry,omitempty" validate:"required"`
	Pipeline   *PipelineConfig   `hcl:"pipeline,block" json:"pipeline,omitempty" validate:"required"`
	API        *APIConfig        `hcl:"api,block" json:"api,omitempty" validate:"required"`
	Logging    *LoggingConfig    `hcl:"logging,block" json:"logging,omitempty" validate:"required"`
}

// EventBusConfig sizes the event and alert buses.
type EventBusConfig struct {
	// Slots per consumer queue. Must be a power of two.
	// @default: 4096
	Capacity int `hcl:"capacity,optional" json:"capacity" validate:"min=128,max=1048576"`

	// Independent consumers of the event stream: detection, enforcement,
	// then optional taps. 1 runs detection alone.
	// @default: 2
	NumConsumers int `hcl:"num_consumers,optional" json:"num_consumers" validate:"min=1,max=64"`

	// One of "yield", "drop" (drop-oldest) or "block".
	// @default: "yield"
	FullQueueStrategy string `hcl:"full_queue_strategy,optional" json:"full_queue_strategy" validate:"oneof=yield drop block"`

	// Slots in the alert bus between detection and prevention.
	// @default: 1024
	AlertCapacity int `hcl:"alert_capacity,optional" json:"alert_capacity" validate:"min=128,max=1048576"`
}

// MemoryConfig sizes the packet arena and pool.
type MemoryConfig struct {
	// @default: 65536
	ArenaChunkSize int `hcl:"arena_chunk_size,optional" json:"arena_chunk_size" validate:"min=1024"`

	// Pooled packet slots.
	// @default: 8192
	InitialCapacity int `hcl:"initial_capacity,optional" json:"initial_capacity" validate:"min=1"`

	// @default: 1514
	MaxPacketSize int `hcl:"max_packet_size,optional" json:"max_packet_size" validate:"min=64,max=65535"`
}

// DetectionConfig controls the signature path.
type DetectionConfig struct {
	// JSON or YAML signature repository. Empty disables signatures.
	SignaturePath string `hcl:"signature_path,optional" json:"signature_path"`

	// @default: "5m"
	UpdateInterval string `hcl:"update_interval,optional" json:"update_interval"`

	// Reload on file change in addition to the interval.
	Watch bool `hcl:"watch,optional" json:"watch"`

	// Detection workers; sources are pinned to one worker.
	// @default: 4
	Workers int `hcl:"workers,optional" json:"workers" validate:"min=1,max=256"`
}

// AnomalyConfig tunes the statistical detector.
type AnomalyConfig struct {
	// Samples kept per source. Scoring starts once the window is full.
	// @default: 1000
	WindowSize int `hcl:"window_size,optional" json:"window_size" validate:"min=2,max=1000000"`

	// z-score above which an anomaly is raised.
	// @default: 3.0
	Threshold float64 `hcl:"threshold,optional" json:"threshold" validate:"gt=0"`

	// Recent events per source used to derive rate features.
	// @default: 16
	History int `hcl:"history,optional" json:"history" validate:"min=2,max=4096"`
}

// MonitorConfig holds operator hard limits, independent of the z-score threshold.
type MonitorConfig struct {
	// packets/s
	PacketRate float64 `hcl:"packet_rate,optional" json:"packet_rate" validate:"gt=0"`
	// KiB/s
	DataVolume float64 `hcl:"data_volume,optional" json:"data_volume" validate:"gt=0"`
	// bits
	PortEntropy float64 `hcl:"port_entropy,optional" json:"port_entropy" validate:"gt=0"`
	// connections/s
	ConnectionRate float64 `hcl:"connection_rate,optional" json:"connection_rate" validate:"gt=0"`
}

// FirewallConfig bounds the rule set.
type FirewallConfig struct {
	// @default: 10000
	MaxRules int `hcl:"max_rules,optional" json:"max_rules" validate:"min=100,max=100000"`

	// "allow" or "block" when no rule matches.
	// @default: "allow"
	DefaultPolicy string `hcl:"default_policy,optional" json:"default_policy" validate:"oneof=allow block"`

	// "memory" or "nftables".
	// @default: "memory"
	Backend string `hcl:"backend,optional" json:"backend" validate:"oneof=memory nftables"`

	// nftables table name.
	// @default: "vakthund"
	Table string `hcl:"table,optional" json:"table" validate:"required,alphanum"`
}

// RateLimitConfig sizes the per-source token bucket.
type RateLimitConfig struct {
	// Refill rate, tokens per second.
	// @default: 100
	MaxConnections float64 `hcl:"max_connections,optional" json:"max_connections" validate:"gt=0"`

	// Bucket capacity.
	// @default: 200
	BurstSize int `hcl:"burst_size,optional" json:"burst_size" validate:"min=1"`
}

// QuarantineConfig controls the quarantine state machine.
type QuarantineConfig struct {
	// @default: "600s"
	Timeout string `hcl:"timeout,optional" json:"timeout"`

	// Addresses or CIDR prefixes never quarantined.
	Whitelist []string `hcl:"whitelist,optional" json:"whitelist" validate:"dive,cidr|ip"`
}

// AlertsConfig filters which alerts drive prevention.
type AlertsConfig struct {
	// @default: "medium"
	MinSeverity string `hcl:"min_severity,optional" json:"min_severity" validate:"oneof=low medium high critical"`
}

// SimulatorConfig parameterises deterministic runs.
type SimulatorConfig struct {
	// @default: 42
	Seed *uint64 `hcl:"seed,optional" json:"seed,omitempty"`

	// @default: 10000
	EventCount int `hcl:"event_count,optional" json:"event_count" validate:"min=1"`

	// Event id that receives a malformed payload. 0 disables injection.
	// @default: 3
	BugInjectionTarget *uint64 `hcl:"bug_injection_target,optional" json:"bug_injection_target,omitempty"`

	// Halt after this event id. 0 runs to event_count.
	ReplayTarget uint64 `hcl:"replay_target,optional" json:"replay_target"`

	// Stop feeding events after the first bug report.
	HaltOnBug bool `hcl:"halt_on_bug,optional" json:"halt_on_bug"`

	// @default: "simulation_logs"
	LogDir string `hcl:"log_dir,optional" json:"log_dir"`

	// @default: "bug_reports"
	ReportDir string `hcl:"report_dir,optional" json:"report_dir"`

	// Optional sqlite database recording event digests and bug reports.
	StorePath string `hcl:"store_path,optional" json:"store_path"`

	// Fixed network delay added to every event's virtual time step.
	// @default: "0s"
	Latency string `hcl:"latency,optional" json:"latency"`

	// Upper bound of the seeded random delay added on top of latency.
	// @default: "5ms"
	Jitter string `hcl:"jitter,optional" json:"jitter"`

	// Fraction of generated frames lost before detection sees them.
	LossRate float64 `hcl:"loss_rate,optional" json:"loss_rate" validate:"min=0,max=1"`

	// Fraction of generated frames truncated in transit.
	FaultRate float64 `hcl:"fault_rate,optional" json:"fault_rate" validate:"min=0,max=1"`
}

// TelemetryConfig selects the telemetry sinks.
type TelemetryConfig struct {
	// @default: true
	Prometheus bool `hcl:"prometheus,optional" json:"prometheus"`

	// Empty disables the NATS sink.
	NATSURL string `hcl:"nats_url,optional" json:"nats_url" validate:"omitempty,url"`

	// @default: "vakthund.telemetry"
	NATSSubject string `hcl:"nats_subject,optional" json:"nats_subject"`

	// Records buffered before the fan-out starts dropping.
	// @default: 1024
	Buffer int `hcl:"buffer,optional" json:"buffer" validate:"min=1"`
}

// PipelineConfig controls shutdown.
type PipelineConfig struct {
	// @default: "5s"
	DrainTimeout string `hcl:"drain_timeout,optional" json:"drain_timeout"`
}

// APIConfig enables the HTTP surface.
type APIConfig struct {
	// e.g. "127.0.0.1:8080"; empty disables the server.
	Listen string `hcl:"listen,optional" json:"listen" validate:"omitempty,hostname_port"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// @default: "info"
	Level string `hcl:"level,optional" json:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() *Config {
	return &Config{
		EventBus:   DefaultEventBusConfig(),
		Memory:     DefaultMemoryConfig(),
		Detection:  DefaultDetectionConfig(),
		Anomaly:    DefaultAnomalyConfig(),
		Monitor:    DefaultMonitorConfig(),
		Firewall:   DefaultFirewallConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Quarantine: DefaultQuarantineConfig(),
		Alerts:     DefaultAlertsConfig(),
		Simulator:  DefaultSimulatorConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Pipeline:   DefaultPipelineConfig(),
		API:        &APIConfig{},
		Logging:    &LoggingConfig{Level: "info"},
	}
}

func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{
		Capacity:          4096,
		NumConsumers:      2,
		FullQueueStrategy: "yield",
		AlertCapacity:     1024,
	}
}

func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		ArenaChunkSize:  65536,
		InitialCapacity: 8192,
		MaxPacketSize:   1514,
	}
}

func DefaultDetectionConfig() *DetectionConfig {
	return &DetectionConfig{
		UpdateInterval: "5m",
		Workers:        4,
	}
}

func DefaultAnomalyConfig() *AnomalyConfig {
	return &AnomalyConfig{
		WindowSize: 1000,
		Threshold:  3.0,
		History:    16,
	}
}

func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		PacketRate:     1000,
		DataVolume:     100,
		PortEntropy:    2.5,
		ConnectionRate: 500,
	}
}

func DefaultFirewallConfig() *FirewallConfig {
	return &FirewallConfig{
		MaxRules:      10000,
		DefaultPolicy: "allow",
		Backend:       "memory",
		Table:         "vakthund",
	}
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxConnections: 100,
		BurstSize:      200,
	}
}

func DefaultQuarantineConfig() *QuarantineConfig {
	return &QuarantineConfig{Timeout: "600s"}
}

func DefaultAlertsConfig() *AlertsConfig {
	return &AlertsConfig{MinSeverity: "medium"}
}

func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		Seed:               ptr[uint64](42),
		EventCount:         10000,
		BugInjectionTarget: ptr[uint64](3),
		LogDir:             "simulation_logs",
		ReportDir:          "bug_reports",
		Latency:            "0s",
		Jitter:             "5ms",
	}
}

func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Prometheus:  true,
		NATSSubject: "vakthund.telemetry",
		Buffer:      1024,
	}
}

func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{DrainTimeout: "5s"}
}

// SeedValue returns the configured seed or 42.
func (s *SimulatorConfig) SeedValue() uint64 {
	if s.Seed == nil {
		return 42
	}
	return *s.Seed
}

// BugTarget returns the bug injection event id (0 when disabled).
func (s *SimulatorConfig) BugTarget() uint64 {
	if s.BugInjectionTarget == nil {
		return 3
	}
	return *s.BugInjectionTarget
}

// UpdateIntervalDuration parses UpdateInterval. Validate has already rejected
// bad values, so a parse failure falls back to the default.
func (d *DetectionConfig) UpdateIntervalDuration() time.Duration {
	return parseDurationOr(d.UpdateInterval, 5*time.Minute)
}

// TimeoutDuration parses Timeout.
func (q *QuarantineConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(q.Timeout, 600*time.Second)
}

// LatencyDuration parses Latency.
func (s *SimulatorConfig) LatencyDuration() time.Duration {
	return parseDurationOr(s.Latency, 0)
}

// JitterDuration parses Jitter.
func (s *SimulatorConfig) JitterDuration() time.Duration {
	return parseDurationOr(s.Jitter, 5*time.Millisecond)
}

// DrainTimeoutDuration parses DrainTimeout.
func (p *PipelineConfig) DrainTimeoutDuration() time.Duration {
	return parseDurationOr(p.DrainTimeout, 5*time.Second)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func ptr[T any](v T) *T {
	return &v
}
