// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())

	assert.Equal(t, 4096, cfg.EventBus.Capacity)
	assert.Equal(t, "yield", cfg.EventBus.FullQueueStrategy)
	assert.Equal(t, 1514, cfg.Memory.MaxPacketSize)
	assert.Equal(t, 600*time.Second, cfg.Quarantine.TimeoutDuration())
	assert.Equal(t, uint64(42), cfg.Simulator.SeedValue())
	assert.Equal(t, uint64(3), cfg.Simulator.BugTarget())
}

func TestLoadHCLFillsDefaults(t *testing.T) {
	src := `
event_bus {
  capacity            = 1024
  full_queue_strategy = "drop"
}

quarantine {
  whitelist = ["10.0.0.0/24", "192.168.1.7"]
}

simulator {
  seed                 = 7
  bug_injection_target = 0
}
`
	cfg, err := LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.EventBus.Capacity)
	assert.Equal(t, "drop", cfg.EventBus.FullQueueStrategy)
	assert.Equal(t, 2, cfg.EventBus.NumConsumers)
	assert.Equal(t, "600s", cfg.Quarantine.Timeout)
	assert.Len(t, cfg.Quarantine.Whitelist, 2)
	assert.Equal(t, uint64(7), cfg.Simulator.SeedValue())
	assert.Equal(t, uint64(0), cfg.Simulator.BugTarget(), "explicit zero disables injection")
	assert.Equal(t, 5*time.Millisecond, cfg.Simulator.JitterDuration())
	assert.Zero(t, cfg.Simulator.LatencyDuration())
	assert.Equal(t, 10000, cfg.Firewall.MaxRules)
	assert.Empty(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON([]byte(`{"anomaly": {"window_size": 5000, "threshold": 3.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Anomaly.WindowSize)
	assert.Equal(t, 3.5, cfg.Anomaly.Threshold)
	assert.Equal(t, 16, cfg.Anomaly.History)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"capacity not power of two", func(c *Config) { c.EventBus.Capacity = 3000 }, "event_bus.capacity"},
		{"capacity too small", func(c *Config) { c.EventBus.Capacity = 64 }, "event_bus.capacity"},
		{"unknown strategy", func(c *Config) { c.EventBus.FullQueueStrategy = "spin" }, "event_bus.full_queue_strategy"},
		{"max rules too small", func(c *Config) { c.Firewall.MaxRules = 10 }, "firewall.max_rules"},
		{"bad policy", func(c *Config) { c.Firewall.DefaultPolicy = "reject" }, "firewall.default_policy"},
		{"quarantine timeout too short", func(c *Config) { c.Quarantine.Timeout = "5s" }, "quarantine.timeout"},
		{"negative timeout", func(c *Config) { c.Quarantine.Timeout = "-10m" }, "quarantine.timeout"},
		{"loss rate above one", func(c *Config) { c.Simulator.LossRate = 1.5 }, "simulator.loss_rate"},
		{"negative fault rate", func(c *Config) { c.Simulator.FaultRate = -0.1 }, "simulator.fault_rate"},
		{"negative jitter", func(c *Config) { c.Simulator.Jitter = "-1ms" }, "simulator.jitter"},
		{"bad whitelist", func(c *Config) { c.Quarantine.Whitelist = []string{"not-an-ip"} }, "quarantine.whitelist[0]"},
		{"bad severity", func(c *Config) { c.Alerts.MinSeverity = "urgent" }, "alerts.min_severity"},
		{"zero threshold", func(c *Config) { c.Anomaly.Threshold = -1 }, "anomaly.threshold"},
		{"chunk smaller than packet", func(c *Config) { c.Memory.ArenaChunkSize = 1024; c.Memory.MaxPacketSize = 1514 }, "memory.arena_chunk_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.True(t, errs.HasErrors())

			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestLoadFileValidationIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vakthund.hcl")
	require.NoError(t, os.WriteFile(path, []byte("event_bus {\n  capacity = 1000\n}\n"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.True(t, strings.Contains(err.Error(), "power of two"))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}
