// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/vakthund/internal/errors"
)

// LoadFile loads an HCL or JSON config, fills defaults and validates it.
// Files with another extension are tried as HCL first, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		cfg, err = LoadHCL(data, path)
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		var hclErr error
		cfg, hclErr = LoadHCL(data, path)
		if hclErr != nil {
			var jsonErr error
			cfg, jsonErr = LoadJSON(data)
			if jsonErr != nil {
				err = fmt.Errorf("failed to parse config as HCL: %w (JSON fallback error: %v)", hclErr, jsonErr)
			}
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to load config")
	}

	if verrs := cfg.Validate(); verrs.HasErrors() {
		return nil, errors.Attr(errors.Wrap(verrs, errors.KindValidation, "invalid config"), "path", path)
	}
	return cfg, nil
}

// LoadHCL decodes HCL bytes and fills defaults. It does not validate.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %w", diags)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %w", diags)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadJSON decodes JSON bytes and fills defaults. It does not validate.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults replaces missing blocks with their defaults and fills zero
// fields of present blocks. Booleans and pointer fields are left as decoded.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()

	if c.EventBus == nil {
		c.EventBus = def.EventBus
	} else {
		orDefault(&c.EventBus.Capacity, def.EventBus.Capacity)
		orDefault(&c.EventBus.NumConsumers, def.EventBus.NumConsumers)
		orDefault(&c.EventBus.FullQueueStrategy, def.EventBus.FullQueueStrategy)
		orDefault(&c.EventBus.AlertCapacity, def.EventBus.AlertCapacity)
	}

	if c.Memory == nil {
		c.Memory = def.Memory
	} else {
		orDefault(&c.Memory.ArenaChunkSize, def.Memory.ArenaChunkSize)
		orDefault(&c.Memory.InitialCapacity, def.Memory.InitialCapacity)
		orDefault(&c.Memory.MaxPacketSize, def.Memory.MaxPacketSize)
	}

	if c.Detection == nil {
		c.Detection = def.Detection
	} else {
		orDefault(&c.Detection.UpdateInterval, def.Detection.UpdateInterval)
		orDefault(&c.Detection.Workers, def.Detection.Workers)
	}

	if c.Anomaly == nil {
		c.Anomaly = def.Anomaly
	} else {
		orDefault(&c.Anomaly.WindowSize, def.Anomaly.WindowSize)
		orDefault(&c.Anomaly.Threshold, def.Anomaly.Threshold)
		orDefault(&c.Anomaly.History, def.Anomaly.History)
	}

	if c.Monitor == nil {
		c.Monitor = def.Monitor
	} else {
		orDefault(&c.Monitor.PacketRate, def.Monitor.PacketRate)
		orDefault(&c.Monitor.DataVolume, def.Monitor.DataVolume)
		orDefault(&c.Monitor.PortEntropy, def.Monitor.PortEntropy)
		orDefault(&c.Monitor.ConnectionRate, def.Monitor.ConnectionRate)
	}

	if c.Firewall == nil {
		c.Firewall = def.Firewall
	} else {
		orDefault(&c.Firewall.MaxRules, def.Firewall.MaxRules)
		orDefault(&c.Firewall.DefaultPolicy, def.Firewall.DefaultPolicy)
		orDefault(&c.Firewall.Backend, def.Firewall.Backend)
		orDefault(&c.Firewall.Table, def.Firewall.Table)
	}

	if c.RateLimit == nil {
		c.RateLimit = def.RateLimit
	} else {
		orDefault(&c.RateLimit.MaxConnections, def.RateLimit.MaxConnections)
		orDefault(&c.RateLimit.BurstSize, def.RateLimit.BurstSize)
	}

	if c.Quarantine == nil {
		c.Quarantine = def.Quarantine
	} else {
		orDefault(&c.Quarantine.Timeout, def.Quarantine.Timeout)
	}

	if c.Alerts == nil {
		c.Alerts = def.Alerts
	} else {
		orDefault(&c.Alerts.MinSeverity, def.Alerts.MinSeverity)
	}

	if c.Simulator == nil {
		c.Simulator = def.Simulator
	} else {
		if c.Simulator.Seed == nil {
			c.Simulator.Seed = def.Simulator.Seed
		}
		if c.Simulator.BugInjectionTarget == nil {
			c.Simulator.BugInjectionTarget = def.Simulator.BugInjectionTarget
		}
		orDefault(&c.Simulator.EventCount, def.Simulator.EventCount)
		orDefault(&c.Simulator.LogDir, def.Simulator.LogDir)
		orDefault(&c.Simulator.ReportDir, def.Simulator.ReportDir)
		orDefault(&c.Simulator.Latency, def.Simulator.Latency)
		orDefault(&c.Simulator.Jitter, def.Simulator.Jitter)
	}

	if c.Telemetry == nil {
		c.Telemetry = def.Telemetry
	} else {
		orDefault(&c.Telemetry.NATSSubject, def.Telemetry.NATSSubject)
		orDefault(&c.Telemetry.Buffer, def.Telemetry.Buffer)
	}

	if c.Pipeline == nil {
		c.Pipeline = def.Pipeline
	} else {
		orDefault(&c.Pipeline.DrainTimeout, def.Pipeline.DrainTimeout)
	}

	if c.API == nil {
		c.API = def.API
	}

	if c.Logging == nil {
		c.Logging = def.Logging
	} else {
		orDefault(&c.Logging.Level, def.Logging.Level)
	}
}

func orDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
