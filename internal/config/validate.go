// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their HCL names so messages match the config file.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("hcl"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// ValidationError is one configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express. It returns every problem found, not just the first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if err := getValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !stderrors.As(err, &fieldErrs) {
			return ValidationErrors{{Field: "config", Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}
	if c.EventBus == nil || c.Memory == nil || c.Detection == nil || c.Quarantine == nil || c.Pipeline == nil {
		return errs
	}

	if !isPowerOfTwo(c.EventBus.Capacity) {
		errs = append(errs, ValidationError{Field: "event_bus.capacity", Message: fmt.Sprintf("must be a power of two, got %d", c.EventBus.Capacity)})
	}
	if !isPowerOfTwo(c.EventBus.AlertCapacity) {
		errs = append(errs, ValidationError{Field: "event_bus.alert_capacity", Message: fmt.Sprintf("must be a power of two, got %d", c.EventBus.AlertCapacity)})
	}
	if c.Memory.ArenaChunkSize < c.Memory.MaxPacketSize {
		errs = append(errs, ValidationError{Field: "memory.arena_chunk_size", Message: "must be at least max_packet_size"})
	}

	errs = append(errs, checkDuration("detection.update_interval", c.Detection.UpdateInterval, time.Second, 0)...)
	errs = append(errs, checkDuration("quarantine.timeout", c.Quarantine.Timeout, 60*time.Second, 86400*time.Second)...)
	errs = append(errs, checkDuration("pipeline.drain_timeout", c.Pipeline.DrainTimeout, time.Millisecond, 0)...)
	errs = append(errs, checkDuration("simulator.latency", c.Simulator.Latency, 0, 0)...)
	errs = append(errs, checkDuration("simulator.jitter", c.Simulator.Jitter, 0, 0)...)

	return errs
}

func checkDuration(field, value string, min, max time.Duration) ValidationErrors {
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", value)}}
	}
	if d < min {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("must be at least %s", min)}}
	}
	if max > 0 && d > max {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("must be at most %s", max)}}
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// fieldPath turns "Config.event_bus.capacity" into "event_bus.capacity".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "cidr|ip":
		return fmt.Sprintf("%v is not an address or CIDR prefix", fe.Value())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
