// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"strings"

	"grimm.is/vakthund/internal/errors"
)

// Strategy selects what Publish does when a consumer queue is full. It is
// fixed per bus.
type Strategy int

const (
	// StrategyYield retries cooperatively, then fails with ErrFull.
	StrategyYield Strategy = iota
	// StrategyDropOldest discards the oldest queued value to make room.
	StrategyDropOldest
	// StrategyBlock waits for space, a cancelled context or Close.
	StrategyBlock
)

func (s Strategy) String() string {
	switch s {
	case StrategyYield:
		return "yield"
	case StrategyDropOldest:
		return "drop"
	case StrategyBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseStrategy maps the full_queue_strategy config value.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "yield":
		return StrategyYield, nil
	case "drop", "drop-oldest", "drop_oldest":
		return StrategyDropOldest, nil
	case "block":
		return StrategyBlock, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown full queue strategy %q", s)
}

// Action is what the publisher does with one consumer queue.
type Action int

const (
	ActionEnqueue Action = iota
	ActionRetry
	ActionDropOldest
	ActionWait
)

// Decide is the policy: a pure function of queue state.
func (s Strategy) Decide(full bool) Action {
	if !full {
		return ActionEnqueue
	}
	switch s {
	case StrategyDropOldest:
		return ActionDropOldest
	case StrategyBlock:
		return ActionWait
	default:
		return ActionRetry
	}
}
