// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"net/netip"
	"slices"
	"sync"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

// Backend enforces rule intents. Both calls must be idempotent.
type Backend interface {
	InstallRule(src netip.Addr, action Action) error
	RemoveRule(src netip.Addr) error
}

// Intent is one recorded backend call.
type Intent struct {
	Source netip.Addr
	Action Action
	Remove bool
}

// MemoryBackend records intents without enforcing anything. It is the
// default and what simulations use.
type MemoryBackend struct {
	mu      sync.Mutex
	rules   map[netip.Addr]Action
	intents []Intent
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rules: make(map[netip.Addr]Action)}
}

func (m *MemoryBackend) InstallRule(src netip.Addr, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rules[src]; ok && cur == action {
		return nil
	}
	m.rules[src] = action
	m.intents = append(m.intents, Intent{Source: src, Action: action})
	return nil
}

func (m *MemoryBackend) RemoveRule(src netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[src]; !ok {
		return nil
	}
	delete(m.rules, src)
	m.intents = append(m.intents, Intent{Source: src, Remove: true})
	return nil
}

// Installed returns the enforced action for src.
func (m *MemoryBackend) Installed(src netip.Addr) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rules[src]
	return a, ok
}

// Sources lists sources with an installed rule, sorted.
func (m *MemoryBackend) Sources() []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]netip.Addr, 0, len(m.rules))
	for src := range m.rules {
		out = append(out, src)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

// Intents returns every state-changing call in order.
func (m *MemoryBackend) Intents() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.intents)
}

// NewBackend builds the backend named in configuration.
func NewBackend(kind, table string, logger *logging.Logger) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "nftables":
		b, err := NewNFTBackend(table, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Errorf(errors.KindValidation, "unknown firewall backend %q", kind)
}
