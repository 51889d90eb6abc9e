// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package prevention

import (
	"net/netip"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

// NFTBackend is only available on linux.
type NFTBackend struct{}

func NewNFTBackend(table string, logger *logging.Logger) (*NFTBackend, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

func (b *NFTBackend) InstallRule(netip.Addr, Action) error {
	return errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

func (b *NFTBackend) RemoveRule(netip.Addr) error {
	return errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

// Close is a no-op.
func (b *NFTBackend) Close() error { return nil }
