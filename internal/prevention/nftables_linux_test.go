// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package prevention

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/testutil"
)

func TestNFTBackendInstallRemove(t *testing.T) {
	testutil.RequireNFT(t)

	b, err := NewNFTBackend("vakthund_test", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	v4 := netip.MustParseAddr("10.0.0.7")
	v6 := netip.MustParseAddr("fd00::7")

	require.NoError(t, b.InstallRule(v4, ActionBlock))
	require.NoError(t, b.InstallRule(v4, ActionBlock))
	require.NoError(t, b.InstallRule(v6, ActionAllow))
	// Switching action moves the element between sets.
	require.NoError(t, b.InstallRule(v4, ActionAllow))

	require.NoError(t, b.RemoveRule(v4))
	require.NoError(t, b.RemoveRule(v4))
	require.NoError(t, b.RemoveRule(v6))
}

func TestNewBackendKinds(t *testing.T) {
	b, err := NewBackend("memory", "", logging.Nop())
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, b)

	_, err = NewBackend("iptables", "", logging.Nop())
	require.Error(t, err)
}
