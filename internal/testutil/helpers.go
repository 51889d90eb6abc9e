// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireNFT skips the test unless VAKTHUND_NFT_TEST is set. Tests that
// program a real nftables table need root and a disposable network
// namespace.
func RequireNFT(t *testing.T) {
	t.Helper()
	if os.Getenv("VAKTHUND_NFT_TEST") == "" {
		t.Skip("Skipping test: requires VAKTHUND_NFT_TEST environment")
	}
}
