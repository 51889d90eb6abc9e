// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

const jsonDB = `{
  "version": "2026.10.1",
  "generated_at": "2026-10-01T00:00:00Z",
  "signatures": [
    {"id": "MQTT-BRUTE", "name": "mqtt default creds", "pattern": "admin:admin", "severity": "high"},
    {"id": "MODBUS-WRITE", "name": "coil sweep", "pattern": "0f 00 00", "type": "binary", "severity": 4}
  ]
}`

const yamlDB = `version: "2026.10.2"
signatures:
  - id: COAP-DISCOVERY
    name: coap resource discovery
    pattern: ".well-known/core"
    severity: medium
  - id: TELNET
    name: telnet banner
    pattern: "BusyBox"
    severity: critical
    enabled: false
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "sigs.json")
	writeFile(t, jsonPath, jsonDB)
	set, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "2026.10.1", set.Version)
	assert.Equal(t, 2, set.Len())
	m := set.Match([]byte{0x01, 0x0f, 0x00, 0x00})
	require.Len(t, m, 1)
	assert.Equal(t, SeverityCritical, m[0].Signature.Severity)

	yamlPath := filepath.Join(dir, "sigs.yaml")
	writeFile(t, yamlPath, yamlDB)
	set, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "2026.10.2", set.Version)
	assert.Equal(t, 1, set.Len(), "disabled signature skipped")
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"signatures": [`)
	_, err = LoadFile(bad)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	dup := filepath.Join(dir, "dup.json")
	writeFile(t, dup, `{"signatures": [{"id": "a", "pattern": "x"}, {"id": "a", "pattern": "y"}]}`)
	_, err = LoadFile(dup)
	require.Error(t, err)
	assert.Equal(t, dup, errors.GetAttributes(err)["path"])
}

func TestRefreshKeepsPreviousGenerationOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.json")
	writeFile(t, path, jsonDB)

	store := NewSignatureStore()
	repo := NewRepository(RepositoryConfig{Path: path}, store, nil, logging.Nop())

	var reloads []error
	repo.OnReload(func(_ *SignatureSet, err error) { reloads = append(reloads, err) })

	require.NoError(t, repo.Refresh())
	gen := store.Current().Generation
	assert.EqualValues(t, 1, gen)

	writeFile(t, path, `not json`)
	require.Error(t, repo.Refresh())
	assert.Equal(t, gen, store.Current().Generation)
	assert.Equal(t, "2026.10.1", store.Current().Version)
	assert.Error(t, repo.LastError())

	require.Len(t, reloads, 2)
	assert.NoError(t, reloads[0])
	assert.Error(t, reloads[1])
}

func TestRunRefreshesOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.json")
	writeFile(t, path, jsonDB)

	mock := clock.NewMock()
	store := NewSignatureStore()
	repo := NewRepository(RepositoryConfig{Path: path, UpdateInterval: time.Minute}, store, mock, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repo.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Current().Generation == 1 }, time.Second, 5*time.Millisecond)

	writeFile(t, path, `{"version": "next", "signatures": [{"id": "x", "pattern": "evil"}]}`)
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return store.Current().Version == "next"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.yaml")
	writeFile(t, path, yamlDB)

	store := NewSignatureStore()
	repo := NewRepository(RepositoryConfig{Path: path, Watch: true, Debounce: 10 * time.Millisecond}, store, nil, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = repo.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Current().Version == "2026.10.2" }, time.Second, 5*time.Millisecond)

	// The watcher may attach after the first write; keep rewriting until seen.
	require.Eventually(t, func() bool {
		writeFile(t, path, "version: edited\nsignatures:\n  - id: a\n    pattern: zzz\n")
		return store.Current().Version == "edited"
	}, 3*time.Second, 50*time.Millisecond)
}
