// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

// SignatureDatabase is the on-disk repository format (JSON or YAML).
type SignatureDatabase struct {
	Version     string      `json:"version" yaml:"version"`
	GeneratedAt time.Time   `json:"generated_at,omitempty" yaml:"generated_at,omitempty"`
	Signatures  []Signature `json:"signatures" yaml:"signatures"`
}

// RepositoryConfig controls signature refresh.
type RepositoryConfig struct {
	Path           string
	UpdateInterval time.Duration
	// Watch reloads on file changes as well as on the interval.
	Watch bool
	// Debounce collapses bursts of file events. Zero means 250ms.
	Debounce time.Duration
}

// ReloadFunc observes every refresh attempt.
type ReloadFunc func(set *SignatureSet, err error)

// Repository loads signatures from disk into a SignatureStore. A failed
// reload keeps the previous generation active.
type Repository struct {
	cfg      RepositoryConfig
	store    *SignatureStore
	clock    clock.Clock
	logger   *logging.Logger
	onReload ReloadFunc

	mu       sync.Mutex
	lastErr  error
	lastLoad time.Time
}

// NewRepository wires a repository to store. clk may be nil for wall time.
func NewRepository(cfg RepositoryConfig, store *SignatureStore, clk clock.Clock, logger *logging.Logger) *Repository {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	return &Repository{
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: logger.WithComponent("signatures"),
	}
}

// OnReload registers fn, replacing any previous observer.
func (r *Repository) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// LoadFile reads and compiles a signature database without installing it.
func LoadFile(path string) (*SignatureSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read signature database")
	}

	var db SignatureDatabase
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &db)
	default:
		err = json.Unmarshal(data, &db)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to parse signature database %s", filepath.Base(path))
	}

	set, err := NewSignatureSet(db.Version, db.Signatures)
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return set, nil
}

// Refresh loads the repository and swaps it in. On error the active
// generation is untouched and the error is returned for reporting.
func (r *Repository) Refresh() error {
	set, err := LoadFile(r.cfg.Path)

	r.mu.Lock()
	r.lastErr = err
	if err == nil {
		r.lastLoad = r.clock.Now()
	}
	observer := r.onReload
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Signature reload failed, keeping previous generation",
			"path", r.cfg.Path, "generation", r.store.Current().Generation, "error", err)
	} else {
		r.store.Swap(set)
		set = r.store.Current()
		r.logger.Info("Signatures loaded",
			"path", r.cfg.Path, "version", set.Version, "signatures", set.Len(), "generation", set.Generation)
	}
	if observer != nil {
		observer(set, err)
	}
	return err
}

// LastError is the result of the most recent refresh.
func (r *Repository) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Run performs an initial refresh and then refreshes on the interval and,
// when enabled, on file changes. It returns when ctx is done. Refresh
// failures are never fatal.
func (r *Repository) Run(ctx context.Context) error {
	if r.cfg.Path == "" {
		<-ctx.Done()
		return nil
	}
	_ = r.Refresh()

	var tick <-chan time.Time
	if r.cfg.UpdateInterval > 0 {
		ticker := r.clock.Ticker(r.cfg.UpdateInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if r.cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.logger.Warn("File watching unavailable, using interval only", "error", err)
		} else {
			defer watcher.Close()
			// Watch the directory: editors and deploy tools replace the file.
			if err := watcher.Add(filepath.Dir(r.cfg.Path)); err != nil {
				r.logger.Warn("Failed to watch signature directory", "error", err)
			} else {
				fsEvents, fsErrors = watcher.Events, watcher.Errors
			}
		}
	}

	var (
		debounce  *clock.Timer
		debounced <-chan time.Time
	)
	target := filepath.Clean(r.cfg.Path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case <-tick:
			_ = r.Refresh()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = r.clock.Timer(r.cfg.Debounce)
				debounced = debounce.C
			} else {
				debounce.Reset(r.cfg.Debounce)
			}
		case <-debounced:
			_ = r.Refresh()
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			r.logger.Warn("Signature watcher error", "error", err)
		}
	}
}
