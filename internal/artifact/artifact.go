// Package artifact persists fitted scalers and detectors to a directory so
// that a trained run can be restored for scoring.
//
// Layout:
//
//	<dir>/manifest.json   run metadata and per-model thresholds
//	<dir>/scaler.gob      robust scaler statistics
//	<dir>/<kind>.gob      one file per fitted detector
//	<dir>/.lock           advisory lock held during reads and writes
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/detectors/registry"
	"github.com/hed1ad/turboguard/pkg/scaler"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

const (
	manifestFile = "manifest.json"
	scalerFile   = "scaler.gob"
	lockFile     = ".lock"

	lockRetry = 50 * time.Millisecond
)

var (
	// ErrNoArtifacts is returned when the directory holds no manifest.
	ErrNoArtifacts = errors.New("no artifacts found")
	// ErrUnknownModel is returned when a requested model was not saved.
	ErrUnknownModel = errors.New("model not in artifacts")
)

// ModelEntry records one saved detector.
type ModelEntry struct {
	Kind      string              `json:"kind"`
	File      string              `json:"file"`
	Threshold threshold.Threshold `json:"threshold"`
}

// Manifest describes a saved training run.
type Manifest struct {
	RunID       string       `json:"run_id"`
	CreatedAt   time.Time    `json:"created_at"`
	Features    []string     `json:"features"`
	LabelWindow int          `json:"label_window"`
	Models      []ModelEntry `json:"models"`
}

// Entry returns the manifest entry for kind.
func (m Manifest) Entry(kind string) (ModelEntry, bool) {
	for _, e := range m.Models {
		if e.Kind == kind {
			return e, true
		}
	}
	return ModelEntry{}, false
}

// Kinds lists the saved model kinds in manifest order.
func (m Manifest) Kinds() []string {
	out := make([]string, len(m.Models))
	for i, e := range m.Models {
		out[i] = e.Kind
	}
	return out
}

// Model pairs a fitted detector with its cutoff.
type Model struct {
	Detector  detectors.Detector
	Threshold threshold.Threshold
}

// Bundle is a restored training run.
type Bundle struct {
	Manifest Manifest
	Scaler   *scaler.Robust
	Models   map[string]Model
}

// Model returns the restored detector of the given kind.
func (b *Bundle) Model(kind string) (Model, error) {
	m, ok := b.Models[kind]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s (saved: %v)", ErrUnknownModel, kind, b.Manifest.Kinds())
	}
	return m, nil
}

// Store reads and writes artifacts under a single directory.
type Store struct {
	dir  string
	lock *flock.Flock
}

// Open prepares dir for artifacts, creating it if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Store{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFile)),
	}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the scaler, every model and finally the manifest. The
// manifest's model entries are rebuilt from models.
func (s *Store) Save(ctx context.Context, manifest Manifest, sc *scaler.Robust, models map[string]Model) error {
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire artifact lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("artifact directory %s is locked", s.dir)
	}
	defer s.lock.Unlock() //nolint:errcheck

	data, err := sc.Save()
	if err != nil {
		return fmt.Errorf("encode scaler: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, scalerFile), data); err != nil {
		return err
	}

	kinds := make([]string, 0, len(models))
	for k := range models {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	manifest.Models = manifest.Models[:0]
	for _, kind := range kinds {
		m := models[kind]
		data, err := registry.Marshal(m.Detector)
		if err != nil {
			return fmt.Errorf("encode %s: %w", kind, err)
		}
		name := kind + ".gob"
		if err := writeAtomic(filepath.Join(s.dir, name), data); err != nil {
			return err
		}
		manifest.Models = append(manifest.Models, ModelEntry{Kind: kind, File: name, Threshold: m.Threshold})
	}

	if manifest.Features == nil {
		manifest.Features = sc.Names()
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, manifestFile), raw)
}

// Manifest reads the manifest without decoding any model.
func (s *Store) Manifest() (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w in %s", ErrNoArtifacts, s.dir)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Load restores the scaler and the requested models. With no kinds given,
// every saved model is restored.
func (s *Store) Load(ctx context.Context, kinds ...string) (*Bundle, error) {
	ok, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire artifact lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("artifact directory %s is locked", s.dir)
	}
	defer s.lock.Unlock() //nolint:errcheck

	manifest, err := s.Manifest()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, scalerFile))
	if err != nil {
		return nil, fmt.Errorf("read scaler: %w", err)
	}
	sc, err := scaler.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if len(manifest.Features) > 0 {
		if err := sc.CheckSchema(manifest.Features); err != nil {
			return nil, fmt.Errorf("scaler does not match manifest: %w", err)
		}
	}

	if len(kinds) == 0 {
		kinds = manifest.Kinds()
	}

	b := &Bundle{Manifest: manifest, Scaler: sc, Models: make(map[string]Model, len(kinds))}
	for _, kind := range kinds {
		entry, ok := manifest.Entry(kind)
		if !ok {
			return nil, fmt.Errorf("%w: %s (saved: %v)", ErrUnknownModel, kind, manifest.Kinds())
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.File))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", kind, err)
		}
		d, err := registry.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if d.Kind() != kind {
			return nil, fmt.Errorf("%s holds a %s model", entry.File, d.Kind())
		}
		b.Models[kind] = Model{Detector: d, Threshold: entry.Threshold}
	}
	return b, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
