// Package checkpoint persists versioned snapshots of algorithm state and
// enforces a keep-last-N retention policy over them.
//
// Layout: one directory per step under the configured base directory, named
// step_<N>, holding the binary weights artifact and a MANIFEST.json record.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cartridge/learner/model"
)

const (
	artifactName = "weights.bin"
	manifestName = "MANIFEST.json"
)

// Manifest describes one persisted checkpoint.
type Manifest struct {
	Step     int64             `json:"step"`
	Path     string            `json:"path"`
	Checksum string            `json:"checksum"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config configures checkpoint persistence.
type Config struct {
	// Dir is the base directory (bucket mount) checkpoints are written under.
	Dir string
	// KeepLast bounds how many checkpoints are retained.
	KeepLast int
}

// Manager persists checkpoints and tracks their manifests, newest first.
// Save is safe for concurrent use; the manifest list never exceeds KeepLast
// entries after a save completes.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	manifests []*Manifest
}

// NewManager creates a checkpoint manager rooted at cfg.Dir.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 3
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, model.NewError(model.ErrCheckpointWrite, "create checkpoint directory").WithCause(err)
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "checkpoints")),
	}, nil
}

// Save persists algorithm state for step and returns the new manifest.
// Artifact and manifest writes happen outside the lock; the manifest list
// update (append, re-sort, trim) is a single critical section.
func (m *Manager) Save(step int64, state []byte, metadata map[string]string) (*Manifest, error) {
	dir := filepath.Join(m.cfg.Dir, fmt.Sprintf("step_%d", step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Errorf(model.ErrCheckpointWrite, "create checkpoint dir for step %d", step).WithCause(err)
	}

	artifact := filepath.Join(dir, artifactName)
	if err := os.WriteFile(artifact, state, 0o644); err != nil {
		return nil, model.Errorf(model.ErrCheckpointWrite, "write checkpoint artifact for step %d", step).WithCause(err)
	}

	sum := sha256.Sum256(state)
	manifest := &Manifest{
		Step:     step,
		Path:     artifact,
		Checksum: hex.EncodeToString(sum[:]),
		Metadata: cloneMetadata(metadata),
	}
	manifest.Metadata["artifact"] = artifactName

	if err := m.writeManifestFile(dir, manifest); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.manifests = append(m.manifests, manifest)
	sort.Slice(m.manifests, func(i, j int) bool {
		return m.manifests[i].Step > m.manifests[j].Step
	})
	m.trimLocked()
	m.mu.Unlock()

	return manifest, nil
}

// Latest returns the most recent manifest, or nil when no checkpoint exists.
func (m *Manager) Latest() *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.manifests) == 0 {
		return nil
	}
	return m.manifests[0]
}

// Manifests returns a copy of the manifest list, newest first.
func (m *Manager) Manifests() []*Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Manifest, len(m.manifests))
	copy(out, m.manifests)
	return out
}

// trimLocked drops the oldest manifests beyond KeepLast. Artifact deletion is
// best-effort: the in-memory list is always updated so callers never see a
// stale reference, even when removal fails.
func (m *Manager) trimLocked() {
	for len(m.manifests) > m.cfg.KeepLast {
		oldest := m.manifests[len(m.manifests)-1]
		m.manifests = m.manifests[:len(m.manifests)-1]
		if err := os.RemoveAll(filepath.Dir(oldest.Path)); err != nil {
			m.logger.Warn("failed to remove trimmed checkpoint",
				zap.Int64("step", oldest.Step),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) writeManifestFile(dir string, manifest *Manifest) error {
	record := map[string]any{
		"step":     manifest.Step,
		"checksum": manifest.Checksum,
	}
	for k, v := range manifest.Metadata {
		record[k] = v
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return model.NewError(model.ErrCheckpointWrite, "encode manifest").WithCause(err)
	}
	path := filepath.Join(dir, manifestName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return model.Errorf(model.ErrCheckpointWrite, "write manifest for step %d", manifest.Step).WithCause(err)
	}
	return nil
}

func cloneMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
