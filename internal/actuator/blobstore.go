package actuator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/visifruit/core/internal/security"
)

// Blob is the opaque, versioned per-driver calibration record of §6: "per
// driver calibration blob, an opaque key-value record with versioning. The
// core never edits these outside the calibrate() path."
type Blob struct {
	Version int                `json:"version"`
	Values  map[string]float64 `json:"values"`
}

// BlobStore persists and loads one Blob per driver key (e.g. "labeler",
// "diverter.apple").
type BlobStore interface {
	Load(key string) (*Blob, error)
	Save(key string, blob *Blob) error
}

// MemBlobStore is an in-memory BlobStore for tests and simulation mode.
type MemBlobStore struct {
	mu   sync.Mutex
	data map[string]*Blob
}

// NewMemBlobStore creates an empty in-memory blob store.
func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{data: make(map[string]*Blob)}
}

func (m *MemBlobStore) Load(key string) (*Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return &Blob{Version: 0, Values: map[string]float64{}}, nil
	}
	clone := *b
	clone.Values = make(map[string]float64, len(b.Values))
	for k, v := range b.Values {
		clone.Values[k] = v
	}
	return &clone, nil
}

func (m *MemBlobStore) Save(key string, blob *Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *blob
	clone.Values = make(map[string]float64, len(blob.Values))
	for k, v := range blob.Values {
		clone.Values[k] = v
	}
	m.data[key] = &clone
	return nil
}

// FileBlobStore persists each key's Blob as "<dir>/<key>.json", validated to
// stay within dir using the same path-traversal discipline the teacher
// applies to its own config file loads.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates a FileBlobStore rooted at dir. dir must already
// exist.
func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{dir: dir}
}

func (f *FileBlobStore) path(key string) (string, error) {
	p := filepath.Join(f.dir, key+".json")
	if err := security.ValidatePathWithinDirectory(p, f.dir); err != nil {
		return "", err
	}
	return p, nil
}

func (f *FileBlobStore) Load(key string) (*Blob, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return &Blob{Version: 0, Values: map[string]float64{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", p, err)
	}
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("blobstore: parse %s: %w", p, err)
	}
	return &blob, nil
}

func (f *FileBlobStore) Save(key string, blob *Blob) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("blobstore: marshal %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", p, err)
	}
	return nil
}
