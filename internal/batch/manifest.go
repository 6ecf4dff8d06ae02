package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Manifest appends one JSON line per processed file. Safe for concurrent use.
type Manifest struct {
	mu   sync.Mutex
	path string
}

// NewManifest returns a Manifest writing to path. The file is created on the
// first Append.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

// Path returns the manifest location.
func (m *Manifest) Path() string { return m.path }

// Append writes r as a single JSON line.
func (m *Manifest) Append(r FileResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("batch: marshal manifest record: %w", err)
	}
	data = append(data, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("batch: open manifest: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("batch: write manifest: %w", err)
	}
	return nil
}
