package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"circuitmesh/pkg/types"
)

// MemoryBackend keeps records in memory only
type MemoryBackend struct {
	mu      sync.Mutex
	records map[types.CircuitID]Record
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[types.CircuitID]Record)}
}

func (b *MemoryBackend) Load() ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedRecords(b.records), nil
}

func (b *MemoryBackend) Put(rec Record) error {
	b.mu.Lock()
	b.records[rec.Circuit.ID] = rec
	b.mu.Unlock()
	return nil
}

// circuitsFile is the on-disk layout of a YAMLFileBackend.
type circuitsFile struct {
	Circuits []Record `yaml:"circuits"`
}

// YAMLFileBackend stores all records in one YAML file, rewritten through a
// temporary file and a rename on every Put.
type YAMLFileBackend struct {
	path string

	mu      sync.Mutex
	records map[types.CircuitID]Record
}

// NewYAMLFileBackend creates a backend writing to path, creating the parent
// directory if needed.
func NewYAMLFileBackend(path string) (*YAMLFileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return &YAMLFileBackend{path: path}, nil
}

func (b *YAMLFileBackend) Path() string { return b.path }

func (b *YAMLFileBackend) Load() ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return sortedRecords(b.records), nil
}

func (b *YAMLFileBackend) loadLocked() error {
	b.records = make(map[types.CircuitID]Record)

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", b.path, err)
	}

	var file circuitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", b.path, err)
	}
	for _, rec := range file.Circuits {
		b.records[rec.Circuit.ID] = rec
	}
	return nil
}

func (b *YAMLFileBackend) Put(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.records == nil {
		if err := b.loadLocked(); err != nil {
			return err
		}
	}

	next := make(map[types.CircuitID]Record, len(b.records)+1)
	for id, r := range b.records {
		next[id] = r
	}
	next[rec.Circuit.ID] = rec

	data, err := yaml.Marshal(circuitsFile{Circuits: sortedRecords(next)})
	if err != nil {
		return fmt.Errorf("failed to encode circuits: %w", err)
	}
	if err := writeFileAtomic(b.path, data); err != nil {
		return err
	}
	b.records = next
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// best effort: persist the rename itself
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func sortedRecords(m map[types.CircuitID]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Circuit.ID < out[j].Circuit.ID })
	return out
}
