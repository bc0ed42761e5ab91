// Package directory is the durable store of committed circuits. Writes come
// only from the consensus commit path; everything else reads.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/types"
)

var (
	ErrNotFound = errors.New("circuit not found")
	ErrConflict = errors.New("circuit id already committed with a different definition")
)

// Record is the persisted form of one committed circuit.
type Record struct {
	Circuit     types.Circuit    `json:"circuit" yaml:"circuit"`
	ProposalID  types.ProposalID `json:"proposal_id" yaml:"proposal_id"`
	CommittedAt time.Time        `json:"committed_at" yaml:"committed_at"`
	DisbandedAt *time.Time       `json:"disbanded_at,omitempty" yaml:"disbanded_at,omitempty"`
}

// Backend persists records. Put must be atomic: after an error the previous
// contents are intact.
type Backend interface {
	Load() ([]Record, error)
	Put(rec Record) error
}

// Directory is safe for concurrent use
type Directory struct {
	mu      sync.RWMutex
	backend Backend
	records map[types.CircuitID]Record

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open loads every record the backend holds.
func Open(backend Backend, logger *zap.Logger, m *metrics.Metrics) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}

	recs, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit directory: %w", err)
	}

	d := &Directory{
		backend: backend,
		records: make(map[types.CircuitID]Record, len(recs)),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	for _, rec := range recs {
		d.records[rec.Circuit.ID] = rec
	}
	d.updateGauge()

	logger.Debug("Circuit directory opened", zap.Int("circuits", len(recs)))
	return d, nil
}

// ApplyCommitted durably records a committed circuit as Active. Applying the
// same proposal or an identical definition again is a no-op.
func (d *Directory) ApplyCommitted(proposalID types.ProposalID, circuit *types.Circuit) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.records[circuit.ID]; ok {
		if existing.ProposalID == proposalID || existing.Circuit.Equal(circuit) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, circuit.ID)
	}

	committed := circuit.Clone()
	committed.Status = types.CircuitActive
	rec := Record{
		Circuit:     *committed,
		ProposalID:  proposalID,
		CommittedAt: d.now().UTC(),
	}
	if err := d.backend.Put(rec); err != nil {
		d.metrics.DirectoryWriteFailures.Inc()
		return fmt.Errorf("failed to persist circuit %s: %w", circuit.ID, err)
	}
	d.records[circuit.ID] = rec
	d.updateGauge()

	d.logger.Info("Circuit committed",
		zap.String("circuit_id", string(circuit.ID)),
		zap.String("proposal_id", string(proposalID)),
		zap.Int("members", len(circuit.Members)))
	return nil
}

// Get returns a copy of the circuit.
func (d *Directory) Get(id types.CircuitID) (*types.Circuit, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return nil, false
	}
	return rec.Circuit.Clone(), true
}

// Record returns the full persisted record for id.
func (d *Directory) Record(id types.CircuitID) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	rec.Circuit = *rec.Circuit.Clone()
	return rec, true
}

// List returns every circuit, disbanded ones included, ordered by id.
func (d *Directory) List() []types.Circuit {
	d.mu.RLock()
	out := make([]types.Circuit, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec.Circuit.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Routable reports whether id is durably committed and Active.
func (d *Directory) Routable(id types.CircuitID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	return ok && rec.Circuit.Status == types.CircuitActive
}

// Disband marks a circuit Disbanded. The record is kept.
func (d *Directory) Disband(id types.CircuitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Circuit.Status == types.CircuitDisbanded {
		return nil
	}

	at := d.now().UTC()
	rec.Circuit = *rec.Circuit.Clone()
	rec.Circuit.Status = types.CircuitDisbanded
	rec.DisbandedAt = &at
	if err := d.backend.Put(rec); err != nil {
		d.metrics.DirectoryWriteFailures.Inc()
		return fmt.Errorf("failed to persist disband of %s: %w", id, err)
	}
	d.records[id] = rec
	d.updateGauge()

	d.logger.Info("Circuit disbanded", zap.String("circuit_id", string(id)))
	return nil
}

// updateGauge must be called with mu held.
func (d *Directory) updateGauge() {
	active := 0
	for _, rec := range d.records {
		if rec.Circuit.Status == types.CircuitActive {
			active++
		}
	}
	d.metrics.CircuitsActive.Set(float64(active))
}
