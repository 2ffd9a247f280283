package checkpoint

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dotsetgreg/dotpersona/pkg/heartbeat"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// DefaultMaxCheckpoints is how many checkpoints are retained.
const DefaultMaxCheckpoints = 10

// Source captures a consistent view of live state.
type Source interface {
	Capture() (Checkpoint, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Checkpoint, error)

func (f SourceFunc) Capture() (Checkpoint, error) { return f() }

// Manager snapshots state into a Store and restores the newest snapshot.
// It never mutates live state.
type Manager struct {
	store  Store
	source Source
	max    int
	now    func() time.Time

	idMu    sync.Mutex
	entropy *rand.Rand

	// saveMu orders save and prune so retention stays bounded.
	saveMu sync.Mutex
}

func NewManager(store Store, source Source, maxCheckpoints int) *Manager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &Manager{
		store:   store,
		source:  source,
		max:     maxCheckpoints,
		now:     time.Now,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the timestamp source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) newID(ts time.Time) string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), m.entropy).String()
}

// Snapshot captures live state and stamps it. Nothing is written.
func (m *Manager) Snapshot(ctx context.Context) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	cp, err := m.source.Capture()
	if err != nil {
		return Checkpoint{}, &PersistenceError{Op: "snapshot", Err: err}
	}
	cp.Version = Version
	cp.Timestamp = m.now().UTC()
	cp.ID = m.newID(cp.Timestamp)
	return cp, nil
}

// Save writes cp and prunes the oldest checkpoints beyond the retention bound.
func (m *Manager) Save(ctx context.Context, cp Checkpoint) (Meta, error) {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = m.now().UTC()
	}
	if cp.ID == "" {
		cp.ID = m.newID(cp.Timestamp)
	}
	if cp.Version == 0 {
		cp.Version = Version
	}
	payload, err := Encode(cp)
	if err != nil {
		return Meta{}, &PersistenceError{Op: "encode", Err: err}
	}
	meta := Meta{ID: cp.ID, Version: cp.Version, Timestamp: cp.Timestamp, Size: len(payload)}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := m.store.Append(ctx, meta, payload); err != nil {
		return Meta{}, &PersistenceError{Op: "write", Err: err}
	}
	if err := m.pruneLocked(ctx); err != nil {
		logger.WarnCF("checkpoint", "Prune failed", map[string]interface{}{"error": err.Error()})
	}
	counts := cp.Counts()
	logger.InfoCF("checkpoint", "Checkpoint saved", map[string]interface{}{
		"id":       meta.ID,
		"bytes":    meta.Size,
		"personas": counts.Personas,
		"messages": counts.Messages,
		"queue":    counts.Queue,
	})
	return meta, nil
}

func (m *Manager) pruneLocked(ctx context.Context) error {
	metas, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	if len(metas) <= m.max {
		return nil
	}
	sortNewestFirst(metas)
	stale := make([]string, 0, len(metas)-m.max)
	for _, meta := range metas[m.max:] {
		stale = append(stale, meta.ID)
	}
	return m.store.Delete(ctx, stale...)
}

// SaveNow snapshots and saves in one step. Errors are logged as warnings
// and returned for callers that want to report them.
func (m *Manager) SaveNow(ctx context.Context) (Meta, error) {
	cp, err := m.Snapshot(ctx)
	if err == nil {
		var meta Meta
		meta, err = m.Save(ctx, cp)
		if err == nil {
			return meta, nil
		}
	}
	logger.WarnCF("checkpoint", "Checkpoint not saved; continuing on in-memory state", map[string]interface{}{
		"error": err.Error(),
	})
	return Meta{}, err
}

// Final writes the shutdown checkpoint.
func (m *Manager) Final(ctx context.Context) (Meta, error) {
	logger.InfoC("checkpoint", "Writing final checkpoint")
	return m.SaveNow(ctx)
}

// List returns stored checkpoints, most recent timestamp first.
func (m *Manager) List(ctx context.Context) ([]Meta, error) {
	metas, err := m.store.List(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	sortNewestFirst(metas)
	return metas, nil
}

// Load decodes one stored checkpoint.
func (m *Manager) Load(ctx context.Context, id string) (Checkpoint, error) {
	payload, err := m.store.Load(ctx, id)
	if err != nil {
		return Checkpoint{}, &PersistenceError{Op: "read", Err: err}
	}
	cp, err := Decode(payload)
	if err != nil {
		return Checkpoint{}, &PersistenceError{Op: "decode", Err: err}
	}
	if cp.ID == "" {
		cp.ID = id
	}
	return cp, nil
}

// RestoreLatest returns the valid checkpoint with the greatest timestamp.
// Unreadable checkpoints are skipped. ok is false when none exists.
func (m *Manager) RestoreLatest(ctx context.Context) (Checkpoint, bool, error) {
	metas, err := m.List(ctx)
	if err != nil {
		return Checkpoint{}, false, err
	}
	for _, meta := range metas {
		cp, err := m.Load(ctx, meta.ID)
		if err != nil {
			logger.WarnCF("checkpoint", "Skipping unreadable checkpoint", map[string]interface{}{
				"id":    meta.ID,
				"error": err.Error(),
			})
			continue
		}
		logger.InfoCF("checkpoint", "Checkpoint restored", map[string]interface{}{
			"id":        cp.ID,
			"timestamp": cp.Timestamp.Format(time.RFC3339Nano),
		})
		return cp, true, nil
	}
	return Checkpoint{}, false, nil
}

// Import stores an externally produced checkpoint, keeping its timestamp.
func (m *Manager) Import(ctx context.Context, payload []byte) (Checkpoint, error) {
	cp, err := Decode(payload)
	if err != nil {
		return Checkpoint{}, &PersistenceError{Op: "import", Err: err}
	}
	if cp.ID == "" {
		cp.ID = m.newID(cp.Timestamp)
	} else if _, err := m.store.Load(ctx, cp.ID); err == nil {
		// Already present locally.
		return cp, nil
	}
	if _, err := m.Save(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// AutoSave returns a started service that saves on schedule until stopped.
func (m *Manager) AutoSave(schedule heartbeat.Schedule) (*heartbeat.Service, error) {
	svc := heartbeat.NewScheduled("checkpoint-autosave", schedule, true)
	svc.SetHandler(func(ctx context.Context) {
		_, _ = m.SaveNow(ctx)
	})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

func sortNewestFirst(metas []Meta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Timestamp.Equal(metas[j].Timestamp) {
			return metas[i].ID > metas[j].ID
		}
		return metas[i].Timestamp.After(metas[j].Timestamp)
	})
}
