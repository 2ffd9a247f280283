package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/heartbeat"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

func f(v float64) *float64 { return &v }

type liveState struct {
	human    *memory.HumanStore
	registry *persona.Registry
	queue    []scheduler.Job
}

func newLiveState(t *testing.T) *liveState {
	t.Helper()
	human := memory.NewHumanStore(nil, map[string]string{"name": "Sam"})
	reg := persona.NewRegistry(human, "")
	ei, _, err := reg.EnsureDefault()
	require.NoError(t, err)
	frodo, err := reg.Create("Frodo", "ring bearer")
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for i, p := range []persona.Persona{ei, frodo} {
		p.History.Append(memory.NewHumanMessage("hello", now))
		p.History.Append(memory.NewSystemMessage("hi there", now.Add(time.Second)))
		if i == 1 {
			p.History.Append(memory.NewHumanMessage("how is the shire?", now.Add(2*time.Second)))
		}
		p.Concepts.Merge(now, memory.ConceptDelta{Name: "curious", Type: memory.ConceptTrait, Strength: f(0.7)})
	}
	human.MergeFrom(frodo.ID, now, []memory.ConceptDelta{{Name: "likes gardens", Type: memory.ConceptTopic}})

	return &liveState{
		human:    human,
		registry: reg,
		queue:    []scheduler.Job{{ID: "j1", PersonaID: frodo.ID, Kind: scheduler.KindTraitExtraction, Trigger: now}},
	}
}

func (s *liveState) Capture() (Checkpoint, error) {
	return Build(s.human, s.registry.List(true), s.queue, map[string]string{"active_persona": "ei"}), nil
}

func newTestManager(t *testing.T, src Source, max int) (*Manager, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, src, max), store
}

func TestRestoreLatestRoundTrip(t *testing.T) {
	live := newLiveState(t)
	m, _ := newTestManager(t, live, 0)
	ctx := context.Background()

	before, err := live.Capture()
	require.NoError(t, err)
	_, err = m.SaveNow(ctx)
	require.NoError(t, err)

	cp, ok, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, before.Counts(), cp.Counts())
	assert.Equal(t, "ei", cp.Settings["active_persona"])

	restored := persona.NewRegistry(cp.HumanStore(), "")
	require.NoError(t, restored.Load(cp.PersonaList()))
	for _, p := range live.registry.List(true) {
		got, err := restored.Get(p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.DisplayName, got.DisplayName)
		assert.Equal(t, p.History.Len(), got.History.Len())
		assert.Equal(t, p.Concepts.Len(), got.Concepts.Len())
		assert.Equal(t, p.SystemCritical, got.SystemCritical)
	}
	human := restored.Human()
	c, ok := human.Concepts().Get("likes gardens")
	require.True(t, ok)
	assert.NotEmpty(t, c.LearnedBy)
	name, _ := human.Setting("name")
	assert.Equal(t, "Sam", name)

	require.Len(t, cp.Queue, 1)
	assert.Equal(t, scheduler.KindTraitExtraction, cp.Queue[0].Kind)
}

func TestRestoreLatestUsesTimestampNotAppendOrder(t *testing.T) {
	live := newLiveState(t)
	m, _ := newTestManager(t, live, 0)
	ctx := context.Background()

	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-24 * time.Hour)

	cp, err := live.Capture()
	require.NoError(t, err)
	cp.Timestamp = newer
	cp.Settings["marker"] = "newer"
	_, err = m.Save(ctx, cp)
	require.NoError(t, err)

	cp2, err := live.Capture()
	require.NoError(t, err)
	cp2.Timestamp = older
	cp2.Settings["marker"] = "older"
	_, err = m.Save(ctx, cp2)
	require.NoError(t, err)

	got, ok, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newer", got.Settings["marker"])
}

func TestSavePrunesOldestByTimestamp(t *testing.T) {
	live := newLiveState(t)
	m, _ := newTestManager(t, live, 3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, offset := range []int{4, 0, 2, 1, 3} {
		cp, err := live.Capture()
		require.NoError(t, err)
		cp.Timestamp = base.Add(time.Duration(offset) * time.Hour)
		_, err = m.Save(ctx, cp)
		require.NoError(t, err)
	}

	metas, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.True(t, metas[0].Timestamp.Equal(base.Add(4*time.Hour)))
	assert.True(t, metas[2].Timestamp.Equal(base.Add(2*time.Hour)))
}

func TestRestoreLatestSkipsCorruptCheckpoint(t *testing.T) {
	live := newLiveState(t)
	m, store := newTestManager(t, live, 0)
	ctx := context.Background()

	good, err := m.SaveNow(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, Meta{ID: "broken", Version: 1, Timestamp: good.Timestamp.Add(time.Hour)}, []byte("{not json")))

	cp, ok, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, good.ID, cp.ID)
}

func TestRestoreLatestEmpty(t *testing.T) {
	m, _ := newTestManager(t, newLiveState(t), 0)
	_, ok, err := m.RestoreLatest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingStore struct{ Store }

func (failingStore) Append(context.Context, Meta, []byte) error { return errors.New("disk full") }

func TestSaveFailureIsPersistenceError(t *testing.T) {
	m := NewManager(failingStore{}, newLiveState(t), 0)
	_, err := m.SaveNow(context.Background())
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "write", pe.Op)
}

func TestDecodeToleratesMissingFields(t *testing.T) {
	cp, err := Decode([]byte(`{"timestamp":"2026-01-01T00:00:00Z","personas":{"p1":{"entity":{"display_name":"Old","is_paused":true}}}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Version)
	assert.NotNil(t, cp.Settings)
	assert.NotNil(t, cp.Human.Concepts)

	list := cp.PersonaList()
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, persona.StatePaused, list[0].State)

	_, err = Decode([]byte(`{"version":1}`))
	assert.Error(t, err)
}

func TestDecodeReadsNewerVersionBestEffort(t *testing.T) {
	cp, err := Decode([]byte(`{
  "version": 2,
  "timestamp": "2026-01-01T00:00:00Z",
  "personas": {"p1": {"entity": {"display_name": "Gandalf"}, "mood": "grim"}},
  "queue": [{"id": "j1", "persona_id": "p1", "kind": "drift", "priority": 3}],
  "new_field": "x"
}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Version)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cp.Timestamp.UTC())

	list := cp.PersonaList()
	require.Len(t, list, 1)
	assert.Equal(t, "Gandalf", list[0].DisplayName)
	require.Len(t, cp.Queue, 1)
	assert.Equal(t, scheduler.KindDrift, cp.Queue[0].Kind)
}

func TestAutoSaveWritesOnSchedule(t *testing.T) {
	m, _ := newTestManager(t, newLiveState(t), 0)
	svc, err := m.AutoSave(heartbeat.Every(10 * time.Millisecond))
	require.NoError(t, err)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		metas, err := m.List(context.Background())
		return err == nil && len(metas) >= 2
	}, 5*time.Second, 5*time.Millisecond)
}
