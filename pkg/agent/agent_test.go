package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/checkpoint"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

var (
	responseName   = regexp.MustCompile(`^You are ([^,.\n]+)`)
	extractionName = regexp.MustCompile(`long-term memory of ([^.\n]+)\.`)
)

// brain is a fake model that answers each request kind from the prompt.
type brain struct {
	mu       sync.Mutex
	calls    int
	response func(name, last string) (string, error)
	gate     chan struct{}
	// extractGate holds human-side extractions; extracting is signalled
	// when one starts waiting on it.
	extractGate chan struct{}
	extracting  chan struct{}
}

func (b *brain) Chat(ctx context.Context, msgs []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	b.mu.Lock()
	b.calls++
	gate := b.gate
	extractGate, extracting := b.extractGate, b.extracting
	b.mu.Unlock()

	system := msgs[0].Content
	last := msgs[len(msgs)-1].Content
	var (
		out string
		err error
	)
	switch {
	case strings.HasPrefix(system, "You design conversational personas"):
		out = generationJSON
	case extractionName.MatchString(system):
		name := extractionName.FindStringSubmatch(system)[1]
		if extractGate != nil && strings.Contains(system, "about the HUMAN") {
			select {
			case extracting <- struct{}{}:
			default:
			}
			select {
			case <-extractGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		out = extractionJSON(name, system, last)
	case responseName.MatchString(system):
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		name := strings.TrimSpace(responseName.FindStringSubmatch(system)[1])
		if b.response != nil {
			out, err = b.response(name, last)
		} else {
			out = fmt.Sprintf(`{"should_respond": true, "reply": "%s heard: %s"}`, name, last)
		}
	default:
		err = errors.New("unexpected prompt")
	}
	if err != nil {
		return nil, err
	}
	return &providers.LLMResponse{Content: out, FinishReason: "stop"}, nil
}

func (b *brain) GetDefaultModel() string { return "fake:model" }

const generationJSON = `{
  "short_description": "a patient guide",
  "long_description": "Listens carefully and asks good questions.",
  "traits": [
    {"name": "patient", "description": "takes time", "sentiment": 0.5, "strength": 0.8},
    {"name": "curious", "description": "asks questions", "sentiment": 0.6, "strength": 0.7},
    {"name": "warm", "description": "kind tone", "sentiment": 0.9, "strength": 0.6}
  ],
  "topics": [
    {"name": "books", "description": "reading", "sentiment": 0.7, "exposure_current": 0.2, "exposure_desired": 0.6},
    {"name": "walks", "description": "outdoors", "sentiment": 0.4, "exposure_current": 0.1, "exposure_desired": 0.5},
    {"name": "tea", "description": "brewing", "sentiment": 0.5, "exposure_current": 0.3, "exposure_desired": 0.4}
  ]
}`

var lovesPattern = regexp.MustCompile(`I love (\w+)`)

// extractionJSON learns "likes X" about the human and "<name> voice" about
// the persona.
func extractionJSON(name, system, transcript string) string {
	if strings.Contains(system, "about the HUMAN") {
		m := lovesPattern.FindStringSubmatch(transcript)
		if m == nil {
			return `[]`
		}
		return fmt.Sprintf(`[{"name": "likes %s", "description": "mentioned %s", "type": "fact"}]`, m[1], m[1])
	}
	return fmt.Sprintf(`[{"name": "%s voice", "description": "how %s talks", "type": "trait", "strength": 0.5}]`, name, name)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Heartbeat.Enabled = false
	cfg.Checkpoint.AutoSaveIntervalMS = int(time.Hour / time.Millisecond)
	cfg.Sync.Username = "frodo"
	cfg.Sync.Passphrase = "mister underhill"
	return cfg
}

func newTestAgent(t *testing.T, b *brain, dbPath string) *Agent {
	t.Helper()
	var store checkpoint.Store
	if dbPath != "" {
		s, err := checkpoint.NewSQLiteStore(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		store = s
	}
	a, err := New(testConfig(), nil, b, store)
	require.NoError(t, err)
	a.SetTransportBackoff(0)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Quit(ctx)
	})
	waitAgent(t, a)
	return a
}

func waitAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
}

func TestStartCreatesAndGeneratesDefaultPersona(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")

	p, err := a.Registry().Resolve("ei")
	require.NoError(t, err)
	assert.True(t, p.SystemCritical)
	assert.Equal(t, p.ID, a.ActivePersonaID())
	assert.Equal(t, "a patient guide", p.ShortDescription)
	assert.Equal(t, 6, p.Concepts.Len())
}

func TestSendMessageRepliesAndExtracts(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")

	_, err := a.SendMessage(context.Background(), "I love tea")
	require.NoError(t, err)
	waitAgent(t, a)

	msgs, err := a.History("")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.RoleSystem, msgs[1].Role)
	assert.Equal(t, "ei heard: I love tea", msgs[1].Content)
	assert.True(t, msgs[0].ConceptProcessed)
	assert.False(t, msgs[1].ConceptProcessed, "the reply waits for the next exchange")

	fact, ok := a.Registry().Human().Concepts().Get("likes tea")
	require.True(t, ok)
	assert.Equal(t, a.ActivePersonaID(), fact.LearnedBy)
}

func TestPersonasDoNotShareConversationsOrTraits(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")
	_, err := a.CreatePersona("Gandalf", "a wandering wizard")
	require.NoError(t, err)
	waitAgent(t, a)

	ctx := context.Background()
	_, err = a.Send(ctx, "ei", "I love tea")
	require.NoError(t, err)
	_, err = a.Send(ctx, "gandalf", "I love fireworks")
	require.NoError(t, err)
	waitAgent(t, a)

	ei, err := a.Registry().Resolve("ei")
	require.NoError(t, err)
	gandalf, err := a.Registry().Resolve("gandalf")
	require.NoError(t, err)

	for _, m := range ei.History.All() {
		assert.NotContains(t, m.Content, "fireworks")
	}
	for _, m := range gandalf.History.All() {
		assert.NotContains(t, m.Content, "tea")
	}

	_, ok := ei.Concepts.Get("Gandalf voice")
	assert.False(t, ok)
	_, ok = gandalf.Concepts.Get("ei voice")
	assert.False(t, ok)
	_, ok = gandalf.Concepts.Get("Gandalf voice")
	assert.True(t, ok)

	human := a.Registry().Human().Concepts()
	tea, ok := human.Get("likes tea")
	require.True(t, ok)
	assert.Equal(t, ei.ID, tea.LearnedBy)
	fireworks, ok := human.Get("likes fireworks")
	require.True(t, ok)
	assert.Equal(t, gandalf.ID, fireworks.LearnedBy)
}

func TestExhaustedResponseIsVisibleButNotInContext(t *testing.T) {
	b := &brain{response: func(string, string) (string, error) { return "I would rather not", nil }}
	a := newTestAgent(t, b, "")

	_, err := a.SendMessage(context.Background(), "hello?")
	require.NoError(t, err)
	waitAgent(t, a)

	msgs, err := a.History("")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	failure := msgs[1]
	assert.Contains(t, failure.Content, "could not reply")
	assert.Equal(t, memory.ContextNever, failure.ContextStatus)

	p, err := a.Registry().Get(a.ActivePersonaID())
	require.NoError(t, err)
	recent := p.History.GetRecentMessages(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "hello?", recent[0].Content)
	assert.False(t, msgs[0].ConceptProcessed)
}

func TestDeclinedReplyStillExtracts(t *testing.T) {
	b := &brain{response: func(string, string) (string, error) { return `{"should_respond": false}`, nil }}
	a := newTestAgent(t, b, "")

	_, err := a.SendMessage(context.Background(), "I love puzzles")
	require.NoError(t, err)
	waitAgent(t, a)

	msgs, err := a.History("")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].ConceptProcessed)
	_, ok := a.Registry().Human().Concepts().Get("likes puzzles")
	assert.True(t, ok)
}

func TestPersonaCommands(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")
	ei := a.ActivePersonaID()

	_, err := a.CreatePersona("Gandalf", "wizard")
	require.NoError(t, err)
	_, err = a.CreatePersona("gandalf", "")
	assert.ErrorIs(t, err, persona.ErrDuplicate)
	waitAgent(t, a)

	res, err := a.AddAlias("gandalf", "Mithrandir")
	require.NoError(t, err)
	assert.False(t, res.Info)
	res, err = a.SwitchPersona("mithrandir")
	require.NoError(t, err)
	assert.Contains(t, res.Message, "Gandalf")
	res, err = a.SwitchPersona("Gandalf")
	require.NoError(t, err)
	assert.True(t, res.Info)

	_, err = a.DeletePersona("gandalf", false)
	assert.ErrorIs(t, err, persona.ErrNotArchived)

	_, err = a.ArchivePersona("gandalf")
	require.NoError(t, err)
	assert.Equal(t, ei, a.ActivePersonaID(), "archiving the active persona falls back to the default")

	_, err = a.Send(context.Background(), "gandalf", "you there?")
	assert.ErrorIs(t, err, persona.ErrInvalidTransition)

	_, err = a.ArchivePersona("ei")
	require.NoError(t, err)
	_, err = a.DeletePersona("ei", false)
	assert.ErrorIs(t, err, persona.ErrSystemCritical)
	assert.Empty(t, a.ActivePersonaID())
	_, err = a.UnarchivePersona("ei")
	require.NoError(t, err)
	assert.Equal(t, ei, a.ActivePersonaID())

	_, err = a.DeletePersona("gandalf", true)
	require.NoError(t, err)
	_, err = a.Registry().Resolve("gandalf")
	assert.ErrorIs(t, err, persona.ErrNotFound)
}

func TestDeleteRefusedWhileExtractionRuns(t *testing.T) {
	b := &brain{}
	a := newTestAgent(t, b, "")
	_, err := a.CreatePersona("Gandalf", "wizard")
	require.NoError(t, err)
	waitAgent(t, a)
	_, err = a.SwitchPersona("gandalf")
	require.NoError(t, err)
	gandalf := a.ActivePersonaID()

	gate := make(chan struct{})
	b.mu.Lock()
	b.extractGate = gate
	b.extracting = make(chan struct{}, 1)
	extracting := b.extracting
	b.mu.Unlock()

	_, err = a.SendMessage(context.Background(), "I love fireworks")
	require.NoError(t, err)
	select {
	case <-extracting:
	case <-time.After(5 * time.Second):
		t.Fatal("extraction never started")
	}

	_, err = a.ArchivePersona("gandalf")
	require.NoError(t, err)
	_, err = a.DeletePersona("gandalf", true)
	assert.ErrorIs(t, err, ErrPersonaBusy)

	close(gate)
	require.Eventually(t, func() bool { return !a.Scheduler().Running(gandalf) }, 5*time.Second, time.Millisecond)

	fact, ok := a.Registry().Human().Concepts().Get("likes fireworks")
	require.True(t, ok)
	assert.Equal(t, gandalf, fact.LearnedBy)

	res, err := a.DeletePersona("gandalf", true)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "1 learned concept")
	_, ok = a.Registry().Human().Concepts().Get("likes fireworks")
	assert.False(t, ok)
	for _, job := range a.Scheduler().Pending() {
		assert.NotEqual(t, gandalf, job.PersonaID)
	}
}

func TestCaptureKeepsInFlightResponseQueued(t *testing.T) {
	b := &brain{}
	a := newTestAgent(t, b, "")
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	_, err := a.SendMessage(context.Background(), "are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Scheduler().Running(a.ActivePersonaID()) }, 5*time.Second, time.Millisecond)

	cp, err := a.capture()
	require.NoError(t, err)
	require.Len(t, cp.Queue, 1)
	assert.Equal(t, scheduler.KindResponse, cp.Queue[0].Kind)

	close(gate)
	waitAgent(t, a)
	cp, err = a.capture()
	require.NoError(t, err)
	assert.Empty(t, cp.Queue)
	assert.Len(t, cp.Personas[a.ActivePersonaID()].Messages, 2)
}

func TestPausedPersonaHoldsWork(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")
	ctx := context.Background()

	res, err := a.PausePersona("ei", 0)
	require.NoError(t, err)
	assert.False(t, res.Info)
	res, err = a.PausePersona("ei", 0)
	require.NoError(t, err)
	assert.True(t, res.Info)

	_, err = a.SendMessage(ctx, "anyone home?")
	require.NoError(t, err)
	waitAgent(t, a)
	assert.Len(t, a.Scheduler().PendingFor(a.ActivePersonaID()), 1)

	_, err = a.ResumePersona("ei")
	require.NoError(t, err)
	waitAgent(t, a)
	msgs, err := a.History("ei")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHeartbeatResumesTimedPause(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")
	now := time.Now()
	a.SetClock(func() time.Time { return now })

	_, err := a.PausePersona("ei", time.Minute)
	require.NoError(t, err)
	a.beat(context.Background())
	p, err := a.Registry().Resolve("ei")
	require.NoError(t, err)
	assert.True(t, p.IsPaused())

	now = now.Add(2 * time.Minute)
	a.beat(context.Background())
	p, err = a.Registry().Resolve("ei")
	require.NoError(t, err)
	assert.False(t, p.IsPaused())
}

func TestModelCommands(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")

	res, err := a.ClearModel("ei")
	require.NoError(t, err)
	assert.True(t, res.Info)

	_, err = a.SetModel("ei", "openai:gpt-4o-mini")
	require.NoError(t, err)
	p, err := a.Registry().Resolve("ei")
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o-mini", p.ModelOverride)

	res, err = a.ClearModel("ei")
	require.NoError(t, err)
	assert.False(t, res.Info)
}

func TestQuitWritesFinalCheckpointAndRestores(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	a := newTestAgent(t, &brain{}, dbPath)
	ctx := context.Background()

	_, err := a.CreatePersona("Gandalf", "wizard")
	require.NoError(t, err)
	waitAgent(t, a)
	_, err = a.SwitchPersona("gandalf")
	require.NoError(t, err)
	_, err = a.SendMessage(ctx, "I love fireworks")
	require.NoError(t, err)
	waitAgent(t, a)

	_, err = a.PausePersona("gandalf", 0)
	require.NoError(t, err)
	_, err = a.SendMessage(ctx, "still there?")
	require.NoError(t, err)

	require.NoError(t, a.Quit(ctx))
	_, err = a.SendMessage(ctx, "after quit")
	assert.Error(t, err)

	b := newTestAgent(t, &brain{}, dbPath)
	gandalf, err := b.Registry().Resolve("gandalf")
	require.NoError(t, err)
	assert.Equal(t, gandalf.ID, b.ActivePersonaID())
	assert.True(t, gandalf.IsPaused())
	assert.Len(t, gandalf.History.All(), 3)
	pending := b.Scheduler().PendingFor(gandalf.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, scheduler.KindResponse, pending[0].Kind)
	_, ok := b.Registry().Human().Concepts().Get("likes fireworks")
	assert.True(t, ok)
}

func TestQuitRequeuesInterruptedResponse(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	b := &brain{}
	a := newTestAgent(t, b, dbPath)

	calls := 0
	b.mu.Lock()
	b.gate = make(chan struct{})
	b.response = func(string, string) (string, error) {
		calls++
		return "not json", nil
	}
	gate := b.gate
	b.mu.Unlock()

	_, err := a.SendMessage(context.Background(), "are you thinking?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Scheduler().Running(a.ActivePersonaID()) }, 5*time.Second, time.Millisecond)

	quit := make(chan error, 1)
	go func() { quit <- a.Quit(context.Background()) }()
	require.Eventually(t, a.loop.Halted, 5*time.Second, time.Millisecond)
	close(gate)
	require.NoError(t, <-quit)
	assert.Equal(t, 1, calls)

	pending := a.Scheduler().PendingFor(a.ActivePersonaID())
	require.Len(t, pending, 1)
	assert.Equal(t, scheduler.KindResponse, pending[0].Kind)

	metas, err := a.Checkpoints().List(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, metas)
	cp, err := a.Checkpoints().Load(context.Background(), metas[0].ID)
	require.NoError(t, err)
	require.Len(t, cp.Queue, 1)
	assert.Equal(t, scheduler.KindResponse, cp.Queue[0].Kind)
}

func TestRestoreSettlesInFlightWorkThenResumes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	b := &brain{}
	a := newTestAgent(t, b, dbPath)
	ctx := context.Background()

	meta, err := a.SaveCheckpoint(ctx)
	require.NoError(t, err)

	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	_, err = a.SendMessage(ctx, "are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Scheduler().Running(a.ActivePersonaID()) }, 5*time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := a.RestoreCheckpoint(ctx, meta.ID)
		done <- err
	}()
	require.Eventually(t, a.loop.Halted, 5*time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("restore returned before the running reply settled: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.mu.Lock()
	b.gate = nil
	b.mu.Unlock()
	close(gate)
	require.NoError(t, <-done)
	assert.False(t, a.loop.Halted())

	msgs, err := a.History("")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, a.Scheduler().Pending())

	_, err = a.SendMessage(ctx, "hello again")
	require.NoError(t, err)
	waitAgent(t, a)
	msgs, err = a.History("")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ei heard: hello again", msgs[1].Content)
}

func TestForceQuitWritesNoCheckpoint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	a := newTestAgent(t, &brain{}, dbPath)
	a.ForceQuit()

	metas, err := a.Checkpoints().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestSyncPushPullMovesState(t *testing.T) {
	remote := &checkpoint.DirRemote{Dir: t.TempDir()}
	ctx := context.Background()

	a := newTestAgent(t, &brain{}, filepath.Join(t.TempDir(), "a.db"))
	a.SetSyncRemote(remote)
	_, err := a.CreatePersona("Gandalf", "wizard")
	require.NoError(t, err)
	waitAgent(t, a)
	_, err = a.SyncPush(ctx)
	require.NoError(t, err)

	b := newTestAgent(t, &brain{}, filepath.Join(t.TempDir(), "b.db"))
	b.SetSyncRemote(remote)
	_, err = b.Registry().Resolve("gandalf")
	require.ErrorIs(t, err, persona.ErrNotFound)

	res, err := b.SyncPull(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "Restored")
	_, err = b.Registry().Resolve("gandalf")
	assert.NoError(t, err)
}

func TestSyncRequiresConfiguredRemote(t *testing.T) {
	a := newTestAgent(t, &brain{}, filepath.Join(t.TempDir(), "a.db"))
	_, err := a.SyncPush(context.Background())
	assert.Error(t, err)
}

func TestContextCommands(t *testing.T) {
	a := newTestAgent(t, &brain{}, "")
	ctx := context.Background()

	first, err := a.SendMessage(ctx, "remember this")
	require.NoError(t, err)
	waitAgent(t, a)
	_, err = a.SetContextStatus("", first.ID, "always")
	require.NoError(t, err)
	_, err = a.ClearContext("")
	require.NoError(t, err)

	p, err := a.Registry().Get(a.ActivePersonaID())
	require.NoError(t, err)
	recent := p.History.GetRecentMessages(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "remember this", recent[0].Content)

	assert.Equal(t, map[string]int{"ei": 1}, a.Unread())
	assert.Equal(t, 1, a.MarkRead("", time.Now()))
	assert.Empty(t, a.Unread())
}
