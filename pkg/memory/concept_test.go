package memory

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestConceptStore_MergeUpsertsByName(t *testing.T) {
	cs := NewConceptStore()
	now := time.Now()

	res := cs.Merge(now, ConceptDelta{Name: "Coffee", Description: "likes coffee", Type: ConceptTopic, Sentiment: f(0.5)})
	if res.Added != 1 || res.Updated != 0 {
		t.Fatalf("unexpected first merge result: %+v", res)
	}
	res = cs.Merge(now, ConceptDelta{Name: "  coffee ", Description: "loves pour-over", Sentiment: f(3)})
	if res.Added != 0 || res.Updated != 1 {
		t.Fatalf("unexpected second merge result: %+v", res)
	}
	if cs.Len() != 1 {
		t.Fatalf("expected one concept after case-insensitive upsert, got %d", cs.Len())
	}
	c, ok := cs.Get("COFFEE")
	if !ok {
		t.Fatalf("expected concept to be found")
	}
	if c.Description != "loves pour-over" {
		t.Fatalf("expected description replaced, got %q", c.Description)
	}
	if c.Sentiment != 1 {
		t.Fatalf("expected sentiment clamped to 1, got %v", c.Sentiment)
	}
	if c.Type != ConceptTopic {
		t.Fatalf("expected type preserved, got %q", c.Type)
	}
}

func TestConceptStore_EmptyDescriptionKeepsExisting(t *testing.T) {
	cs := NewConceptStore(Concept{Name: "Curious", Description: "asks questions", Type: ConceptTrait, Strength: 0.4})
	cs.Merge(time.Now(), ConceptDelta{Name: "curious", Strength: f(0.9)})
	c, _ := cs.Get("curious")
	if c.Description != "asks questions" || c.Strength != 0.9 {
		t.Fatalf("unexpected concept after partial merge: %+v", c)
	}
}

func TestConceptStore_ListByType(t *testing.T) {
	cs := NewConceptStore(
		Concept{Name: "b-trait", Type: ConceptTrait},
		Concept{Name: "a-trait", Type: ConceptTrait},
		Concept{Name: "topic", Type: ConceptTopic},
		Concept{Name: "untyped"},
	)
	traits := cs.List(ConceptTrait)
	if len(traits) != 2 || traits[0].Name != "a-trait" {
		t.Fatalf("unexpected traits: %+v", traits)
	}
	if facts := cs.List(ConceptFact); len(facts) != 1 {
		t.Fatalf("expected untyped concept to default to fact, got %+v", facts)
	}
	if all := cs.List(""); len(all) != 4 {
		t.Fatalf("expected 4 concepts, got %d", len(all))
	}
}

func TestConceptStore_RemoveIsCaseInsensitive(t *testing.T) {
	cs := NewConceptStore()
	cs.Merge(time.Now(), ConceptDelta{Name: "Hiking", Type: ConceptTopic})
	if !cs.Remove("  HIKING") {
		t.Fatalf("expected remove to find the concept")
	}
	if cs.Remove("hiking") {
		t.Fatalf("expected second remove to report missing")
	}
	if cs.Len() != 0 {
		t.Fatalf("expected empty store, got %d", cs.Len())
	}
}

func TestConceptStore_RemoveLearnedBy(t *testing.T) {
	cs := NewConceptStore(
		Concept{Name: "a", LearnedBy: "p1"},
		Concept{Name: "b", LearnedBy: "p2"},
		Concept{Name: "c", LearnedBy: "p1"},
		Concept{Name: "d"},
	)
	if n := cs.RemoveLearnedBy("p1"); n != 2 {
		t.Fatalf("expected 2 removals, got %d", n)
	}
	if _, ok := cs.Get("b"); !ok {
		t.Fatalf("concept from another persona must survive")
	}
	if _, ok := cs.Get("d"); !ok {
		t.Fatalf("unattributed concept must survive")
	}
	if n := cs.RemoveLearnedBy(""); n != 0 {
		t.Fatalf("empty persona id must not remove anything, removed %d", n)
	}
}

func TestConceptStore_Drift(t *testing.T) {
	cs := NewConceptStore(
		Concept{Name: "energy", Dynamic: true, LevelCurrent: 0.2, LevelIdeal: 0.6, LevelElasticity: 0.5},
		Concept{Name: "static", LevelCurrent: 0.2, LevelIdeal: 0.6, LevelElasticity: 0.5},
	)
	if moved := cs.Drift(time.Now()); moved != 1 {
		t.Fatalf("expected one dynamic concept to move, got %d", moved)
	}
	c, _ := cs.Get("energy")
	if c.LevelCurrent < 0.399 || c.LevelCurrent > 0.401 {
		t.Fatalf("expected level to move halfway to ideal, got %v", c.LevelCurrent)
	}
	s, _ := cs.Get("static")
	if s.LevelCurrent != 0.2 {
		t.Fatalf("non-dynamic concept must not drift, got %v", s.LevelCurrent)
	}
}

func TestConceptStore_JSONRoundTrip(t *testing.T) {
	cs := NewConceptStore(
		Concept{Name: "warm", Description: "friendly", Type: ConceptTrait, Strength: 0.7},
		Concept{Name: "jazz", Description: "music", Type: ConceptTopic, ExposureCurrent: 0.1, ExposureDesired: 0.8},
	)
	raw, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewConceptStore()
	if err := json.Unmarshal(raw, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("expected 2 concepts, got %d", restored.Len())
	}
	// Older checkpoints may lack whole groups.
	if err := json.Unmarshal([]byte(`{"traits":[{"name":"x","description":"y"}]}`), restored); err != nil {
		t.Fatalf("unmarshal partial: %v", err)
	}
	c, ok := restored.Get("x")
	if !ok || c.Type != ConceptTrait {
		t.Fatalf("expected type inferred from group, got %+v", c)
	}
}

func TestHumanStore_MergeFromStampsLearnedBy(t *testing.T) {
	h := NewHumanStore(nil, nil)
	h.MergeFrom("p1", time.Now(), []ConceptDelta{{Name: "Name", Description: "Alex"}})
	h.MergeFrom("p2", time.Now(), []ConceptDelta{{Name: "name", Description: "Alex R."}, {Name: "Pets", Description: "a cat"}})

	name, _ := h.Concepts().Get("name")
	if name.LearnedBy != "p1" {
		t.Fatalf("originating persona must be kept, got %q", name.LearnedBy)
	}
	if name.Description != "Alex R." {
		t.Fatalf("expected update from second persona, got %q", name.Description)
	}
	pets, _ := h.Concepts().Get("pets")
	if pets.LearnedBy != "p2" {
		t.Fatalf("expected pets learned by p2, got %q", pets.LearnedBy)
	}
}

func TestHumanStore_MergesNeverInterleave(t *testing.T) {
	h := NewHumanStore(nil, nil)
	var inFlight, maxSeen int32
	h.SetMergeObserver(func(string) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.MergeFrom("p", time.Now(), []ConceptDelta{{Name: "shared", Description: "d"}})
		}(i)
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one concurrent merge, saw %d", maxSeen)
	}
	if h.Concepts().Len() != 1 {
		t.Fatalf("expected a single shared concept, got %d", h.Concepts().Len())
	}
}

func TestHumanStore_Settings(t *testing.T) {
	h := NewHumanStore(nil, map[string]string{"name": "Alex"})
	h.SetSetting("timezone", "UTC")
	s := h.Settings()
	s["name"] = "mutated"
	if v, _ := h.Setting("name"); v != "Alex" {
		t.Fatalf("Settings must return a copy, got %q", v)
	}
	if v, ok := h.Setting("timezone"); !ok || v != "UTC" {
		t.Fatalf("expected timezone setting, got %q %v", v, ok)
	}
}

func TestHumanStore_MergeFromLiveSkipsDeletedPersona(t *testing.T) {
	h := NewHumanStore(nil, nil)
	alive := map[string]bool{"p1": true}
	isAlive := func(id string) bool { return alive[id] }

	if _, ok := h.MergeFromLive("p1", isAlive, time.Now(), []ConceptDelta{{Name: "tea", Description: "likes tea"}}); !ok {
		t.Fatalf("expected merge for live persona")
	}
	tea, _ := h.Concepts().Get("tea")
	if tea.LearnedBy != "p1" {
		t.Fatalf("expected tea learned by p1, got %q", tea.LearnedBy)
	}

	delete(alive, "p1")
	if n := h.RemoveLearnedBy("p1"); n != 1 {
		t.Fatalf("expected one concept removed, got %d", n)
	}
	res, ok := h.MergeFromLive("p1", isAlive, time.Now(), []ConceptDelta{{Name: "fireworks", Description: "loud"}})
	if ok || res.Total() != 0 {
		t.Fatalf("expected merge refused after deletion, got ok=%v total=%d", ok, res.Total())
	}
	if _, found := h.Concepts().Get("fireworks"); found {
		t.Fatalf("concept from deleted persona must not be stored")
	}
}
