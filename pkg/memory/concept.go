package memory

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConceptType classifies a concept inside a store.
type ConceptType string

const (
	ConceptTrait ConceptType = "trait"
	ConceptTopic ConceptType = "topic"
	ConceptFact  ConceptType = "fact"
)

func NormalizeConceptType(raw string) (ConceptType, bool) {
	switch ConceptType(strings.ToLower(strings.TrimSpace(raw))) {
	case ConceptTrait, "traits":
		return ConceptTrait, true
	case ConceptTopic, "topics":
		return ConceptTopic, true
	case ConceptFact, "facts":
		return ConceptFact, true
	default:
		return "", false
	}
}

// Concept is one trait, topic or fact.
type Concept struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        ConceptType `json:"type"`
	Sentiment   float64     `json:"sentiment"`

	// Traits.
	Strength float64 `json:"strength,omitempty"`

	// Topics.
	ExposureCurrent float64 `json:"exposure_current,omitempty"`
	ExposureDesired float64 `json:"exposure_desired,omitempty"`

	// Dynamic concepts drift from current toward ideal at elasticity per step.
	Dynamic         bool    `json:"dynamic,omitempty"`
	LevelCurrent    float64 `json:"level_current,omitempty"`
	LevelIdeal      float64 `json:"level_ideal,omitempty"`
	LevelElasticity float64 `json:"level_elasticity,omitempty"`

	// LearnedBy is the persona that originated a human-side concept.
	LearnedBy string    `json:"learned_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConceptDelta is a partial update merged by name. Nil numeric fields keep
// the existing value.
type ConceptDelta struct {
	Name            string
	Description     string
	Type            ConceptType
	Sentiment       *float64
	Strength        *float64
	ExposureCurrent *float64
	ExposureDesired *float64
	LevelCurrent    *float64
	LevelIdeal      *float64
	LevelElasticity *float64
	LearnedBy       string
}

// MergeResult counts the effect of a merge.
type MergeResult struct {
	Added   int
	Updated int
}

func (r MergeResult) Total() int { return r.Added + r.Updated }

func conceptKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ConceptStore holds a persona's or the human's concepts. Names are unique
// case-insensitively across all types.
type ConceptStore struct {
	mu    sync.RWMutex
	items map[string]*Concept
}

func NewConceptStore(concepts ...Concept) *ConceptStore {
	cs := &ConceptStore{items: map[string]*Concept{}}
	for _, c := range concepts {
		key := conceptKey(c.Name)
		if key == "" {
			continue
		}
		cp := c
		if cp.Type == "" {
			cp.Type = ConceptFact
		}
		cs.items[key] = &cp
	}
	return cs
}

// Merge upserts each delta by name. An existing concept is updated in place,
// never duplicated.
func (cs *ConceptStore) Merge(now time.Time, deltas ...ConceptDelta) MergeResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var res MergeResult
	for _, d := range deltas {
		key := conceptKey(d.Name)
		if key == "" {
			continue
		}
		existing, ok := cs.items[key]
		if !ok {
			c := &Concept{
				Name: strings.TrimSpace(d.Name),
				Type: d.Type,
			}
			if c.Type == "" {
				c.Type = ConceptFact
			}
			applyDelta(c, d, now)
			cs.items[key] = c
			res.Added++
			continue
		}
		applyDelta(existing, d, now)
		res.Updated++
	}
	return res
}

func applyDelta(c *Concept, d ConceptDelta, now time.Time) {
	if desc := strings.TrimSpace(d.Description); desc != "" {
		c.Description = desc
	}
	if d.Type != "" {
		c.Type = d.Type
	}
	if d.Sentiment != nil {
		c.Sentiment = clamp(*d.Sentiment, -1, 1)
	}
	if d.Strength != nil {
		c.Strength = clamp(*d.Strength, 0, 1)
	}
	if d.ExposureCurrent != nil {
		c.ExposureCurrent = clamp(*d.ExposureCurrent, 0, 1)
	}
	if d.ExposureDesired != nil {
		c.ExposureDesired = clamp(*d.ExposureDesired, 0, 1)
	}
	if d.LevelCurrent != nil {
		c.LevelCurrent = clamp(*d.LevelCurrent, 0, 1)
		c.Dynamic = true
	}
	if d.LevelIdeal != nil {
		c.LevelIdeal = clamp(*d.LevelIdeal, 0, 1)
		c.Dynamic = true
	}
	if d.LevelElasticity != nil {
		c.LevelElasticity = clamp(*d.LevelElasticity, 0, 1)
		c.Dynamic = true
	}
	if d.LearnedBy != "" {
		c.LearnedBy = d.LearnedBy
	}
	c.UpdatedAt = now
}

func (cs *ConceptStore) Get(name string) (Concept, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.items[conceptKey(name)]
	if !ok {
		return Concept{}, false
	}
	return *c, true
}

func (cs *ConceptStore) Remove(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	key := conceptKey(name)
	if _, ok := cs.items[key]; !ok {
		return false
	}
	delete(cs.items, key)
	return true
}

// RemoveLearnedBy drops every concept originated by personaID.
func (cs *ConceptStore) RemoveLearnedBy(personaID string) int {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	removed := 0
	for key, c := range cs.items {
		if c.LearnedBy == personaID {
			delete(cs.items, key)
			removed++
		}
	}
	return removed
}

// List returns concepts of kind (all kinds when empty), ordered by name.
func (cs *ConceptStore) List(kind ConceptType) []Concept {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Concept, 0, len(cs.items))
	for _, c := range cs.items {
		if kind != "" && c.Type != kind {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return conceptKey(out[i].Name) < conceptKey(out[j].Name)
	})
	return out
}

func (cs *ConceptStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.items)
}

func (cs *ConceptStore) Clone() *ConceptStore {
	return NewConceptStore(cs.List("")...)
}

// Drift moves every dynamic concept's current level toward its ideal level
// by its elasticity. Returns how many concepts moved.
func (cs *ConceptStore) Drift(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	moved := 0
	for _, c := range cs.items {
		if !c.Dynamic || c.LevelElasticity <= 0 {
			continue
		}
		gap := c.LevelIdeal - c.LevelCurrent
		if gap == 0 {
			continue
		}
		next := clamp(c.LevelCurrent+gap*c.LevelElasticity, 0, 1)
		if next == c.LevelCurrent {
			continue
		}
		c.LevelCurrent = next
		c.UpdatedAt = now
		moved++
	}
	return moved
}

type conceptStoreJSON struct {
	Traits []Concept `json:"traits"`
	Topics []Concept `json:"topics"`
	Facts  []Concept `json:"facts"`
}

func (cs *ConceptStore) MarshalJSON() ([]byte, error) {
	return json.Marshal(conceptStoreJSON{
		Traits: nonNil(cs.List(ConceptTrait)),
		Topics: nonNil(cs.List(ConceptTopic)),
		Facts:  nonNil(cs.List(ConceptFact)),
	})
}

func (cs *ConceptStore) UnmarshalJSON(data []byte) error {
	var raw conceptStoreJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	all := make([]Concept, 0, len(raw.Traits)+len(raw.Topics)+len(raw.Facts))
	for _, group := range []struct {
		kind ConceptType
		list []Concept
	}{{ConceptTrait, raw.Traits}, {ConceptTopic, raw.Topics}, {ConceptFact, raw.Facts}} {
		for _, c := range group.list {
			if c.Type == "" {
				c.Type = group.kind
			}
			all = append(all, c)
		}
	}
	fresh := NewConceptStore(all...)
	cs.mu.Lock()
	cs.items = fresh.items
	cs.mu.Unlock()
	return nil
}

func nonNil(in []Concept) []Concept {
	if in == nil {
		return []Concept{}
	}
	return in
}

// HumanStore is the concept store describing the user. It is shared by every
// persona's extraction jobs, so merges are serialized by a single lock.
type HumanStore struct {
	mergeMu  sync.Mutex
	concepts *ConceptStore

	settingsMu sync.RWMutex
	settings   map[string]string

	// onMerge, when set, observes each merge while the lock is held.
	onMerge func(personaID string)
}

func NewHumanStore(concepts *ConceptStore, settings map[string]string) *HumanStore {
	if concepts == nil {
		concepts = NewConceptStore()
	}
	s := map[string]string{}
	for k, v := range settings {
		s[k] = v
	}
	return &HumanStore{concepts: concepts, settings: s}
}

// SetMergeObserver installs a hook that runs inside the merge lock.
func (h *HumanStore) SetMergeObserver(fn func(personaID string)) {
	h.mergeMu.Lock()
	defer h.mergeMu.Unlock()
	h.onMerge = fn
}

// MergeFrom merges deltas learned by personaID. Only one merge proceeds at a time.
func (h *HumanStore) MergeFrom(personaID string, now time.Time, deltas []ConceptDelta) MergeResult {
	h.mergeMu.Lock()
	defer h.mergeMu.Unlock()
	return h.mergeLocked(personaID, now, deltas)
}

func (h *HumanStore) mergeLocked(personaID string, now time.Time, deltas []ConceptDelta) MergeResult {
	if h.onMerge != nil {
		h.onMerge(personaID)
	}
	stamped := make([]ConceptDelta, 0, len(deltas))
	for _, d := range deltas {
		if _, exists := h.concepts.Get(d.Name); !exists {
			d.LearnedBy = personaID
		}
		stamped = append(stamped, d)
	}
	return h.concepts.Merge(now, stamped...)
}

// MergeFromLive is MergeFrom guarded by alive, which is consulted under the
// merge lock. It reports false and merges nothing once the persona is gone,
// so a concurrent RemoveLearnedBy never misses concepts stamped with its id.
func (h *HumanStore) MergeFromLive(personaID string, alive func(string) bool, now time.Time, deltas []ConceptDelta) (MergeResult, bool) {
	h.mergeMu.Lock()
	defer h.mergeMu.Unlock()
	if alive != nil && !alive(personaID) {
		return MergeResult{}, false
	}
	return h.mergeLocked(personaID, now, deltas), true
}

// RemoveLearnedBy cascades a persona deletion into the human store.
func (h *HumanStore) RemoveLearnedBy(personaID string) int {
	h.mergeMu.Lock()
	defer h.mergeMu.Unlock()
	return h.concepts.RemoveLearnedBy(personaID)
}

func (h *HumanStore) Concepts() *ConceptStore { return h.concepts }

func (h *HumanStore) Setting(key string) (string, bool) {
	h.settingsMu.RLock()
	defer h.settingsMu.RUnlock()
	v, ok := h.settings[key]
	return v, ok
}

func (h *HumanStore) SetSetting(key, value string) {
	h.settingsMu.Lock()
	defer h.settingsMu.Unlock()
	h.settings[key] = value
}

func (h *HumanStore) Settings() map[string]string {
	h.settingsMu.RLock()
	defer h.settingsMu.RUnlock()
	out := make(map[string]string, len(h.settings))
	for k, v := range h.settings {
		out[k] = v
	}
	return out
}
