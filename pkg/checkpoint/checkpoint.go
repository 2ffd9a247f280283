package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

// Version is the current checkpoint schema version. Changes are additive.
const Version = 1

// Checkpoint is an immutable snapshot of all durable state.
type Checkpoint struct {
	ID        string                  `json:"id,omitempty"`
	Version   int                     `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Human     HumanState              `json:"human"`
	Personas  map[string]PersonaState `json:"personas"`
	Queue     []scheduler.Job         `json:"queue"`
	Settings  map[string]string       `json:"settings"`
}

type HumanState struct {
	Concepts *memory.ConceptStore `json:"concepts"`
	Settings map[string]string    `json:"settings,omitempty"`
}

type PersonaState struct {
	Entity   persona.Entity   `json:"entity"`
	Messages []memory.Message `json:"messages"`
}

// Meta describes a stored checkpoint without its payload.
type Meta struct {
	ID        string
	Version   int
	Timestamp time.Time
	Size      int
}

// Build captures the given state into a checkpoint. Concept stores are
// cloned so later mutation does not leak into the snapshot.
func Build(human *memory.HumanStore, personas []persona.Persona, queue []scheduler.Job, settings map[string]string) Checkpoint {
	cp := Checkpoint{
		Version:  Version,
		Personas: make(map[string]PersonaState, len(personas)),
		Queue:    append([]scheduler.Job(nil), queue...),
		Settings: copyMap(settings),
	}
	if human != nil {
		cp.Human = HumanState{Concepts: human.Concepts().Clone(), Settings: human.Settings()}
	}
	for _, p := range personas {
		var msgs []memory.Message
		if p.History != nil {
			msgs = p.History.All()
		}
		cp.Personas[p.ID] = PersonaState{Entity: p.Entity(), Messages: msgs}
	}
	return cp
}

// HumanStore rebuilds the shared human store.
func (cp Checkpoint) HumanStore() *memory.HumanStore {
	concepts := cp.Human.Concepts
	if concepts == nil {
		concepts = memory.NewConceptStore()
	} else {
		concepts = concepts.Clone()
	}
	return memory.NewHumanStore(concepts, cp.Human.Settings)
}

// PersonaList rebuilds personas ordered by id.
func (cp Checkpoint) PersonaList() []persona.Persona {
	ids := make([]string, 0, len(cp.Personas))
	for id := range cp.Personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]persona.Persona, 0, len(ids))
	for _, id := range ids {
		st := cp.Personas[id]
		if st.Entity.ID == "" {
			st.Entity.ID = id
		}
		out = append(out, persona.FromEntity(st.Entity, st.Messages))
	}
	return out
}

// Counts summarises a checkpoint for comparisons and listings.
type Counts struct {
	Personas      int
	Messages      int
	Concepts      int
	HumanConcepts int
	Queue         int
}

func (cp Checkpoint) Counts() Counts {
	c := Counts{Personas: len(cp.Personas), Queue: len(cp.Queue)}
	if cp.Human.Concepts != nil {
		c.HumanConcepts = cp.Human.Concepts.Len()
	}
	for _, st := range cp.Personas {
		c.Messages += len(st.Messages)
		if st.Entity.Concepts != nil {
			c.Concepts += st.Entity.Concepts.Len()
		}
	}
	return c
}

// Encode serialises a checkpoint.
func Encode(cp Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses a checkpoint, filling defaults for fields older payloads lack.
// Payloads from newer versions are read best-effort.
func Decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Version > Version {
		logger.WarnCF("checkpoint", "Checkpoint is from a newer version; unknown fields are ignored", map[string]interface{}{
			"version":   cp.Version,
			"supported": Version,
		})
	}
	if cp.Timestamp.IsZero() {
		return Checkpoint{}, fmt.Errorf("checkpoint has no timestamp")
	}
	if cp.Personas == nil {
		cp.Personas = map[string]PersonaState{}
	}
	if cp.Settings == nil {
		cp.Settings = map[string]string{}
	}
	if cp.Human.Concepts == nil {
		cp.Human.Concepts = memory.NewConceptStore()
	}
	return cp, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
