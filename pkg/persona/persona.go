package persona

import (
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/memory"
)

// Persona is an independently addressable conversational identity. Values
// returned by the Registry are copies; Concepts and History are shared.
type Persona struct {
	ID               string
	DisplayName      string
	Aliases          []string
	ShortDescription string
	LongDescription  string
	Concepts         *memory.ConceptStore
	History          *memory.History
	State            State
	PauseUntil       *time.Time
	ArchivedAt       *time.Time
	ModelOverride    string
	SystemCritical   bool
	CreatedAt        time.Time
	LastUpdated      time.Time
	LastActivity     time.Time
}

func (p Persona) IsPaused() bool   { return p.State == StatePaused }
func (p Persona) IsArchived() bool { return p.State == StateArchived }

func (p *Persona) clone() Persona {
	c := *p
	c.Aliases = append([]string(nil), p.Aliases...)
	if p.PauseUntil != nil {
		t := *p.PauseUntil
		c.PauseUntil = &t
	}
	if p.ArchivedAt != nil {
		t := *p.ArchivedAt
		c.ArchivedAt = &t
	}
	return c
}

// Entity is the persisted form of a persona without its messages.
type Entity struct {
	ID               string               `json:"id"`
	DisplayName      string               `json:"display_name"`
	Aliases          []string             `json:"aliases,omitempty"`
	ShortDescription string               `json:"short_description,omitempty"`
	LongDescription  string               `json:"long_description,omitempty"`
	Concepts         *memory.ConceptStore `json:"concepts,omitempty"`
	State            State                `json:"state"`
	PauseUntil       *time.Time           `json:"pause_until,omitempty"`
	ArchivedAt       *time.Time           `json:"archived_at,omitempty"`
	ModelOverride    string               `json:"model_override,omitempty"`
	SystemCritical   bool                 `json:"system_critical,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	LastUpdated      time.Time            `json:"last_updated"`
	LastActivity     time.Time            `json:"last_activity"`

	// Older snapshots carried flags instead of a state.
	LegacyPaused   bool `json:"is_paused,omitempty"`
	LegacyArchived bool `json:"is_archived,omitempty"`
}

func (p Persona) Entity() Entity {
	concepts := memory.NewConceptStore()
	if p.Concepts != nil {
		concepts = p.Concepts.Clone()
	}
	return Entity{
		ID:               p.ID,
		DisplayName:      p.DisplayName,
		Aliases:          append([]string(nil), p.Aliases...),
		ShortDescription: p.ShortDescription,
		LongDescription:  p.LongDescription,
		Concepts:         concepts,
		State:            p.State,
		PauseUntil:       p.PauseUntil,
		ArchivedAt:       p.ArchivedAt,
		ModelOverride:    p.ModelOverride,
		SystemCritical:   p.SystemCritical,
		CreatedAt:        p.CreatedAt,
		LastUpdated:      p.LastUpdated,
		LastActivity:     p.LastActivity,
	}
}

// FromEntity rebuilds a persona from its persisted parts.
func FromEntity(e Entity, messages []memory.Message) Persona {
	state := e.State
	if state == "" {
		switch {
		case e.LegacyArchived:
			state = StateArchived
		case e.LegacyPaused:
			state = StatePaused
		default:
			state = StateActive
		}
	}
	concepts := e.Concepts
	if concepts == nil {
		concepts = memory.NewConceptStore()
	}
	return Persona{
		ID:               e.ID,
		DisplayName:      e.DisplayName,
		Aliases:          append([]string(nil), e.Aliases...),
		ShortDescription: e.ShortDescription,
		LongDescription:  e.LongDescription,
		Concepts:         concepts,
		History:          memory.NewHistory(messages...),
		State:            state,
		PauseUntil:       e.PauseUntil,
		ArchivedAt:       e.ArchivedAt,
		ModelOverride:    e.ModelOverride,
		SystemCritical:   e.SystemCritical,
		CreatedAt:        e.CreatedAt,
		LastUpdated:      e.LastUpdated,
		LastActivity:     e.LastActivity,
	}
}
