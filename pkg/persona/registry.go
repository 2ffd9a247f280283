package persona

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
)

// DefaultName is the system-critical persona created on first start.
const DefaultName = "ei"

// Result reports a lifecycle or alias operation. Info marks a no-op.
type Result struct {
	PersonaID string
	Message   string
	Info      bool
}

// Registry exclusively owns persona records.
type Registry struct {
	mu          sync.RWMutex
	personas    map[string]*Persona
	human       *memory.HumanStore
	defaultName string
	now         func() time.Time
}

func NewRegistry(human *memory.HumanStore, defaultName string) *Registry {
	if human == nil {
		human = memory.NewHumanStore(nil, nil)
	}
	if strings.TrimSpace(defaultName) == "" {
		defaultName = DefaultName
	}
	return &Registry{
		personas:    map[string]*Persona{},
		human:       human,
		defaultName: strings.TrimSpace(defaultName),
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) Human() *memory.HumanStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.human
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// takenLocked reports whether label collides with any name or alias.
func (r *Registry) takenLocked(label string) (string, bool) {
	key := fold(label)
	for _, p := range r.personas {
		if fold(p.DisplayName) == key {
			return p.DisplayName, true
		}
		for _, a := range p.Aliases {
			if fold(a) == key {
				return p.DisplayName, true
			}
		}
	}
	return "", false
}

func validateName(name string) error {
	if utf8.RuneCountInString(name) < 2 {
		return newError(CodeInvalidName, "persona name %q must be at least 2 characters", name)
	}
	first, _ := utf8.DecodeRuneInString(name)
	if !unicode.IsLetter(first) {
		return newError(CodeInvalidName, "persona name %q must start with a letter", name)
	}
	return nil
}

// Create registers an active persona. description seeds the short description.
func (r *Registry) Create(name, description string) (Persona, error) {
	return r.create(name, description, false)
}

func (r *Registry) create(name, description string, critical bool) (Persona, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return Persona{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, taken := r.takenLocked(name); taken {
		return Persona{}, newError(CodeDuplicate, "name %q is already used by persona %s", name, owner)
	}
	now := r.now()
	p := &Persona{
		ID:               uuid.NewString(),
		DisplayName:      name,
		ShortDescription: strings.TrimSpace(description),
		Concepts:         memory.NewConceptStore(),
		History:          memory.NewHistory(),
		State:            StateActive,
		SystemCritical:   critical,
		CreatedAt:        now,
		LastUpdated:      now,
		LastActivity:     now,
	}
	r.personas[p.ID] = p
	logger.InfoCF("persona", "Persona created", map[string]interface{}{
		"persona_id": p.ID,
		"name":       name,
		"critical":   critical,
	})
	return p.clone(), nil
}

// EnsureDefault creates the system-critical default persona when the
// registry has none. Returns the persona and whether it was created.
func (r *Registry) EnsureDefault() (Persona, bool, error) {
	r.mu.RLock()
	for _, p := range r.personas {
		if p.SystemCritical {
			c := p.clone()
			r.mu.RUnlock()
			return c, false, nil
		}
	}
	r.mu.RUnlock()

	if p, err := r.Resolve(r.defaultName); err == nil {
		r.mu.Lock()
		r.personas[p.ID].SystemCritical = true
		r.mu.Unlock()
		p.SystemCritical = true
		return p, false, nil
	}
	p, err := r.create(r.defaultName, "your first companion", true)
	if err != nil {
		return Persona{}, false, err
	}
	return p, true, nil
}

func (r *Registry) getLocked(id string) (*Persona, error) {
	p, ok := r.personas[id]
	if !ok {
		return nil, newError(CodeNotFound, "persona %q not found", id)
	}
	return p, nil
}

func (r *Registry) Get(id string) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Persona{}, err
	}
	return p.clone(), nil
}

// Resolve finds a persona by id, display name or alias, case-insensitively.
func (r *Registry) Resolve(ref string) (Persona, error) {
	key := fold(ref)
	if key == "" {
		return Persona{}, newError(CodeNotFound, "persona name is empty")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.personas[strings.TrimSpace(ref)]; ok {
		return p.clone(), nil
	}
	for _, p := range r.personas {
		if fold(p.DisplayName) == key {
			return p.clone(), nil
		}
	}
	for _, p := range r.personas {
		for _, a := range p.Aliases {
			if fold(a) == key {
				return p.clone(), nil
			}
		}
	}
	return Persona{}, newError(CodeNotFound, "no persona named %q", strings.TrimSpace(ref))
}

// List returns personas ordered by name. Archived ones are included on request.
func (r *Registry) List(includeArchived bool) []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		if p.State == StateArchived && !includeArchived {
			continue
		}
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return fold(out[i].DisplayName) < fold(out[j].DisplayName) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.personas)
}

// apply runs a lifecycle action and lets mutate adjust fields on success.
func (r *Registry) apply(id string, action Action, mutate func(p *Persona, now time.Time)) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Result{}, err
	}
	to, noop, err := Transition(p.State, action)
	if err != nil {
		return Result{}, err
	}
	if noop != "" {
		return Result{PersonaID: id, Message: fmt.Sprintf("%s %s", p.DisplayName, noop), Info: true}, nil
	}
	now := r.now()
	from := p.State
	p.State = to
	p.LastUpdated = now
	if mutate != nil {
		mutate(p, now)
	}
	logger.InfoCF("persona", "Persona state changed", map[string]interface{}{
		"persona_id": id,
		"from":       string(from),
		"to":         string(to),
	})
	return Result{PersonaID: id, Message: fmt.Sprintf("%s is now %s", p.DisplayName, to)}, nil
}

// Pause stops work for a persona, optionally until a time.
func (r *Registry) Pause(id string, until *time.Time) (Result, error) {
	return r.apply(id, ActionPause, func(p *Persona, _ time.Time) {
		if until != nil {
			t := *until
			p.PauseUntil = &t
		} else {
			p.PauseUntil = nil
		}
	})
}

func (r *Registry) Resume(id string) (Result, error) {
	return r.apply(id, ActionResume, func(p *Persona, _ time.Time) {
		p.PauseUntil = nil
	})
}

func (r *Registry) Archive(id string) (Result, error) {
	return r.apply(id, ActionArchive, func(p *Persona, now time.Time) {
		p.PauseUntil = nil
		t := now
		p.ArchivedAt = &t
	})
}

func (r *Registry) Unarchive(id string) (Result, error) {
	return r.apply(id, ActionUnarchive, func(p *Persona, _ time.Time) {
		p.ArchivedAt = nil
	})
}

// Delete removes an archived persona. cascade also drops every human
// concept it originated.
func (r *Registry) Delete(id string, cascade bool) (Result, error) {
	r.mu.Lock()
	p, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	if p.SystemCritical {
		r.mu.Unlock()
		return Result{}, newError(CodeSystemCritical, "%s is system-critical and cannot be deleted", p.DisplayName)
	}
	if _, _, err := Transition(p.State, ActionDelete); err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	p.State = StateDeleted
	delete(r.personas, id)
	name := p.DisplayName
	human := r.human
	r.mu.Unlock()

	msg := fmt.Sprintf("%s deleted", name)
	if cascade {
		n := human.RemoveLearnedBy(id)
		msg = fmt.Sprintf("%s deleted along with %d learned concept(s)", name, n)
	}
	logger.InfoCF("persona", "Persona deleted", map[string]interface{}{
		"persona_id": id,
		"cascade":    cascade,
	})
	return Result{PersonaID: id, Message: msg}, nil
}

// ResumeExpired resumes every paused persona whose pause has elapsed.
func (r *Registry) ResumeExpired(now time.Time) []string {
	r.mu.RLock()
	var due []string
	for id, p := range r.personas {
		if p.State == StatePaused && p.PauseUntil != nil && !now.Before(*p.PauseUntil) {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	resumed := make([]string, 0, len(due))
	for _, id := range due {
		if res, err := r.Resume(id); err == nil && !res.Info {
			resumed = append(resumed, id)
		}
	}
	sort.Strings(resumed)
	return resumed
}

// Touch records activity for a persona.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.personas[id]; ok && at.After(p.LastActivity) {
		p.LastActivity = at
	}
}

// UpdateDescriptions stores generated descriptions.
func (r *Registry) UpdateDescriptions(id, short, long string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(short); s != "" {
		p.ShortDescription = s
	}
	if l := strings.TrimSpace(long); l != "" {
		p.LongDescription = l
	}
	p.LastUpdated = r.now()
	return nil
}

func (r *Registry) SetModel(id, spec string) (Result, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Result{}, newError(CodeInvalidName, "model spec is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Result{}, err
	}
	p.ModelOverride = spec
	p.LastUpdated = r.now()
	return Result{PersonaID: id, Message: fmt.Sprintf("%s now uses %s", p.DisplayName, spec)}, nil
}

func (r *Registry) ClearModel(id string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Result{}, err
	}
	if p.ModelOverride == "" {
		return Result{PersonaID: id, Message: fmt.Sprintf("%s already uses the default model", p.DisplayName), Info: true}, nil
	}
	p.ModelOverride = ""
	p.LastUpdated = r.now()
	return Result{PersonaID: id, Message: fmt.Sprintf("%s now uses the default model", p.DisplayName)}, nil
}

// Restore swaps in a human store and persona set from a checkpoint.
func (r *Registry) Restore(human *memory.HumanStore, personas []Persona) error {
	if human == nil {
		human = memory.NewHumanStore(nil, nil)
	}
	if err := r.Load(personas); err != nil {
		return err
	}
	r.mu.Lock()
	r.human = human
	r.mu.Unlock()
	return nil
}

// Load replaces the persona set, keeping the human store.
func (r *Registry) Load(personas []Persona) error {
	next := make(map[string]*Persona, len(personas))
	for i := range personas {
		p := personas[i]
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("persona %q has no id", p.DisplayName)
		}
		if p.Concepts == nil {
			p.Concepts = memory.NewConceptStore()
		}
		if p.History == nil {
			p.History = memory.NewHistory()
		}
		if p.State == "" {
			p.State = StateActive
		}
		next[p.ID] = &p
	}
	r.mu.Lock()
	r.personas = next
	r.mu.Unlock()
	return nil
}
