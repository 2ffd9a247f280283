package persona

import (
	"fmt"
	"sort"
	"strings"
)

// AddAlias attaches alias to a persona. Aliases are unique across all
// personas and names, case-insensitively.
func (r *Registry) AddAlias(id, alias string) (Result, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return Result{}, newError(CodeInvalidName, "alias is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Result{}, err
	}
	for _, a := range p.Aliases {
		if fold(a) == fold(alias) {
			return Result{PersonaID: id, Message: fmt.Sprintf("%q is already an alias of %s", a, p.DisplayName), Info: true}, nil
		}
	}
	if owner, taken := r.takenLocked(alias); taken {
		return Result{}, newError(CodeAliasConflict, "%q is already used by persona %s", alias, owner)
	}
	p.Aliases = append(p.Aliases, alias)
	p.LastUpdated = r.now()
	return Result{PersonaID: id, Message: fmt.Sprintf("added alias %q to %s", alias, p.DisplayName)}, nil
}

// RemoveAlias removes the alias matching query. An exact match wins;
// otherwise a unique case-insensitive substring match is accepted.
func (r *Registry) RemoveAlias(id, query string) (Result, error) {
	key := fold(query)
	if key == "" {
		return Result{}, newError(CodeAliasNotFound, "alias is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return Result{}, err
	}

	idx := -1
	for i, a := range p.Aliases {
		if fold(a) == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		var matches []int
		for i, a := range p.Aliases {
			if strings.Contains(fold(a), key) {
				matches = append(matches, i)
			}
		}
		switch len(matches) {
		case 0:
			return Result{}, newError(CodeAliasNotFound, "%s has no alias matching %q", p.DisplayName, query)
		case 1:
			idx = matches[0]
		default:
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				names = append(names, p.Aliases[m])
			}
			sort.Strings(names)
			return Result{}, newError(CodeAliasAmbiguous, "%q matches several aliases: %s", query, strings.Join(names, ", "))
		}
	}

	removed := p.Aliases[idx]
	p.Aliases = append(p.Aliases[:idx:idx], p.Aliases[idx+1:]...)
	p.LastUpdated = r.now()
	return Result{PersonaID: id, Message: fmt.Sprintf("removed alias %q from %s", removed, p.DisplayName)}, nil
}

// Aliases lists a persona's aliases in insertion order.
func (r *Registry) Aliases(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), p.Aliases...), nil
}
