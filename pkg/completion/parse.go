// Package completion turns untrusted model text into validated, typed output.
// Parsing and validation are separate steps: a Parsed value says nothing
// about whether the payload meets the completion criteria of a request kind.
package completion

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a request kind and selects its completion criteria.
type Kind string

const (
	KindResponse          Kind = "response"
	KindPersonaGeneration Kind = "persona-generation"
	KindTraitExtraction   Kind = "trait-extraction"
)

func (k Kind) Valid() bool {
	switch k {
	case KindResponse, KindPersonaGeneration, KindTraitExtraction:
		return true
	default:
		return false
	}
}

// Parsed is either ParsedOk(value) or ParseFailed(reason).
type Parsed struct {
	ok     bool
	value  any
	reason string
}

func ParsedOk(value any) Parsed { return Parsed{ok: true, value: value} }

func ParseFailed(reason string) Parsed { return Parsed{reason: reason} }

func (p Parsed) OK() bool       { return p.ok }
func (p Parsed) Value() any     { return p.value }
func (p Parsed) Reason() string { return p.reason }

// Parse decodes raw model text into generic JSON. Code fences and prose
// around the payload are tolerated.
func Parse(raw string) Parsed {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ParseFailed("empty response")
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return ParsedOk(v)
	}

	if inner, ok := stripFence(raw); ok {
		if err := json.Unmarshal([]byte(inner), &v); err == nil {
			return ParsedOk(v)
		}
	}

	// Best effort extraction from mixed output.
	start := strings.IndexAny(raw, "[{")
	end := strings.LastIndexAny(raw, "]}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err == nil {
			return ParsedOk(v)
		}
	}

	var syntaxErr error
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		syntaxErr = err
	}
	return ParseFailed(fmt.Sprintf("response is not valid JSON: %v", syntaxErr))
}

func stripFence(raw string) (string, bool) {
	open := strings.Index(raw, "```")
	if open < 0 {
		return "", false
	}
	rest := raw[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop an info string such as "json".
		rest = rest[nl+1:]
	}
	closeIdx := strings.LastIndex(rest, "```")
	if closeIdx < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:closeIdx]), true
}
