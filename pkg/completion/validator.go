package completion

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// MinGeneratedConcepts is the number of traits and of topics a generated
// persona must carry.
const MinGeneratedConcepts = 3

// Verdict is the outcome of a validation.
type Verdict struct {
	OK     bool
	Reason string
}

func pass() Verdict { return Verdict{OK: true} }

func fail(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// ValidationFailure is a candidate that did not meet its completion criteria.
type ValidationFailure struct {
	Kind   Kind
	Reason string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("%s candidate rejected: %s", e.Kind, e.Reason)
}

// Err converts a failing verdict into a ValidationFailure.
func (v Verdict) Err(kind Kind) error {
	if v.OK {
		return nil
	}
	return &ValidationFailure{Kind: kind, Reason: v.Reason}
}

// Validate checks a parsed candidate against the criteria for kind. It never
// mutates the candidate.
func Validate(kind Kind, candidate Parsed) Verdict {
	if !candidate.OK() {
		return fail("could not parse response: %s", candidate.Reason())
	}
	var v Verdict
	switch kind {
	case KindResponse:
		v = validateResponse(candidate.Value())
	case KindPersonaGeneration:
		v = validatePersonaGeneration(candidate.Value())
	case KindTraitExtraction:
		v = validateTraitExtraction(candidate.Value())
	default:
		return fail("unknown request kind %q", kind)
	}
	if !v.OK {
		return v
	}
	return checkSchema(kind, candidate.Value())
}

func validateResponse(value any) Verdict {
	obj, ok := value.(map[string]any)
	if !ok {
		return fail("expected a JSON object with should_respond")
	}
	flag, ok := obj["should_respond"].(bool)
	if !ok {
		return fail("should_respond must be a boolean")
	}
	if !flag {
		return pass()
	}
	reply, _ := obj["reply"].(string)
	if strings.TrimSpace(reply) == "" {
		return fail("should_respond is true but reply is empty")
	}
	return pass()
}

func validatePersonaGeneration(value any) Verdict {
	obj, ok := value.(map[string]any)
	if !ok {
		return fail("expected a JSON object describing the persona")
	}
	if nonEmptyString(obj["short_description"]) == "" {
		return fail("short_description is missing or empty")
	}
	if nonEmptyString(obj["long_description"]) == "" {
		return fail("long_description is missing or empty")
	}

	traits, ok := obj["traits"].([]any)
	if !ok {
		return fail("traits must be an array")
	}
	if len(traits) < MinGeneratedConcepts {
		return fail("only %s provided, need at least %d", countNoun(len(traits), "trait"), MinGeneratedConcepts)
	}
	for i, raw := range traits {
		if v := checkConcept("trait", i, raw, []string{"sentiment", "strength"}); !v.OK {
			return v
		}
	}

	topics, ok := obj["topics"].([]any)
	if !ok {
		return fail("topics must be an array")
	}
	if len(topics) < MinGeneratedConcepts {
		return fail("only %s provided, need at least %d", countNoun(len(topics), "topic"), MinGeneratedConcepts)
	}
	for i, raw := range topics {
		if v := checkConcept("topic", i, raw, []string{"sentiment", "exposure_current", "exposure_desired"}); !v.OK {
			return v
		}
	}
	return pass()
}

var optionalNumeric = []string{"sentiment", "strength", "exposure_current", "exposure_desired", "level_current", "level_ideal", "level_elasticity"}

func validateTraitExtraction(value any) Verdict {
	items, ok := extractionItems(value)
	if !ok {
		return fail("expected an array of concept deltas")
	}
	for i, raw := range items {
		if v := checkConcept("concept", i, raw, nil); !v.OK {
			return v
		}
		obj := raw.(map[string]any)
		for _, field := range optionalNumeric {
			if x, present := obj[field]; present && x != nil {
				if _, isNum := x.(float64); !isNum {
					return fail("concept %d: %s must be a number", i+1, field)
				}
			}
		}
		if t, present := obj["type"]; present && t != nil {
			s, _ := t.(string)
			if _, known := normalizeType(s); !known {
				return fail("concept %d: unknown type %v", i+1, t)
			}
		}
	}
	return pass()
}

// extractionItems accepts a bare array or an object wrapping one in "concepts".
func extractionItems(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case map[string]any:
		items, ok := v["concepts"].([]any)
		return items, ok
	default:
		return nil, false
	}
}

func checkConcept(noun string, idx int, raw any, numeric []string) Verdict {
	obj, ok := raw.(map[string]any)
	if !ok {
		return fail("%s %d: expected an object", noun, idx+1)
	}
	if nonEmptyString(obj["name"]) == "" {
		return fail("%s %d: name is missing or empty", noun, idx+1)
	}
	if nonEmptyString(obj["description"]) == "" {
		return fail("%s %d (%s): description is missing or empty", noun, idx+1, nonEmptyString(obj["name"]))
	}
	for _, field := range numeric {
		if _, isNum := obj[field].(float64); !isNum {
			return fail("%s %d (%s): %s must be a number", noun, idx+1, nonEmptyString(obj["name"]), field)
		}
	}
	return pass()
}

func nonEmptyString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func countNoun(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

var (
	schemaOnce       sync.Once
	resolved         map[Kind]*jsonschema.Resolved
	schemaResolveErr error
)

func checkSchema(kind Kind, value any) Verdict {
	schemaOnce.Do(func() {
		resolved = map[Kind]*jsonschema.Resolved{}
		for k, s := range schemas {
			rs, err := s.Resolve(nil)
			if err != nil {
				schemaResolveErr = fmt.Errorf("resolve %s schema: %w", k, err)
				return
			}
			resolved[k] = rs
		}
	})
	rs, ok := resolved[kind]
	if schemaResolveErr != nil || !ok {
		return pass()
	}
	if kind == KindTraitExtraction {
		items, _ := extractionItems(value)
		value = items
	}
	if err := rs.Validate(value); err != nil {
		return fail("schema: %v", err)
	}
	return pass()
}
