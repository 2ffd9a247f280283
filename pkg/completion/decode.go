package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/memory"
)

var ErrNotParsed = errors.New("candidate was not parsed")

// ResponseOutput is a validated response candidate.
type ResponseOutput struct {
	ShouldRespond bool   `json:"should_respond"`
	Reply         string `json:"reply"`
}

type TraitSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Sentiment   float64 `json:"sentiment"`
	Strength    float64 `json:"strength"`
}

type TopicSpec struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Sentiment       float64 `json:"sentiment"`
	ExposureCurrent float64 `json:"exposure_current"`
	ExposureDesired float64 `json:"exposure_desired"`
}

// PersonaGenerationOutput is a validated persona-generation candidate.
type PersonaGenerationOutput struct {
	ShortDescription string      `json:"short_description"`
	LongDescription  string      `json:"long_description"`
	Traits           []TraitSpec `json:"traits"`
	Topics           []TopicSpec `json:"topics"`
}

// Deltas converts the generated traits and topics into concept deltas.
func (o PersonaGenerationOutput) Deltas() []memory.ConceptDelta {
	out := make([]memory.ConceptDelta, 0, len(o.Traits)+len(o.Topics))
	for _, t := range o.Traits {
		sentiment, strength := t.Sentiment, t.Strength
		out = append(out, memory.ConceptDelta{
			Name:        t.Name,
			Description: t.Description,
			Type:        memory.ConceptTrait,
			Sentiment:   &sentiment,
			Strength:    &strength,
		})
	}
	for _, t := range o.Topics {
		sentiment, cur, desired := t.Sentiment, t.ExposureCurrent, t.ExposureDesired
		out = append(out, memory.ConceptDelta{
			Name:            t.Name,
			Description:     t.Description,
			Type:            memory.ConceptTopic,
			Sentiment:       &sentiment,
			ExposureCurrent: &cur,
			ExposureDesired: &desired,
		})
	}
	return out
}

// ConceptDeltaSpec is one validated trait-extraction entry.
type ConceptDeltaSpec struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Type            string   `json:"type,omitempty"`
	Sentiment       *float64 `json:"sentiment,omitempty"`
	Strength        *float64 `json:"strength,omitempty"`
	ExposureCurrent *float64 `json:"exposure_current,omitempty"`
	ExposureDesired *float64 `json:"exposure_desired,omitempty"`
	LevelCurrent    *float64 `json:"level_current,omitempty"`
	LevelIdeal      *float64 `json:"level_ideal,omitempty"`
	LevelElasticity *float64 `json:"level_elasticity,omitempty"`
}

func (s ConceptDeltaSpec) Delta() memory.ConceptDelta {
	kind, _ := normalizeType(s.Type)
	return memory.ConceptDelta{
		Name:            strings.TrimSpace(s.Name),
		Description:     strings.TrimSpace(s.Description),
		Type:            kind,
		Sentiment:       s.Sentiment,
		Strength:        s.Strength,
		ExposureCurrent: s.ExposureCurrent,
		ExposureDesired: s.ExposureDesired,
		LevelCurrent:    s.LevelCurrent,
		LevelIdeal:      s.LevelIdeal,
		LevelElasticity: s.LevelElasticity,
	}
}

// normalizeType maps a model-provided type onto a concept type. Empty is
// accepted and leaves the type unset.
func normalizeType(raw string) (memory.ConceptType, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", true
	}
	return memory.NormalizeConceptType(raw)
}

func decodeInto(p Parsed, dst any) error {
	if !p.OK() {
		return fmt.Errorf("%w: %s", ErrNotParsed, p.Reason())
	}
	data, err := json.Marshal(p.Value())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func DecodeResponse(p Parsed) (ResponseOutput, error) {
	var out ResponseOutput
	if err := decodeInto(p, &out); err != nil {
		return ResponseOutput{}, fmt.Errorf("decode response: %w", err)
	}
	out.Reply = strings.TrimSpace(out.Reply)
	return out, nil
}

func DecodePersonaGeneration(p Parsed) (PersonaGenerationOutput, error) {
	var out PersonaGenerationOutput
	if err := decodeInto(p, &out); err != nil {
		return PersonaGenerationOutput{}, fmt.Errorf("decode persona generation: %w", err)
	}
	out.ShortDescription = strings.TrimSpace(out.ShortDescription)
	out.LongDescription = strings.TrimSpace(out.LongDescription)
	return out, nil
}

func DecodeTraitExtraction(p Parsed) ([]memory.ConceptDelta, error) {
	if !p.OK() {
		return nil, fmt.Errorf("decode trait extraction: %w: %s", ErrNotParsed, p.Reason())
	}
	items, ok := extractionItems(p.Value())
	if !ok {
		return nil, fmt.Errorf("decode trait extraction: expected an array")
	}
	var specs []ConceptDeltaSpec
	if err := decodeInto(ParsedOk(items), &specs); err != nil {
		return nil, fmt.Errorf("decode trait extraction: %w", err)
	}
	out := make([]memory.ConceptDelta, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Delta())
	}
	return out, nil
}
