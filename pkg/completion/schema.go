package completion

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

func intPtr(n int) *int { return &n }

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func num(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: desc}
}

var traitSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"name", "description", "sentiment", "strength"},
	Properties: map[string]*jsonschema.Schema{
		"name":        str("short trait name"),
		"description": str("how the trait shows up"),
		"sentiment":   num("-1..1"),
		"strength":    num("0..1"),
	},
}

var topicSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"name", "description", "sentiment", "exposure_current", "exposure_desired"},
	Properties: map[string]*jsonschema.Schema{
		"name":             str("topic name"),
		"description":      str("why the topic matters"),
		"sentiment":        num("-1..1"),
		"exposure_current": num("0..1"),
		"exposure_desired": num("0..1"),
	},
}

var conceptDeltaSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"name", "description"},
	Properties: map[string]*jsonschema.Schema{
		"name":             str("concept name, reused verbatim when updating"),
		"description":      str("what was learned"),
		"type":             str("trait, topic or fact"),
		"sentiment":        num("-1..1"),
		"strength":         num("0..1, traits only"),
		"exposure_current": num("0..1, topics only"),
		"exposure_desired": num("0..1, topics only"),
		"level_current":    num("0..1, dynamic concepts"),
		"level_ideal":      num("0..1, dynamic concepts"),
		"level_elasticity": num("0..1, dynamic concepts"),
	},
}

var schemas = map[Kind]*jsonschema.Schema{
	KindResponse: {
		Type:     "object",
		Required: []string{"should_respond"},
		Properties: map[string]*jsonschema.Schema{
			"should_respond": {Type: "boolean"},
			"reply":          str("the message to send when should_respond is true"),
		},
	},
	KindPersonaGeneration: {
		Type:     "object",
		Required: []string{"short_description", "long_description", "traits", "topics"},
		Properties: map[string]*jsonschema.Schema{
			"short_description": str("one line"),
			"long_description":  str("a paragraph"),
			"traits":            {Type: "array", MinItems: intPtr(MinGeneratedConcepts), Items: traitSchema},
			"topics":            {Type: "array", MinItems: intPtr(MinGeneratedConcepts), Items: topicSchema},
		},
	},
	KindTraitExtraction: {
		Type:  "array",
		Items: conceptDeltaSchema,
	},
}

// SchemaJSON renders the output contract for kind, for use in prompts.
func SchemaJSON(kind Kind) string {
	s, ok := schemas[kind]
	if !ok {
		return ""
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
