// Package prompt renders the system prompt and transcript for each request kind.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/completion"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// Target selects which side of the knowledge model an extraction feeds.
type Target string

const (
	TargetHuman  Target = "human"
	TargetSystem Target = "system"
)

// Context contains all inputs for prompt assembly.
type Context struct {
	Kind             completion.Kind
	PersonaName      string
	ShortDescription string
	LongDescription  string
	PersonaConcepts  []memory.Concept
	HumanConcepts    []memory.Concept
	Messages         []memory.Message

	// Seed is the human's description of a persona to generate.
	Seed string
	// Target is the extraction side.
	Target Target
}

// Rendered is a prompt ready to send.
type Rendered struct {
	System   string
	Messages []providers.Message
}

// Transcript prepends the system prompt to the messages.
func (r Rendered) Transcript() []providers.Message {
	out := make([]providers.Message, 0, len(r.Messages)+1)
	out = append(out, providers.Message{Role: "system", Content: r.System})
	return append(out, r.Messages...)
}

// Builder assembles prompts.
type Builder struct {
	historyLimit int
	nowFunc      func() time.Time
}

func NewBuilder(historyLimit int) *Builder {
	if historyLimit <= 0 {
		historyLimit = 40
	}
	return &Builder{historyLimit: historyLimit, nowFunc: time.Now}
}

func (b *Builder) Build(pc Context) (Rendered, error) {
	if strings.TrimSpace(pc.PersonaName) == "" {
		return Rendered{}, fmt.Errorf("persona name is required")
	}
	switch pc.Kind {
	case completion.KindResponse:
		return b.buildResponse(pc)
	case completion.KindPersonaGeneration:
		return b.buildPersonaGeneration(pc)
	case completion.KindTraitExtraction:
		return b.buildTraitExtraction(pc)
	default:
		return Rendered{}, fmt.Errorf("no prompt template for kind %q", pc.Kind)
	}
}

func (b *Builder) buildResponse(pc Context) (Rendered, error) {
	data := struct {
		PersonaName      string
		ShortDescription string
		LongDescription  string
		Now              string
		Traits           []memory.Concept
		Topics           []memory.Concept
		HumanFacts       []memory.Concept
	}{
		PersonaName:      pc.PersonaName,
		ShortDescription: pc.ShortDescription,
		LongDescription:  pc.LongDescription,
		Now:              b.nowFunc().Format(time.RFC1123),
		Traits:           filter(pc.PersonaConcepts, memory.ConceptTrait),
		Topics:           filter(pc.PersonaConcepts, memory.ConceptTopic),
		HumanFacts:       pc.HumanConcepts,
	}
	var buf bytes.Buffer
	if err := responseTemplate.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render response prompt: %w", err)
	}

	history := pc.Messages
	if len(history) > b.historyLimit {
		history = history[len(history)-b.historyLimit:]
	}
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: chatRole(m.Role), Content: m.Content})
	}
	return Rendered{System: buf.String(), Messages: msgs}, nil
}

func (b *Builder) buildPersonaGeneration(pc Context) (Rendered, error) {
	data := struct {
		PersonaName string
		Schema      string
		MinConcepts int
	}{
		PersonaName: pc.PersonaName,
		Schema:      completion.SchemaJSON(completion.KindPersonaGeneration),
		MinConcepts: completion.MinGeneratedConcepts,
	}
	var buf bytes.Buffer
	if err := personaGenerationTemplate.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render persona generation prompt: %w", err)
	}
	seed := strings.TrimSpace(pc.Seed)
	if seed == "" {
		seed = "No description was given. Invent a distinctive, friendly persona."
	}
	return Rendered{
		System:   buf.String(),
		Messages: []providers.Message{{Role: "user", Content: seed}},
	}, nil
}

func (b *Builder) buildTraitExtraction(pc Context) (Rendered, error) {
	target := pc.Target
	if target == "" {
		target = TargetHuman
	}
	known := pc.HumanConcepts
	if target == TargetSystem {
		known = pc.PersonaConcepts
	}
	data := struct {
		PersonaName string
		Target      Target
		Known       []memory.Concept
		Schema      string
	}{
		PersonaName: pc.PersonaName,
		Target:      target,
		Known:       known,
		Schema:      completion.SchemaJSON(completion.KindTraitExtraction),
	}
	var buf bytes.Buffer
	if err := traitExtractionTemplate.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("render trait extraction prompt: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, m := range pc.Messages {
		speaker := "Human"
		if m.Role == memory.RoleSystem {
			speaker = pc.PersonaName
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), speaker, m.Content)
	}
	return Rendered{
		System:   buf.String(),
		Messages: []providers.Message{{Role: "user", Content: sb.String()}},
	}, nil
}

func chatRole(r memory.Role) string {
	if r == memory.RoleSystem {
		return "assistant"
	}
	return "user"
}

func filter(concepts []memory.Concept, kind memory.ConceptType) []memory.Concept {
	var out []memory.Concept
	for _, c := range concepts {
		if c.Type == kind {
			out = append(out, c)
		}
	}
	return out
}
