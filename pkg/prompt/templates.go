package prompt

import "text/template"

const responseTemplateText = `You are {{.PersonaName}}{{if .ShortDescription}}, {{.ShortDescription}}{{end}}.
{{- if .LongDescription}}

{{.LongDescription}}
{{- end}}

## Current time
{{.Now}}
{{- if .Traits}}

## Your traits
{{- range .Traits}}
- {{.Name}}: {{.Description}} (strength {{printf "%.2f" .Strength}})
{{- end}}
{{- end}}
{{- if .Topics}}

## Topics you care about
{{- range .Topics}}
- {{.Name}}: {{.Description}} (sentiment {{printf "%.2f" .Sentiment}})
{{- end}}
{{- end}}
{{- if .HumanFacts}}

## What you know about the human
{{- range .HumanFacts}}
- {{.Name}}: {{.Description}}
{{- end}}
{{- end}}

## Output
Decide whether to reply to the latest human message. Answer with JSON only, no prose:
{"should_respond": true|false, "reply": "<your message when should_respond is true>"}`

const personaGenerationTemplateText = `You design conversational personas.
Create the persona named "{{.PersonaName}}" from the human's description.
Return JSON only, matching this schema:

{{.Schema}}

Provide at least {{.MinConcepts}} traits and at least {{.MinConcepts}} topics.
Sentiment ranges from -1 to 1; strength and exposure values range from 0 to 1.`

const traitExtractionTemplateText = `You maintain the long-term memory of {{.PersonaName}}.
{{- if eq .Target "human"}}
Read the conversation and extract what was learned about the HUMAN: their traits, topics they care about and facts about them.
{{- else}}
Read the conversation and extract how {{.PersonaName}} itself expressed or changed its own traits, topics and facts.
{{- end}}
{{- if .Known}}

Already known (reuse these names when updating):
{{- range .Known}}
- {{.Name}} ({{.Type}}): {{.Description}}
{{- end}}
{{- end}}

Return a JSON array of concept deltas, or [] when nothing new was learned. Schema:

{{.Schema}}`

var (
	responseTemplate          = template.Must(template.New("response").Parse(responseTemplateText))
	personaGenerationTemplate = template.Must(template.New("persona-generation").Parse(personaGenerationTemplateText))
	traitExtractionTemplate   = template.Must(template.New("trait-extraction").Parse(traitExtractionTemplateText))
)
