package providers

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/commitdiary/stepper/pkg/security"
	"github.com/commitdiary/stepper/pkg/types"
)

const (
	maxPromptFiles      = 30
	maxSimplePromptFile = 10
	maxPromptDiff       = 3000
	maxSimplePromptDiff = 1500
)

// PromptBuilder renders the provider prompt for one commit
type PromptBuilder struct {
	// Redact scrubs secrets from the rendered prompt before it leaves the process.
	Redact bool
}

type promptData struct {
	Repo          string
	CommitSHA     string
	Message       string
	FileCount     int
	Files         []string
	MoreFiles     int
	Components    string
	Diff          string
	DiffTruncated bool
}

var promptFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

var prompts = map[PromptStyle]*template.Template{
	PromptComprehensive: template.Must(template.New("comprehensive").Funcs(promptFuncs).Parse(comprehensivePrompt)),
	PromptSimple:        template.Must(template.New("simple").Funcs(promptFuncs).Parse(simplePrompt)),
	PromptXML:           template.Must(template.New("xml").Funcs(promptFuncs).Parse(xmlPrompt)),
}

// Build renders the prompt in the given style. Unknown styles fall back to
// the comprehensive prompt.
func (b PromptBuilder) Build(style PromptStyle, input *types.PromptInput) (string, error) {
	tmpl, ok := prompts[style]
	if !ok {
		tmpl = prompts[PromptComprehensive]
	}

	fileLimit, diffLimit := maxPromptFiles, maxPromptDiff
	if style == PromptSimple {
		fileLimit, diffLimit = maxSimplePromptFile, maxSimplePromptDiff
	}

	data := promptData{
		Repo:       input.Repo,
		CommitSHA:  input.CommitSHA,
		Message:    input.Message,
		FileCount:  len(input.Files),
		Files:      input.Files[:min(len(input.Files), fileLimit)],
		MoreFiles:  max(len(input.Files)-fileLimit, 0),
		Components: strings.Join(input.Components, ", "),
		Diff:       input.DiffSummary,
	}
	if diff := []rune(data.Diff); len(diff) > diffLimit {
		data.Diff = string(diff[:diffLimit])
		data.DiffTruncated = true
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", style, err)
	}

	prompt := out.String()
	if b.Redact {
		prompt = security.RedactSecrets(prompt)
	}
	return prompt, nil
}

const fieldRules = `1. **title** (string, 10 to 120 characters): "[Component] Action taken", active voice.
2. **summary** (string, 50 to 2000 characters): what the commit does and how, grounded in the diff.
3. **changes** (array of strings, REQUIRED, 1 to 50 items, each at least 5 characters): concrete atomic changes such as "Added X to Y". Use "Modified [filename]" when specifics are unclear.
4. **rationale** (string, 20 to 2000 characters): why these changes were made.
5. **impact_and_tests** (string, 20 to 2000 characters): affected areas, risks and what to test.
6. **next_steps** (array of strings, max 20 items): actionable follow-ups.
7. **tags** (string, max 200 characters): comma-separated tags with no empty values.`

const jsonShape = `{
  "title": "Component: Clear action description",
  "summary": "Explanation of the commit...",
  "changes": ["Specific change 1", "Specific change 2"],
  "rationale": "Why these changes were made...",
  "impact_and_tests": "Impact and testing requirements...",
  "next_steps": ["Follow-up 1"],
  "tags": "component, category"
}`

const commitContext = `Repository: {{.Repo}}
Commit SHA: {{.CommitSHA}}
Commit Message: {{.Message}}

Files Changed ({{.FileCount}} files):
{{range $i, $f := .Files}}{{inc $i}}. {{$f}}
{{end}}{{if .MoreFiles}}... and {{.MoreFiles}} more files
{{end}}
Affected Components: {{if .Components}}{{.Components}}{{else}}General{{end}}`

const comprehensivePrompt = `You are a senior software engineer analyzing a code commit. Your task is to generate a structured, professional commit report in valid JSON format.

## COMMIT INFORMATION
` + commitContext + `

## DIFF SUMMARY
{{.Diff}}{{if .DiffTruncated}}

[Diff truncated for brevity...]{{end}}

## ANALYSIS INSTRUCTIONS

Produce a JSON object with EXACTLY these fields:

` + fieldRules + `

## CRITICAL REQUIREMENTS

1. Output ONLY valid JSON. No markdown, no code blocks, no explanatory text.
2. Use ONLY the exact field names above.
3. Base the analysis on the actual code changes. Do not invent changes that are not shown.
4. Stay within the character limits of each field.

## OUTPUT FORMAT

` + jsonShape + `

Now analyze the commit and return ONLY the JSON object with no additional text.`

const simplePrompt = `Analyze this code commit and return a JSON report.

Repository: {{.Repo}}
Commit: {{.CommitSHA}}
Message: {{.Message}}
Files: {{range $i, $f := .Files}}{{if $i}}, {{end}}{{$f}}{{end}}
Components: {{.Components}}

Diff:
{{.Diff}}

Return valid JSON with these exact fields:
- title: Brief description (under 120 chars)
- summary: What changed and why (2-3 sentences)
- changes: Array of specific changes made (REQUIRED: minimum 1 item)
- rationale: Why these changes were needed
- impact_and_tests: Impact analysis and testing needs
- next_steps: Array of follow-up tasks
- tags: Comma-separated relevant tags

CRITICAL: The "changes" array MUST have at least 1 item.
Output ONLY valid JSON, no markdown or extra text.`

const xmlPrompt = `<role>
You are a senior software engineer with expertise in code analysis. You analyze commits with precision and provide actionable insights.
</role>

<instructions>
1. Examine the commit structure, files changed and diff content
2. Generate the analysis following the exact output format
3. Ensure all required fields are present and within character limits
4. Return ONLY valid JSON with no markdown and no extra text
</instructions>

<constraints>
- Base the analysis entirely on the provided diff and commit data
- Do not make assumptions about code you cannot see
- Stay within the character limit of each field
</constraints>

<context>
` + commitContext + `

## CODE DIFF
{{.Diff}}{{if .DiffTruncated}}

[Diff content truncated for context length...]{{end}}
</context>

<task>
Generate a structured JSON report with these EXACT fields:

` + fieldRules + `
</task>

<output_format>
Return ONLY a valid JSON object. No markdown code blocks.

` + jsonShape + `
</output_format>

<final_instruction>
Based on the commit information provided above, generate the analysis report in valid JSON format now.
</final_instruction>`
