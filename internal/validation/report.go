// Package validation checks provider output against the report schema.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/types"
)

var (
	jsonFenceOpen = regexp.MustCompile("(?i)^```json\\s*")
	fenceOpen     = regexp.MustCompile("^```\\s*")
	fenceClose    = regexp.MustCompile("```\\s*$")
	outerObject   = regexp.MustCompile(`(?s)\{.*\}`)
)

var requiredFields = []string{
	"title", "summary", "changes", "rationale", "impact_and_tests", "next_steps", "tags",
}

// Issue is one failed schema rule
type Issue struct {
	Path    string
	Message string
}

// Issues collects every failed rule of one report
type Issues []Issue

func (is Issues) Error() string {
	parts := make([]string, len(is))
	for i, issue := range is {
		parts[i] = issue.Path + ": " + issue.Message
	}
	return strings.Join(parts, "; ")
}

// ParseAndValidate extracts a report from raw model output. Markdown fences
// and text around the outermost JSON object are tolerated; HTML is not.
func ParseAndValidate(raw string) (*types.Report, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<") {
		return nil, errors.NewValidationError("Received HTML response instead of JSON. This usually indicates an authentication error, rate limiting, or provider service issue.")
	}

	cleaned := jsonFenceOpen.ReplaceAllString(trimmed, "")
	cleaned = fenceClose.ReplaceAllString(cleaned, "")
	cleaned = fenceOpen.ReplaceAllString(cleaned, "")
	cleaned = fenceClose.ReplaceAllString(cleaned, "")
	if match := outerObject.FindString(cleaned); match != "" {
		cleaned = match
	}

	if !strings.HasPrefix(cleaned, "{") || !strings.HasSuffix(cleaned, "}") {
		return nil, errors.NewValidationError("Response does not appear to be valid JSON format. Provider may have returned an error message.")
	}
	if !gjson.Valid(cleaned) {
		return nil, errors.NewValidationError("Invalid JSON format. This often happens when the AI provider returns an error page instead of JSON response.")
	}

	var missing Issues
	for _, field := range requiredFields {
		if !gjson.Get(cleaned, field).Exists() {
			missing = append(missing, Issue{Path: field, Message: "Required"})
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewValidationError(missing.Error())
	}

	var report types.Report
	if err := json.Unmarshal([]byte(cleaned), &report); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("Invalid JSON format: %v", err))
	}

	if err := Validate(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Validate enforces the field rules on a decoded report
func Validate(r *types.Report) error {
	var issues Issues
	add := func(path, msg string) {
		issues = append(issues, Issue{Path: path, Message: msg})
	}

	checkLength(add, "title", "Title", r.Title, 10, 120)
	if strings.TrimSpace(r.Title) == "" {
		add("title", "Title cannot be empty or whitespace only")
	}
	checkLength(add, "summary", "Summary", r.Summary, 50, 2000)

	if len(r.Changes) < 1 {
		add("changes", "At least one change must be listed")
	}
	if len(r.Changes) > 50 {
		add("changes", "Maximum 50 changes allowed")
	}
	for i, change := range r.Changes {
		if utf8.RuneCountInString(change) < 5 {
			add(fmt.Sprintf("changes.%d", i), "Each change must be at least 5 characters")
		}
	}

	checkLength(add, "rationale", "Rationale", r.Rationale, 20, 2000)
	checkLength(add, "impact_and_tests", "Impact and tests section", r.ImpactAndTests, 20, 2000)

	if len(r.NextSteps) > 20 {
		add("next_steps", "Maximum 20 next steps allowed")
	}
	for i, step := range r.NextSteps {
		if utf8.RuneCountInString(step) < 5 {
			add(fmt.Sprintf("next_steps.%d", i), "Each next step must be at least 5 characters")
		}
	}

	if utf8.RuneCountInString(r.Tags) > 200 {
		add("tags", "Tags must not exceed 200 characters")
	}
	for _, tag := range strings.Split(r.Tags, ",") {
		if strings.TrimSpace(tag) == "" {
			add("tags", "Tags must be comma-separated with no empty values")
			break
		}
	}

	if len(issues) > 0 {
		return errors.NewValidationError(issues.Error())
	}
	return nil
}

func checkLength(add func(path, msg string), path, label, value string, min, max int) {
	n := utf8.RuneCountInString(value)
	if n < min {
		add(path, fmt.Sprintf("%s must be at least %d characters", label, min))
	}
	if n > max {
		add(path, fmt.Sprintf("%s must not exceed %d characters", label, max))
	}
}
