// Package fallback synthesizes a deterministic report when no provider
// could produce one.
package fallback

import (
	"fmt"
	"strings"

	"github.com/commitdiary/stepper/pkg/types"
)

// Build returns a template report derived only from the input
func Build(input *types.PromptInput) *types.Report {
	firstLine := strings.SplitN(input.Message, "\n", 2)[0]
	if firstLine == "" {
		firstLine = "Code changes"
	}

	fileCount := len(input.Files)
	componentCount := len(input.Components)

	changes := make([]string, 0, min(fileCount, 10))
	for _, f := range input.Files[:min(fileCount, 10)] {
		changes = append(changes, "Modified "+f)
	}

	tags := strings.Join(input.Components[:min(componentCount, 5)], ", ")
	if tags == "" {
		tags = "general"
	}

	return &types.Report{
		Title: truncate(firstLine, 80, ""),
		Summary: fmt.Sprintf("This commit modifies %d %s in %s. The changes affect %d %s. Commit message: \"%s\"",
			fileCount, plural(fileCount, "file"), input.Repo,
			componentCount, plural(componentCount, "component"),
			truncate(input.Message, 200, "...")),
		Changes:        changes,
		Rationale:      "Automated fallback: Unable to generate AI-powered analysis. Diff summary: " + truncate(input.DiffSummary, 300, "..."),
		ImpactAndTests: "Please review the changes manually. Ensure tests are updated for modified files: " + strings.Join(input.Files[:min(fileCount, 5)], ", "),
		NextSteps: []string{
			"Review changes manually",
			"Run test suite",
			"Verify component integration",
			"Update documentation if needed",
		},
		Tags: tags,
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// truncate cuts s to n runes, appending suffix when it cut anything
func truncate(s string, n int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + suffix
}
