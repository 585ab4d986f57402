// Package judge scores stored generation outputs against a rubric using
// a judge model, with tolerant parsing of free-text verdicts.
package judge

import (
	"fmt"
	"strings"

	"github.com/c360studio/storybench/battery"
)

// TemplateVersion identifies the prompt template used to produce a
// verdict. Stored on every verdict so scores from different template
// generations are never compared blindly.
const TemplateVersion = "v1"

// BuildPrompt renders the judge prompt for one piece of writing. The
// output is deterministic for a given (criteria, text) pair.
func BuildPrompt(criteria *battery.CriteriaSet, promptText, outputText string) string {
	var b strings.Builder

	b.WriteString("You are an expert literary judge evaluating a piece of creative writing.\n\n")
	b.WriteString("The writing was produced in response to this prompt:\n\n")
	b.WriteString("<prompt>\n")
	b.WriteString(promptText)
	b.WriteString("\n</prompt>\n\n")
	b.WriteString("The piece to evaluate:\n\n")
	b.WriteString("<piece>\n")
	b.WriteString(outputText)
	b.WriteString("\n</piece>\n\n")
	b.WriteString("Score the piece on each criterion below.\n\n")

	for _, c := range criteria.Criteria {
		fmt.Fprintf(&b, "- %s (%g to %g): %s\n", c.Name, c.ScaleMin, c.ScaleMax, c.Description)
	}

	b.WriteString("\nRespond with a JSON object mapping each criterion name to a numeric score, for example:\n\n")
	b.WriteString("{\n")
	for i, c := range criteria.Criteria {
		fmt.Fprintf(&b, "  %q: %g", c.Name, c.ScaleMax)
		if i < len(criteria.Criteria)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
	b.WriteString("You may add a short justification after the JSON, but the JSON object must contain every criterion.\n")

	return b.String()
}
