package runs

import (
	"fmt"
	"regexp"
	"strings"
)

// minPlanSteps is the minimum number of steps to consider a parsed plan valid.
const minPlanSteps = 2

// numberedItemRe matches numbered list items like "1. ", "2) ".
var numberedItemRe = regexp.MustCompile(`(?m)^(\d+)[.)]\s+(.+)`)

// headerStepRe matches markdown headers like "### Step 1: Title" or "### 1. Title".
var headerStepRe = regexp.MustCompile(`(?m)^###\s+(?:Step\s+)?(\d+)[.:]?\s*(.+)`)

// toolTagRe matches a trailing tool tag like "[fs.write]" on a step title.
var toolTagRe = regexp.MustCompile(`\[([a-z][a-z0-9_.]*)\]\s*$`)

// ParsePlan extracts a structured plan from markdown the model produced.
// Header-style steps win over numbered lists; a title may end with a
// bracketed tool tag naming the tool the step intends to call. Returns nil
// when the text has fewer than minPlanSteps recognizable steps.
func ParsePlan(markdown string) *Plan {
	if plan := parseSteps(markdown, headerStepRe); plan != nil {
		return plan
	}
	return parseSteps(markdown, numberedItemRe)
}

func parseSteps(markdown string, re *regexp.Regexp) *Plan {
	matches := re.FindAllStringSubmatchIndex(markdown, -1)
	if len(matches) < minPlanSteps {
		return nil
	}

	steps := make([]PlanStep, 0, len(matches))
	for i, match := range matches {
		title := strings.TrimSpace(markdown[match[4]:match[5]])

		// Description: text between this step and the next (or end).
		descStart := match[1]
		descEnd := len(markdown)
		if i+1 < len(matches) {
			descEnd = matches[i+1][0]
		}
		desc := strings.TrimSpace(markdown[descStart:descEnd])

		step := PlanStep{
			ID:          fmt.Sprintf("step_%d", i+1),
			Title:       title,
			Description: desc,
		}
		if tag := toolTagRe.FindStringSubmatch(title); tag != nil {
			step.Tool = tag[1]
			step.Title = strings.TrimSpace(strings.TrimSuffix(title, tag[0]))
		}
		steps = append(steps, step)
	}
	return &Plan{Steps: steps}
}

// FallbackPlan wraps an instruction in a single catch-all step for models
// that did not produce a parseable plan.
func FallbackPlan(instruction string) *Plan {
	title := strings.TrimSpace(instruction)
	if len(title) > 120 {
		title = title[:120]
	}
	return &Plan{Steps: []PlanStep{{ID: "step_1", Title: title, Description: instruction}}}
}
