package analysis

import (
	"fmt"
	"strings"

	"github.com/agenthands/rubric/internal/grading"
)

// Opinion is one backend's proposed grade. Available=false means the
// backend could not be consulted (timeout, transport failure, or an
// unparseable reply) and the arbiter must not weigh it.
type Opinion struct {
	Role          string             `json:"role"`
	ProposedScore float64            `json:"proposed_score"`
	Rationale     string             `json:"rationale,omitempty"`
	Components    map[string]float64 `json:"components,omitempty"`
	Available     bool               `json:"available"`
	FailReason    string             `json:"fail_reason,omitempty"`
}

// Opinions is the pair produced by one run: the code-correctness role
// and the narrative-feedback role.
type Opinions struct {
	Code     Opinion `json:"code"`
	Feedback Opinion `json:"feedback"`
}

// Available returns the opinions that can be weighed.
func (o Opinions) Available() []Opinion {
	var out []Opinion
	if o.Code.Available {
		out = append(out, o.Code)
	}
	if o.Feedback.Available {
		out = append(out, o.Feedback)
	}
	return out
}

// Degraded reports whether either backend failed, i.e. arbitration
// runs on reduced signal.
func (o Opinions) Degraded() bool {
	return !o.Code.Available || !o.Feedback.Available
}

// opinionPayload is the JSON contract the prompts ask the backends to
// honor. Validated and clamped at this boundary so nothing loosely
// typed leaks into arbitration.
type opinionPayload struct {
	Score      float64            `json:"score"`
	Rationale  string             `json:"rationale"`
	Components map[string]float64 `json:"components"`
}

// summarizeSpec renders the assignment for a prompt.
func summarizeSpec(spec *grading.AssignmentSpec) string {
	var b strings.Builder
	if spec.Title != "" {
		fmt.Fprintf(&b, "%s\n", spec.Title)
	}
	fmt.Fprintf(&b, "Total points: %.0f\n", spec.TotalPoints)
	b.WriteString("Required identifiers:\n")
	for _, id := range spec.RequiredIdentifiers {
		if id.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", id.Name, id.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", id.Name)
		}
	}
	if len(spec.RequiredFunctions) > 0 {
		fmt.Fprintf(&b, "Required functions: %s\n", strings.Join(spec.RequiredFunctions, ", "))
	}
	return b.String()
}

// summarizeEvidence renders the deterministic findings so opinions are
// grounded in them rather than free-floating.
func summarizeEvidence(ev grading.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Identifiers found: %s\n", listOrNone(ev.FoundIdentifiers))
	fmt.Fprintf(&b, "Identifiers missing: %s\n", listOrNone(ev.MissingIdentifiers))
	if len(ev.MissingFunctions) > 0 {
		fmt.Fprintf(&b, "Required functions not used: %s\n", strings.Join(ev.MissingFunctions, ", "))
	}
	fmt.Fprintf(&b, "Fraction of code cells executed: %.2f\n", ev.ExecutedFraction)
	fmt.Fprintf(&b, "Output match rate vs solution: %.2f over %d comparisons\n", ev.MatchRate, ev.Compared)
	for _, d := range ev.Discrepancies {
		fmt.Fprintf(&b, "Discrepancy [%s] %s: expected %q, got %q\n", d.Kind, d.Identifier, d.Expected, d.Actual)
	}
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
