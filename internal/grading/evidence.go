package grading

import (
	"github.com/agenthands/rubric/internal/notebook"
)

// Evidence is the deterministic findings bundle handed to the
// orchestrator and the arbiter. Computed once per run; immutable
// thereafter.
type Evidence struct {
	FoundIdentifiers   []string      `json:"found_identifiers"`
	MissingIdentifiers []string      `json:"missing_identifiers"`
	MissingFunctions   []string      `json:"missing_functions,omitempty"`
	ExecutedFraction   float64       `json:"executed_fraction"`
	Discrepancies      []Discrepancy `json:"discrepancies"`
	MatchRate          float64       `json:"match_rate"`
	Compared           int           `json:"compared"`
	BaseScore          float64       `json:"base_score"`
	CodeLength         int           `json:"code_length"`
	ReviewFlag         bool          `json:"review_flag,omitempty"`
}

// BuildEvidence runs the structural validator and the output
// comparator over one submission. Pure: takes everything it needs as
// parameters and keeps no state between runs.
func BuildEvidence(student, solution *notebook.Document, spec *AssignmentSpec, m PatternMatcher) Evidence {
	if m == nil {
		m = NewRMatcher()
	}
	validator := NewStructuralValidator(m)
	comparator := NewOutputComparator(m)

	structural := validator.Validate(student, spec)
	outputs := comparator.Compare(student, solution, spec)

	return Evidence{
		FoundIdentifiers:   structural.Found,
		MissingIdentifiers: structural.Missing,
		MissingFunctions:   structural.MissingFunctions,
		ExecutedFraction:   structural.ExecutedFraction,
		Discrepancies:      outputs.Discrepancies,
		MatchRate:          outputs.MatchRate,
		Compared:           outputs.Compared,
		BaseScore:          validator.BaseScore(student, structural, spec),
		CodeLength:         len(student.CodeText()),
		ReviewFlag:         structural.ReviewFlag,
	}
}

// ErrorCount is the number of error-class discrepancies.
func (e Evidence) ErrorCount() int {
	n := 0
	for _, d := range e.Discrepancies {
		if d.Kind == ErrorPresent {
			n++
		}
	}
	return n
}

// OutputReportView rebuilds the comparator view the arbiter needs for
// the match-rate cap.
func (e Evidence) OutputReportView() OutputReport {
	return OutputReport{
		Discrepancies: e.Discrepancies,
		MatchRate:     e.MatchRate,
		Compared:      e.Compared,
	}
}
