package grading

import (
	"log"

	"github.com/agenthands/rubric/internal/notebook"
)

// StructuralReport is what the structural validator found.
type StructuralReport struct {
	Found            []string `json:"found"`
	Missing          []string `json:"missing"`
	MissingFunctions []string `json:"missing_functions,omitempty"`
	ExecutedFraction float64  `json:"executed_fraction"`
	// ReviewFlag marks degenerate specs (no required identifiers) that
	// pass by convention and should be looked at by a human.
	ReviewFlag bool `json:"review_flag,omitempty"`
}

// Penalty shape for unexecuted cells: a small deduction per code cell
// without output, bounded so incomplete execution alone can never zero
// a submission.
const (
	unexecutedCellPenalty = 0.02 // fraction of total points per cell
	maxExecutionPenalty   = 0.20 // overall bound
)

type StructuralValidator struct {
	Matcher PatternMatcher
}

func NewStructuralValidator(m PatternMatcher) *StructuralValidator {
	if m == nil {
		m = NewRMatcher()
	}
	return &StructuralValidator{Matcher: m}
}

// Validate scans the notebook for required identifiers, required
// functions and execution completeness. Deterministic: the same
// document and spec always produce the same report.
func (v *StructuralValidator) Validate(doc *notebook.Document, spec *AssignmentSpec) StructuralReport {
	rep := StructuralReport{}

	code := doc.CodeText()
	for _, name := range spec.IdentifierNames() {
		if v.Matcher.MatchesAssignment(code, name) {
			rep.Found = append(rep.Found, name)
		} else {
			rep.Missing = append(rep.Missing, name)
		}
	}
	for _, fn := range spec.RequiredFunctions {
		if !v.Matcher.MatchesCall(code, fn) {
			rep.MissingFunctions = append(rep.MissingFunctions, fn)
		}
	}

	if len(spec.RequiredIdentifiers) == 0 {
		// Nothing to require means full completion by convention, but
		// the grade deserves a human look.
		rep.ReviewFlag = true
		log.Printf("structural: spec %q has no required identifiers, flagging for review", spec.Title)
	}

	codeCells := doc.CodeCells()
	if len(codeCells) == 0 {
		rep.ExecutedFraction = 0
		return rep
	}
	executed := 0
	for i := range codeCells {
		if codeCells[i].Executed() {
			executed++
		}
	}
	rep.ExecutedFraction = float64(executed) / float64(len(codeCells))
	return rep
}

// BaseScore converts a structural report into the completion-based
// score: total points scaled by the found fraction, reduced by a
// bounded penalty for unexecuted cells, never below zero.
func (v *StructuralValidator) BaseScore(doc *notebook.Document, rep StructuralReport, spec *AssignmentSpec) float64 {
	completion := 1.0
	if n := len(spec.RequiredIdentifiers); n > 0 {
		completion = float64(len(rep.Found)) / float64(n)
	}
	score := spec.TotalPoints * completion

	codeCells := doc.CodeCells()
	unexecuted := 0
	for i := range codeCells {
		if !codeCells[i].HasOutput() {
			unexecuted++
		}
	}
	penalty := unexecutedCellPenalty * float64(unexecuted)
	if penalty > maxExecutionPenalty {
		penalty = maxExecutionPenalty
	}
	score -= spec.TotalPoints * penalty

	if score < 0 {
		score = 0
	}
	return score
}

// assignmentCell returns the index of the cell that assigns the
// identifier, or -1. When several cells assign it the last one by
// document order wins and a warning is logged; grading proceeds on the
// final value the notebook would actually hold.
func assignmentCell(doc *notebook.Document, m PatternMatcher, identifier string) int {
	found := -1
	count := 0
	for i := range doc.Cells {
		c := &doc.Cells[i]
		if c.Type != notebook.CellCode {
			continue
		}
		if m.MatchesAssignment(c.Source, identifier) {
			found = i
			count++
		}
	}
	if count > 1 {
		log.Printf("warning: identifier %q assigned in %d cells, using the last", identifier, count)
	}
	return found
}
