package grading

import (
	"encoding/json"
	"fmt"
	"os"
)

// Identifier is one variable or object an assignment requires the
// student to produce.
type Identifier struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AssignmentSpec is the instructor-authored description of a correct
// submission. Authored by external tooling; read-only shared reference
// data, safe for concurrent reuse across submissions.
type AssignmentSpec struct {
	Title               string       `json:"title,omitempty"`
	RequiredIdentifiers []Identifier `json:"required_identifiers"`
	RequiredFunctions   []string     `json:"required_functions,omitempty"`

	// NumericTolerance is the relative tolerance for numeric output
	// comparison. Zero means the 5% default.
	NumericTolerance float64 `json:"numeric_tolerance,omitempty"`
	// RowCountTolerance is the absolute tolerance for extracted row
	// counts. Zero means exact.
	RowCountTolerance int `json:"row_count_tolerance,omitempty"`

	TotalPoints float64 `json:"total_points"`

	// MinCodeLength is the minimum code size (in characters) before the
	// arbiter's conservative floor-raise may apply.
	MinCodeLength int `json:"min_code_length,omitempty"`

	// ErrorSignatures are substrings that mark an output window as an
	// error. IgnoredSignatures is the allow-list: occurrences of these
	// are stripped before the error scan, so e.g. a regression table's
	// "Std. Error" column never flags the window.
	ErrorSignatures   []string `json:"error_signatures,omitempty"`
	IgnoredSignatures []string `json:"ignored_signatures,omitempty"`
}

const (
	defaultNumericTolerance = 0.05
	defaultMinCodeLength    = 200
)

var defaultErrorSignatures = []string{"error", "exception", "traceback", "warning: did not converge"}

var defaultIgnoredSignatures = []string{"std. error", "standard error", "error rate", "mean squared error", "root mean squared error"}

// ParseSpec decodes an AssignmentSpec document and applies defaults.
func ParseSpec(data []byte) (*AssignmentSpec, error) {
	var spec AssignmentSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse assignment spec: %w", err)
	}
	if spec.TotalPoints <= 0 {
		return nil, fmt.Errorf("assignment spec: total_points must be positive, got %v", spec.TotalPoints)
	}
	spec.applyDefaults()
	return &spec, nil
}

// LoadSpec reads an AssignmentSpec from a file.
func LoadSpec(path string) (*AssignmentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read assignment spec '%s': %w", path, err)
	}
	return ParseSpec(data)
}

func (s *AssignmentSpec) applyDefaults() {
	if s.NumericTolerance <= 0 {
		s.NumericTolerance = defaultNumericTolerance
	}
	if s.MinCodeLength <= 0 {
		s.MinCodeLength = defaultMinCodeLength
	}
	if len(s.ErrorSignatures) == 0 {
		s.ErrorSignatures = defaultErrorSignatures
	}
	if len(s.IgnoredSignatures) == 0 {
		s.IgnoredSignatures = defaultIgnoredSignatures
	}
}

// IdentifierNames returns the required identifier names in spec order.
func (s *AssignmentSpec) IdentifierNames() []string {
	names := make([]string, 0, len(s.RequiredIdentifiers))
	for _, id := range s.RequiredIdentifiers {
		names = append(names, id.Name)
	}
	return names
}
