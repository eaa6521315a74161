package grading

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agenthands/rubric/internal/notebook"
)

type DiscrepancyKind string

const (
	RowCountMismatch DiscrepancyKind = "row_count_mismatch"
	NumericMismatch  DiscrepancyKind = "numeric_mismatch"
	MissingOutput    DiscrepancyKind = "missing_output"
	ErrorPresent     DiscrepancyKind = "error_present"
)

// Discrepancy records one disagreement between a student output window
// and the solution's.
type Discrepancy struct {
	Identifier string          `json:"identifier"`
	Kind       DiscrepancyKind `json:"kind"`
	Expected   string          `json:"expected"`
	Actual     string          `json:"actual"`
}

// OutputReport is the comparator's verdict over all required
// identifiers.
type OutputReport struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
	// MatchRate is defined over identifiers that have output in both
	// notebooks; identifiers missing from the student notebook are
	// excluded so the structural validator's penalty is not applied
	// twice. Zero when nothing was comparable.
	MatchRate float64 `json:"match_rate"`
	Compared  int     `json:"compared"`
	Matched   int     `json:"matched"`
}

// Comparison thresholds. Row counts and key numeric values are
// high-signal and survive reformatting; plain text similarity is the
// least reliable strategy, consulted last.
const (
	numericOverlapMatch    = 0.8
	numericOverlapMismatch = 0.5
	textSimilarityMatch    = 0.75
	comparisonWindow       = 2 // trailing cells tolerated for interleaved warnings
)

type OutputComparator struct {
	Matcher PatternMatcher
}

func NewOutputComparator(m PatternMatcher) *OutputComparator {
	if m == nil {
		m = NewRMatcher()
	}
	return &OutputComparator{Matcher: m}
}

// Compare locates each required identifier's output in the student
// and solution notebooks and classifies the pair. Deterministic and
// side-effect free apart from ambiguity warnings.
func (c *OutputComparator) Compare(student, solution *notebook.Document, spec *AssignmentSpec) OutputReport {
	rep := OutputReport{}

	for _, id := range spec.RequiredIdentifiers {
		stuIdx := assignmentCell(student, c.Matcher, id.Name)
		if stuIdx == -1 {
			// Absent identifiers were already penalized structurally.
			continue
		}
		solIdx := assignmentCell(solution, c.Matcher, id.Name)
		if solIdx == -1 {
			continue
		}

		stuWin := outputWindow(student, stuIdx)
		solWin := outputWindow(solution, solIdx)

		if stuWin == "" {
			if solWin != "" {
				rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
					Identifier: id.Name,
					Kind:       MissingOutput,
					Expected:   truncate(solWin),
					Actual:     "(no output)",
				})
			}
			continue
		}
		if solWin == "" {
			continue
		}

		rep.Compared++

		stuErr := windowHasError(stuWin, spec)
		solErr := windowHasError(solWin, spec)
		if stuErr && !solErr {
			// An error where the solution succeeded: zero credit for
			// this identifier, no further comparison.
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Identifier: id.Name,
				Kind:       ErrorPresent,
				Expected:   truncate(solWin),
				Actual:     truncate(stuWin),
			})
			continue
		}
		if stuErr && solErr {
			// The solution errors too; matching behavior is a match.
			rep.Matched++
			continue
		}

		if d, ok := c.compareWindows(id.Name, stuWin, solWin, spec); ok {
			rep.Matched++
		} else if d != nil {
			rep.Discrepancies = append(rep.Discrepancies, *d)
		} else {
			// Inconclusive all the way down counts as a miss without a
			// recorded discrepancy.
		}
	}

	if rep.Compared > 0 {
		rep.MatchRate = float64(rep.Matched) / float64(rep.Compared)
	}
	return rep
}

// compareWindows applies the strategies in priority order: row-count
// extraction, numeric-set overlap, then normalized text similarity.
// Returns (discrepancy, matched); a nil discrepancy with matched=false
// means every strategy was inconclusive.
func (c *OutputComparator) compareWindows(identifier, stuWin, solWin string, spec *AssignmentSpec) (*Discrepancy, bool) {
	stuRows, stuOK := extractRowCount(stuWin)
	solRows, solOK := extractRowCount(solWin)
	if stuOK && solOK {
		diff := stuRows - solRows
		if diff < 0 {
			diff = -diff
		}
		if diff > spec.RowCountTolerance {
			return &Discrepancy{
				Identifier: identifier,
				Kind:       RowCountMismatch,
				Expected:   fmt.Sprintf("%d rows", solRows),
				Actual:     fmt.Sprintf("%d rows", stuRows),
			}, false
		}
		// Row counts agree; fall through and let the values decide.
	}

	switch numericOverlap(stuWin, solWin, spec.NumericTolerance) {
	case overlapMatch:
		return nil, true
	case overlapMismatch:
		return &Discrepancy{
			Identifier: identifier,
			Kind:       NumericMismatch,
			Expected:   truncate(solWin),
			Actual:     truncate(stuWin),
		}, false
	}

	// ToleranceInconclusive: fall through to the text fallback.
	if textSimilarity(stuWin, solWin) >= textSimilarityMatch {
		return nil, true
	}
	return &Discrepancy{
		Identifier: identifier,
		Kind:       NumericMismatch,
		Expected:   truncate(solWin),
		Actual:     truncate(stuWin),
	}, false
}

// outputWindow collects the output text of the assignment cell plus up
// to two following cells, tolerating interleaved warning cells between
// an assignment and the print that shows its value.
func outputWindow(doc *notebook.Document, start int) string {
	var b strings.Builder
	end := start + comparisonWindow
	for i := start; i <= end && i < len(doc.Cells); i++ {
		for _, o := range doc.Cells[i].Outputs {
			if strings.TrimSpace(o.Text) == "" {
				continue
			}
			b.WriteString(o.Text)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// windowHasError reports whether the window contains a configured
// error signature. Allow-listed phrases are stripped first so benign
// statistical vocabulary ("Std. Error") cannot flag a healthy window.
func windowHasError(window string, spec *AssignmentSpec) bool {
	lowered := strings.ToLower(window)
	for _, ign := range spec.IgnoredSignatures {
		lowered = strings.ReplaceAll(lowered, strings.ToLower(ign), "")
	}
	for _, sig := range spec.ErrorSignatures {
		if strings.Contains(lowered, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

var rowCountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+)\s*(?:rows|obs\b)`),
	regexp.MustCompile(`(\d+)\s*[x×]\s*\d+`),
}

// extractRowCount pulls a row dimension out of tabular output headers
// like "# A tibble: 250 × 4" or "[250 rows x 4 columns]".
func extractRowCount(window string) (int, bool) {
	for _, re := range rowCountPatterns {
		if m := re.FindStringSubmatch(window); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

type overlapVerdict int

const (
	overlapMatch overlapVerdict = iota
	overlapMismatch
	overlapInconclusive
)

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?`)

// R prefixes printed vectors with element indexes like "[1]". They are
// formatting, not data, and would inflate every numeric comparison.
var vectorIndexPattern = regexp.MustCompile(`\[\d+\]`)

func stripVectorIndexes(s string) string {
	return vectorIndexPattern.ReplaceAllString(s, "")
}

// numericOverlap parses the numeric tokens from both windows and
// measures how many solution values have a tolerant counterpart in the
// student window. Set-based, so row order does not matter.
func numericOverlap(stuWin, solWin string, tolerance float64) overlapVerdict {
	solNums := extractNumbers(stripVectorIndexes(solWin))
	stuNums := extractNumbers(stripVectorIndexes(stuWin))
	if len(solNums) == 0 || len(stuNums) == 0 {
		return overlapInconclusive
	}

	matched := 0
	for _, want := range solNums {
		for _, got := range stuNums {
			if numbersMatch(got, want, tolerance) {
				matched++
				break
			}
		}
	}
	ratio := float64(matched) / float64(len(solNums))
	switch {
	case ratio >= numericOverlapMatch:
		return overlapMatch
	case ratio < numericOverlapMismatch:
		return overlapMismatch
	default:
		return overlapInconclusive
	}
}

func extractNumbers(s string) []float64 {
	tokens := numberPattern.FindAllString(s, -1)
	nums := make([]float64, 0, len(tokens))
	for _, t := range tokens {
		if v, err := strconv.ParseFloat(t, 64); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

// numbersMatch applies the relative tolerance; the expected value
// anchors the scale, with an absolute fallback around zero.
func numbersMatch(got, want, tolerance float64) bool {
	diff := math.Abs(got - want)
	scale := math.Abs(want)
	if scale < 1e-9 {
		return diff <= tolerance
	}
	return diff <= tolerance*scale
}

// textSimilarity is the last-resort strategy: normalized edit-distance
// similarity over casefolded, whitespace-collapsed text.
func textSimilarity(a, b string) float64 {
	na := normalizeText(stripVectorIndexes(a))
	nb := normalizeText(stripVectorIndexes(b))
	if na == nb {
		return 1
	}
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(na, nb))/float64(longest)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshtein computes edit distance with a single rolling row.
func levenshtein(a, b string) int {
	ar := []rune(a)
	br := []rune(b)
	n, m := len(ar), len(br)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}
	dp := make([]int, m+1)
	for j := 0; j <= m; j++ {
		dp[j] = j
	}
	for i := 1; i <= n; i++ {
		prev := dp[0]
		dp[0] = i
		for j := 1; j <= m; j++ {
			tmp := dp[j]
			cost := 0
			if ar[i-1] != br[j-1] {
				cost = 1
			}
			dp[j] = minInt(dp[j]+1, minInt(dp[j-1]+1, prev+cost))
			prev = tmp
		}
	}
	return dp[m]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

const truncateLimit = 240

func truncate(s string) string {
	if len(s) <= truncateLimit {
		return s
	}
	return s[:truncateLimit] + "..."
}

// MatchRateCap converts a match rate into the monotone score cap: a
// multiplier in (0,1], never an additive bonus. Nothing comparable
// means no cap rather than a zero-rate penalty, since truly missing
// work was already charged structurally.
func MatchRateCap(rep OutputReport) float64 {
	if rep.Compared == 0 {
		return 1.0
	}
	switch {
	case rep.MatchRate < 0.4:
		return 0.5
	case rep.MatchRate < 0.6:
		return 0.7
	case rep.MatchRate < 0.75:
		return 0.8
	default:
		return 1.0
	}
}
