package arbiter

import (
	"fmt"
	"time"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/grading"
)

// State is the grading run lifecycle. Arbitrated and Finalized are
// terminal; Aborted is the terminal state for cancellation/timeout.
type State string

const (
	StatePending          State = "pending"
	StateEvidenceReady    State = "evidence_ready"
	StateOpinionsReady    State = "opinions_ready"
	StateOpinionsDegraded State = "opinions_degraded"
	StateArbitrated       State = "arbitrated"
	StateFinalized        State = "finalized"
	StateAborted          State = "aborted"
)

// AuditEntry is one line of the append-only rule-application log.
// Every rule examined gets an entry, not only the one that bound the
// result, so a reviewer can replay exactly how the score was reached.
type AuditEntry struct {
	Seq     int    `json:"seq"`
	Rule    string `json:"rule"`
	Applied bool   `json:"applied"`
	Detail  string `json:"detail"`
}

// Result is the grading outcome handed to persistence and reporting.
type Result struct {
	RunID       string            `json:"run_id,omitempty"`
	State       State             `json:"state"`
	FinalScore  float64           `json:"final_score"`
	TotalPoints float64           `json:"total_points"`
	Evidence    grading.Evidence  `json:"evidence"`
	Opinions    analysis.Opinions `json:"ai_opinions"`
	AuditTrail  []AuditEntry      `json:"audit_trail"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Arbiter reconciles backend opinions with deterministic evidence.
// Stateless and reentrant: batch schedulers may pause and resume
// around it freely.
type Arbiter struct{}

// Arbitrate applies the fixed-priority rule set and returns a bounded
// result. It never fails: whatever the inputs, the final score lands
// in [0, total_points].
func (Arbiter) Arbitrate(ev grading.Evidence, ops analysis.Opinions, spec *grading.AssignmentSpec) Result {
	total := spec.TotalPoints
	var trail []AuditEntry
	logRule := func(rule string, applied bool, format string, args ...interface{}) {
		trail = append(trail, AuditEntry{
			Seq:     len(trail) + 1,
			Rule:    rule,
			Applied: applied,
			Detail:  fmt.Sprintf(format, args...),
		})
	}

	// Rule 1: candidate score. Average of available opinions; the
	// structural base score when both backends were unavailable.
	var candidate float64
	available := ops.Available()
	if len(available) > 0 {
		sum := 0.0
		for _, op := range available {
			sum += op.ProposedScore
		}
		candidate = sum / float64(len(available))
		logRule("candidate_from_opinions", true, "average of %d opinion(s): %.2f", len(available), candidate)
	} else {
		candidate = ev.BaseScore
		logRule("candidate_from_evidence", true, "both opinions unavailable, structural base score: %.2f", candidate)
	}

	// Caps are collected as fractions of total; the most restrictive
	// one wins.
	minCap := 1.0

	// Rule 2: error-class discrepancies.
	errs := ev.ErrorCount()
	switch {
	case errs >= 3:
		minCap = lower(minCap, 0.70)
		logRule("error_cap", true, "%d error discrepancies, cap 70%%", errs)
	case errs >= 1:
		minCap = lower(minCap, 0.80)
		logRule("error_cap", true, "%d error discrepancies, cap 80%%", errs)
	default:
		logRule("error_cap", false, "no error discrepancies")
	}

	// Rule 3: missing identifiers.
	if missing := len(ev.MissingIdentifiers); missing >= 3 {
		minCap = lower(minCap, 0.75)
		logRule("missing_identifier_cap", true, "%d identifiers missing, cap 75%%", missing)
	} else {
		logRule("missing_identifier_cap", false, "%d identifiers missing", len(ev.MissingIdentifiers))
	}

	// Rule 4: output match-rate cap from the comparator.
	if mrCap := grading.MatchRateCap(ev.OutputReportView()); mrCap < 1.0 {
		minCap = lower(minCap, mrCap)
		logRule("match_rate_cap", true, "match rate %.2f, cap %.0f%%", ev.MatchRate, mrCap*100)
	} else {
		logRule("match_rate_cap", false, "match rate %.2f over %d comparisons", ev.MatchRate, ev.Compared)
	}

	// Rule 5: assignment-size-relative completeness tiers.
	required := len(ev.FoundIdentifiers) + len(ev.MissingIdentifiers)
	if required > 0 {
		missingFrac := float64(len(ev.MissingIdentifiers)) / float64(required)
		switch {
		case missingFrac >= 0.75:
			minCap = lower(minCap, 0.20)
			logRule("completeness_cap", true, "%.0f%% of sections missing, cap 20%%", missingFrac*100)
		case missingFrac >= 0.60:
			minCap = lower(minCap, 0.50)
			logRule("completeness_cap", true, "%.0f%% of sections missing, cap 50%%", missingFrac*100)
		case missingFrac >= 0.50:
			minCap = lower(minCap, 0.70)
			logRule("completeness_cap", true, "%.0f%% of sections missing, cap 70%%", missingFrac*100)
		default:
			logRule("completeness_cap", false, "%.0f%% of sections missing", missingFrac*100)
		}
	} else {
		logRule("completeness_cap", false, "no required identifiers")
	}

	capped := candidate
	if c := minCap * total; capped > c {
		capped = c
		logRule("apply_cap", true, "most restrictive cap %.0f%%: %.2f -> %.2f", minCap*100, candidate, capped)
	} else {
		logRule("apply_cap", false, "candidate %.2f under cap %.0f%%", candidate, minCap*100)
	}

	// Rule 6: conservative floor-raise. Guards genuinely complete work
	// against an overly harsh opinion; never exceeds 70% and any lower
	// cap from rules 2-5 dominates it.
	floorOK := ev.CodeLength >= spec.MinCodeLength &&
		errs == 0 &&
		len(ev.MissingIdentifiers) <= 1 &&
		capped < 0.70*total
	if floorOK {
		floor := 0.70
		if minCap < floor {
			floor = minCap
		}
		if raised := floor * total; raised > capped {
			logRule("conservative_floor", true, "complete work scored %.2f, raising to %.2f", capped, raised)
			capped = raised
		} else {
			logRule("conservative_floor", false, "floor %.2f does not exceed score %.2f", floor*total, capped)
		}
	} else {
		logRule("conservative_floor", false,
			"conditions not met (code %d chars, %d errors, %d missing, score %.2f)",
			ev.CodeLength, errs, len(ev.MissingIdentifiers), capped)
	}

	// Final clamp. Boundedness holds regardless of what the rules did.
	final := capped
	if final < 0 {
		final = 0
	}
	if final > total {
		final = total
	}
	logRule("clamp", final != capped, "final score %.2f in [0, %.2f]", final, total)

	return Result{
		State:       StateArbitrated,
		FinalScore:  final,
		TotalPoints: total,
		Evidence:    ev,
		Opinions:    ops,
		AuditTrail:  trail,
		CreatedAt:   time.Now().UTC(),
	}
}

func lower(current, candidate float64) float64 {
	if candidate < current {
		return candidate
	}
	return current
}
