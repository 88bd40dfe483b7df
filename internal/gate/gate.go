// package gate renders the promotion decision. Evaluate is a pure function
// of the aggregated check results and the policy: no clocks, no I/O, no
// hidden state, so identical inputs always produce the identical decision.
package gate

import (
	"fmt"
	"strings"

	"github.com/relvault/relvault/internal/checks"
	"github.com/relvault/relvault/internal/policy"
)

// Decision is the binary gate outcome.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
)

// ReasonNoRequiredChecks is the distinguished blocking reason for a policy
// with an empty required-check list. An empty list is a misconfiguration and
// must never vacuously allow promotion.
const ReasonNoRequiredChecks = "NoRequiredChecksConfigured"

// Row pairs a required check with its latest observed result.
type Row struct {
	Check  string             `json:"check"`
	Result checks.CheckResult `json:"result"`
}

// TruthTable is the aggregate view for one (commit, policy-version) pair.
type TruthTable struct {
	Commit          string   `json:"commit"`
	PolicyVersion   string   `json:"policyVersion"`
	Rows            []Row    `json:"rows"`
	Decision        Decision `json:"decision"`
	BlockingReasons []string `json:"blockingReasons,omitempty"`
}

// Evaluate builds the truth table for commit from the aggregated results.
// Decision is ALLOW iff every required check is exactly success; pending,
// failure, cancelled, skipped, and absent all block. BlockingReasons follows
// the policy's required-check order.
func Evaluate(commit string, results checks.ResultSet, pol policy.Policy) TruthTable {
	tt := TruthTable{
		Commit:        commit,
		PolicyVersion: pol.Version,
	}

	if len(pol.RequiredChecks) == 0 {
		tt.Decision = DecisionBlock
		tt.BlockingReasons = []string{ReasonNoRequiredChecks}
		return tt
	}

	tt.Rows = make([]Row, 0, len(pol.RequiredChecks))
	for _, name := range pol.RequiredChecks {
		result, ok := results[name]
		if !ok {
			result = checks.CheckResult{Name: name, Status: checks.StatusPending}
		}
		tt.Rows = append(tt.Rows, Row{Check: name, Result: result})
		if result.Status != checks.StatusSuccess {
			tt.BlockingReasons = append(tt.BlockingReasons, name)
		}
	}

	if len(tt.BlockingReasons) == 0 {
		tt.Decision = DecisionAllow
	} else {
		tt.Decision = DecisionBlock
	}
	return tt
}

// String renders the truth table for operators.
func (tt TruthTable) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit %s (policy %s): %s\n", tt.Commit, tt.PolicyVersion, tt.Decision)
	for _, row := range tt.Rows {
		mark := " "
		if row.Result.Status == checks.StatusSuccess {
			mark = "x"
		}
		fmt.Fprintf(&b, "  [%s] %-24s %s", mark, row.Check, row.Result.Status)
		if row.Result.RunID != "" {
			fmt.Fprintf(&b, " (run %s)", row.Result.RunID)
		}
		b.WriteByte('\n')
	}
	if len(tt.BlockingReasons) > 0 {
		fmt.Fprintf(&b, "  blocked by: %s\n", strings.Join(tt.BlockingReasons, ", "))
	}
	return b.String()
}
