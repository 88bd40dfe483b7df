// package checks queries the CI platform for named check outcomes and
// normalizes the heterogeneous states CI systems report into a small closed
// status set. Downstream components never see the raw CI shapes.
package checks

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status is the closed set of normalized check outcomes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// NormalizeStatus folds raw CI states into the closed enum. Anything
// unrecognized or still in flight is pending; unknown is never success.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "passed", "succeeded":
		return StatusSuccess
	case "failure", "failed", "error", "timed_out", "action_required":
		return StatusFailure
	case "cancelled", "canceled":
		return StatusCancelled
	case "skipped", "neutral":
		return StatusSkipped
	default:
		// queued, in_progress, waiting, pending, ""
		return StatusPending
	}
}

// CheckResult is one named check's outcome for one commit. Values are
// immutable once recorded; a re-query yields a new value.
type CheckResult struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	RunID      string    `json:"runId,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// ResultSet maps check name to its latest observed result.
type ResultSet map[string]CheckResult

// ErrCheckNotFound is returned by a Source when the CI platform has no run
// recorded for the requested check. The aggregator treats it as pending.
var ErrCheckNotFound = errors.New("check not found")

// ErrAggregatorUnavailable signals a total CI outage: no check could be
// queried at all, so no truth table is produced.
var ErrAggregatorUnavailable = errors.New("aggregator unavailable")

// ErrAggregatorCancelled signals the caller cancelled an in-flight
// aggregation. Partial results are discarded; the caller must retry fully.
var ErrAggregatorCancelled = errors.New("aggregation cancelled")

// Source is the narrow interface onto the CI orchestration platform.
// Implementations must be idempotent and side-effect-free.
type Source interface {
	GetCheckStatus(ctx context.Context, commit, checkName string) (CheckResult, error)
}

// StaticSource serves fixed statuses keyed by check name. Used in tests and
// for dry runs without a CI platform.
type StaticSource struct {
	Statuses map[string]Status
	RunID    string
}

func NewStaticSource(statuses map[string]Status) *StaticSource {
	return &StaticSource{Statuses: statuses, RunID: "static"}
}

func (s *StaticSource) GetCheckStatus(ctx context.Context, commit, checkName string) (CheckResult, error) {
	st, ok := s.Statuses[checkName]
	if !ok {
		return CheckResult{}, ErrCheckNotFound
	}
	return CheckResult{
		Name:       checkName,
		Status:     st,
		RunID:      s.RunID,
		ObservedAt: time.Now().UTC(),
	}, nil
}
