package checks

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultCheckTimeout   = 30 * time.Second
	defaultOverallTimeout = 120 * time.Second
	defaultMaxInFlight    = 16
)

// AggregatorConfig bounds the per-check and whole-run query budget.
type AggregatorConfig struct {
	// CheckTimeout caps a single check query. Defaults to 30s.
	CheckTimeout time.Duration

	// OverallTimeout caps the whole aggregation; checks still unresolved
	// when it elapses are recorded as pending. Defaults to 120s.
	OverallTimeout time.Duration

	// MaxInFlight caps concurrent check queries. Defaults to 16.
	MaxInFlight int
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = defaultCheckTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = defaultOverallTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	return c
}

// Aggregator queries one CI source for a fixed set of named checks and merges
// the outcomes into a ResultSet. Queries run concurrently; each worker writes
// only its own preallocated slot, so no locking is needed around results.
type Aggregator struct {
	source Source
	cfg    AggregatorConfig
}

func NewAggregator(source Source, cfg AggregatorConfig) *Aggregator {
	return &Aggregator{source: source, cfg: cfg.withDefaults()}
}

// Aggregate fetches the status of every named check for commit.
//
// Fail-closed rules:
//   - a check the CI platform has never run resolves to pending
//   - a single failed query resolves that check to pending
//   - every query failing with a transport error means the platform is down;
//     the aggregation fails with ErrAggregatorUnavailable rather than
//     returning an all-pending table that hides the outage
//   - caller cancellation discards everything and returns
//     ErrAggregatorCancelled; a partial table is never a safe half-state
func (a *Aggregator) Aggregate(ctx context.Context, commit string, checkNames []string) (ResultSet, error) {
	if commit == "" {
		return nil, errors.New("commit required")
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	// Each worker owns exactly one slot in these slices.
	results := make([]CheckResult, len(checkNames))
	queryErrs := make([]error, len(checkNames))

	sem := make(chan struct{}, a.cfg.MaxInFlight)
	var wg sync.WaitGroup
	for i, name := range checkNames {
		wg.Add(1)
		go func(slot int, checkName string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				queryErrs[slot] = runCtx.Err()
				return
			}

			checkCtx, checkCancel := context.WithTimeout(runCtx, a.cfg.CheckTimeout)
			defer checkCancel()
			res, err := a.source.GetCheckStatus(checkCtx, commit, checkName)
			if err != nil {
				queryErrs[slot] = err
				return
			}
			res.Name = checkName
			results[slot] = res
		}(i, name)
	}
	wg.Wait()

	// Caller cancellation wins over any partial progress.
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return nil, ErrAggregatorCancelled
	}

	// A transport failure on every single query is an outage, not a truth
	// table full of pendings.
	if len(checkNames) > 0 {
		transportFailures := 0
		for _, err := range queryErrs {
			if err != nil && !errors.Is(err, ErrCheckNotFound) {
				transportFailures++
			}
		}
		if transportFailures == len(checkNames) {
			return nil, ErrAggregatorUnavailable
		}
	}

	now := time.Now().UTC()
	set := make(ResultSet, len(checkNames))
	for i, name := range checkNames {
		if queryErrs[i] != nil || results[i].Name == "" {
			// Absent, errored, or timed out: unknown is not-yet-satisfied.
			set[name] = CheckResult{Name: name, Status: StatusPending, ObservedAt: now}
			continue
		}
		set[name] = results[i]
	}
	return set, nil
}
