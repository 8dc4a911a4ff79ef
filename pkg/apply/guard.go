package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
)

// Policy selects how unexpected local state is handled
type Policy string

const (
	// PolicyOverride always replaces local state
	PolicyOverride Policy = "override"
	// PolicyReport never replaces local state and reports a local conflict to the server
	PolicyReport Policy = "report"
	// PolicyAsk asks a Decider for each case
	PolicyAsk Policy = "ask"
)

// ParsePolicy validates a policy name, defaulting to ask
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAsk, nil
	case PolicyOverride, PolicyReport, PolicyAsk:
		return p, nil
	}
	return "", &models.ValidationError{Field: "local_conflict_policy", Message: "must be override, report or ask"}
}

// Decision is the answer of a Decider
type Decision string

const (
	DecisionOverride Decision = "override"
	DecisionReport   Decision = "report"
)

// Decider is asked whether local state at path may be overridden.
// Returning an error aborts the current operation only.
type Decider interface {
	DecideLocalConflict(ctx context.Context, path string, isSource bool) (Decision, error)
}

// Guard decides whether the executor may replace diverging local state
type Guard interface {
	MayOverride(ctx context.Context, op models.Operation, isSource bool) (bool, error)
}

// NewGuard builds the guard for policy. The report and ask policies need a reporter, the ask
// policy a decider.
func NewGuard(policy Policy, reporter vcs.ConflictReporter, decider Decider) (Guard, error) {
	switch policy {
	case PolicyOverride:
		return overrideGuard{}, nil
	case PolicyReport:
		if reporter == nil {
			return nil, fmt.Errorf("policy %s needs a conflict reporter", policy)
		}
		return reportGuard{reporter: reporter}, nil
	case PolicyAsk, "":
		if reporter == nil || decider == nil {
			return nil, fmt.Errorf("policy %s needs a conflict reporter and a decider", PolicyAsk)
		}
		return askGuard{decider: decider, report: reportGuard{reporter: reporter}}, nil
	}
	return nil, fmt.Errorf("unknown local conflict policy %q", policy)
}

type overrideGuard struct{}

func (overrideGuard) MayOverride(ctx context.Context, op models.Operation, isSource bool) (bool, error) {
	return true, nil
}

type reportGuard struct {
	reporter vcs.ConflictReporter
}

func (g reportGuard) MayOverride(ctx context.Context, op models.Operation, isSource bool) (bool, error) {
	if err := g.reporter.ReportLocalConflict(ctx, models.NewLocalConflict(op, isSource)); err != nil {
		return false, &models.ServerError{Op: "report local conflict", Err: err}
	}
	return false, nil
}

type askGuard struct {
	decider Decider
	report  reportGuard
}

func (g askGuard) MayOverride(ctx context.Context, op models.Operation, isSource bool) (bool, error) {
	path := op.TargetLocalPath
	if isSource || path == "" {
		path = op.SourceLocalPath
	}
	decision, err := g.decider.DecideLocalConflict(ctx, path, isSource)
	if err != nil {
		return false, err
	}
	if decision == DecisionOverride {
		return true, nil
	}
	return g.report.MayOverride(ctx, op, isSource)
}
