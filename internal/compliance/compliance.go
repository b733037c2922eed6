// Package compliance gates ledger appends behind an ordered set of business
// rules. Rules are evaluated in registration order and the first failing
// rule decides the rejection.
package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitdigital/ledgercore/internal/model"
)

// Violation is the rejection outcome of a rule. It is a normal result, not a
// fault: callers distinguish it from system failures with errors.As.
type Violation struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("compliance rule %s: %s", v.Rule, v.Reason)
}

// ChainContext describes the chain an event is about to be appended to.
type ChainContext struct {
	ChainID string `json:"chain_id"`
	Length  int    `json:"length"`
}

// Input is what a rule evaluates.
type Input struct {
	Event *model.Event
	Chain ChainContext
}

// Rule is a single compliance predicate. Evaluate returns nil when the event
// passes, a *Violation when it fails, and any other error when the rule
// itself could not be evaluated.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, in Input) error
}

// Validator holds an ordered rule set. Rules are added at configuration
// time; the set is read-only while the ledger serves appends.
type Validator struct {
	rules []Rule
}

// NewValidator returns a Validator loaded with rules in the given order.
func NewValidator(rules ...Rule) *Validator {
	return &Validator{rules: rules}
}

// AddRule appends r to the evaluation order.
func (v *Validator) AddRule(r Rule) {
	v.rules = append(v.rules, r)
}

// Rules returns the names of the configured rules in evaluation order.
func (v *Validator) Rules() []string {
	names := make([]string, len(v.rules))
	for i, r := range v.rules {
		names[i] = r.Name()
	}
	return names
}

// Validate runs every rule until one fails. A *Violation is returned as is;
// evaluation failures are wrapped with the rule name.
func (v *Validator) Validate(ctx context.Context, ev *model.Event, cc ChainContext) error {
	if ev == nil {
		return &Violation{Rule: "schema", Reason: "event is required"}
	}
	in := Input{Event: ev, Chain: cc}
	for _, r := range v.rules {
		err := r.Evaluate(ctx, in)
		if err == nil {
			continue
		}
		var violation *Violation
		if errors.As(err, &violation) {
			return violation
		}
		return fmt.Errorf("evaluate rule %s: %w", r.Name(), err)
	}
	return nil
}
