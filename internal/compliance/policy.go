package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/gitdigital/ledgercore/internal/chain"
	"github.com/open-policy-agent/opa/rego"
)

// DefaultPolicyQuery is the Rego query a policy module must define: a set of
// denial messages.
const DefaultPolicyQuery = "data.ledger.compliance.deny"

// PolicyRule evaluates a Rego module against each event. The module is
// given {"event": ..., "chain": ...} as input and rejects the event when
// the deny set is non-empty. The first message in sorted order is reported.
type PolicyRule struct {
	name  string
	query rego.PreparedEvalQuery
}

// NewPolicyRule compiles module and prepares DefaultPolicyQuery.
func NewPolicyRule(ctx context.Context, name, module string) (*PolicyRule, error) {
	prepared, err := rego.New(
		rego.Query(DefaultPolicyQuery),
		rego.Module(name+".rego", module),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy %s: %w", name, err)
	}
	return &PolicyRule{name: name, query: prepared}, nil
}

// LoadPolicyRule reads a Rego module from path.
func LoadPolicyRule(ctx context.Context, name, path string) (*PolicyRule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewPolicyRule(ctx, name, string(src))
}

// Name implements Rule.
func (p *PolicyRule) Name() string { return p.name }

// Evaluate implements Rule.
func (p *PolicyRule) Evaluate(ctx context.Context, in Input) error {
	input, err := policyInput(in)
	if err != nil {
		return &Violation{Rule: p.name, Reason: err.Error()}
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// An undefined deny set means nothing was denied.
		return nil
	}

	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return errors.New("policy deny must be a set of strings")
	}
	var reasons []string
	for _, r := range raw {
		if s, ok := r.(string); ok {
			reasons = append(reasons, s)
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	sort.Strings(reasons)
	return &Violation{Rule: p.name, Reason: reasons[0]}
}

// policyInput converts the event into plain JSON values for the evaluator.
func policyInput(in Input) (map[string]any, error) {
	doc := map[string]any{"event": in.Event, "chain": in.Chain}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal policy input: %w", err)
	}
	v, err := chain.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("policy input: %w", err)
	}
	out, _ := v.(map[string]any)
	return out, nil
}
