package compliance_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gitdigital/ledgercore/internal/compliance"
	"github.com/gitdigital/ledgercore/internal/model"
)

var ctx = context.Background()

func event(data string) *model.Event {
	return &model.Event{EntityID: "acct-1", EventType: "payment", Data: json.RawMessage(data)}
}

func mustAmountRule(t *testing.T) *compliance.AmountLimitRule {
	t.Helper()
	r, err := compliance.NewAmountLimitRule("1000000", "USD")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAmountLimit_boundary(t *testing.T) {
	v := compliance.NewValidator(mustAmountRule(t))
	cc := compliance.ChainContext{ChainID: "main"}

	if err := v.Validate(ctx, event(`{"amount":1000000,"currency":"USD"}`), cc); err != nil {
		t.Errorf("amount equal to ceiling should pass: %v", err)
	}
	err := v.Validate(ctx, event(`{"amount":1000001,"currency":"USD"}`), cc)
	var violation *compliance.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("one unit above ceiling should fail with *Violation, got %v", err)
	}
	if violation.Rule != "amount_limit" {
		t.Errorf("rule = %q, want amount_limit", violation.Rule)
	}
}

func TestAmountLimit_cases(t *testing.T) {
	r := mustAmountRule(t)
	if err := r.SetLimit("eur", "500.50"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		data string
		pass bool
	}{
		{"no amount", `{"memo":"hello"}`, true},
		{"no data", ``, true},
		{"string amount under", `{"amount":"999999.99","currency":"USD"}`, true},
		{"fractional over", `{"amount":1000000.01,"currency":"USD"}`, false},
		{"lowercase currency", `{"amount":2000000,"currency":"usd"}`, false},
		{"unconfigured currency", `{"amount":2000000,"currency":"JPY"}`, true},
		{"second ceiling equal", `{"amount":500.5,"currency":"EUR"}`, true},
		{"second ceiling over", `{"amount":500.51,"currency":"EUR"}`, false},
		{"non numeric amount", `{"amount":"lots","currency":"USD"}`, false},
		{"null amount", `{"amount":null,"currency":"USD"}`, true},
		{"duplicate amount key", `{"amount":5000000,"amount":1,"currency":"USD"}`, false},
		{"huge exponent", `{"amount":1e999999,"currency":"USD"}`, false},
		{"hex string amount", `{"amount":"0x1p99999999","currency":"USD"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Evaluate(ctx, compliance.Input{Event: event(tc.data)})
			if tc.pass && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
			if !tc.pass && err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestNewAmountLimitRule_invalidCeiling(t *testing.T) {
	if _, err := compliance.NewAmountLimitRule("a lot", "USD"); err == nil {
		t.Error("expected error for non-numeric ceiling")
	}
}

func TestSanctionedEntity(t *testing.T) {
	r := compliance.NewSanctionedEntityRule([]string{"CU", "IR", "KP", "SY"}, nil)

	cases := []struct {
		name string
		data string
		pass bool
	}{
		{"denied", `{"country_code":"KP"}`, false},
		{"case insensitive", `{"country_code":"ir"}`, false},
		{"allowed", `{"country_code":"US"}`, true},
		{"partial is not a match", `{"country_code":"CUB"}`, true},
		{"missing field", `{"amount":1}`, true},
		{"shadowed by duplicate key", `{"country_code":"KP","country_code":"US"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Evaluate(ctx, compliance.Input{Event: event(tc.data)})
			if tc.pass && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
			if !tc.pass && err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestSanctionedEntity_entityIDField(t *testing.T) {
	r := compliance.NewSanctionedEntityRule([]string{"acct-blocked"}, []string{"entity_id", "counterparty"})

	ev := event(`{}`)
	ev.EntityID = "ACCT-BLOCKED"
	if err := r.Evaluate(ctx, compliance.Input{Event: ev}); err == nil {
		t.Error("expected entity_id match to be rejected")
	}
	if err := r.Evaluate(ctx, compliance.Input{Event: event(`{"counterparty":"acct-blocked"}`)}); err == nil {
		t.Error("expected counterparty match to be rejected")
	}
}

type errRule struct{}

func (errRule) Name() string { return "broken" }
func (errRule) Evaluate(context.Context, compliance.Input) error {
	return errors.New("backend down")
}

type countingRule struct{ calls int }

func (c *countingRule) Name() string { return "counting" }
func (c *countingRule) Evaluate(context.Context, compliance.Input) error {
	c.calls++
	return nil
}

func TestValidate_shortCircuitsInOrder(t *testing.T) {
	after := &countingRule{}
	v := compliance.NewValidator(
		compliance.NewSanctionedEntityRule([]string{"KP"}, nil),
		mustAmountRule(t),
		after,
	)

	err := v.Validate(ctx, event(`{"country_code":"KP","amount":5000000,"currency":"USD"}`), compliance.ChainContext{})
	var violation *compliance.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Rule != "sanctioned_entity" {
		t.Errorf("first failing rule = %q, want sanctioned_entity", violation.Rule)
	}
	if after.calls != 0 {
		t.Errorf("rules after the failing rule ran %d times", after.calls)
	}

	if err := v.Validate(ctx, event(`{"country_code":"US"}`), compliance.ChainContext{}); err != nil {
		t.Fatal(err)
	}
	if after.calls != 1 {
		t.Errorf("counting rule calls = %d, want 1", after.calls)
	}
}

func TestValidate_systemErrorIsNotAViolation(t *testing.T) {
	v := compliance.NewValidator(errRule{})
	err := v.Validate(ctx, event(`{}`), compliance.ChainContext{})
	if err == nil {
		t.Fatal("expected error")
	}
	var violation *compliance.Violation
	if errors.As(err, &violation) {
		t.Error("rule failure must not be reported as a violation")
	}
}

func TestValidate_nilEvent(t *testing.T) {
	v := compliance.NewValidator()
	var violation *compliance.Violation
	if err := v.Validate(ctx, nil, compliance.ChainContext{}); !errors.As(err, &violation) {
		t.Errorf("nil event: expected violation, got %v", err)
	}
}

func TestValidator_rules(t *testing.T) {
	v := compliance.NewValidator(mustAmountRule(t))
	v.AddRule(compliance.NewSanctionedEntityRule(nil, nil))
	got := v.Rules()
	if len(got) != 2 || got[0] != "amount_limit" || got[1] != "sanctioned_entity" {
		t.Errorf("Rules() = %v", got)
	}
}

const testPolicy = `package ledger.compliance

import rego.v1

deny contains msg if {
	input.event.event_type == "withdrawal"
	input.chain.chain_id == "frozen"
	msg := "withdrawals are frozen on this chain"
}

deny contains msg if {
	not input.event.entity_id
	msg := "entity_id is required"
}
`

func TestPolicyRule(t *testing.T) {
	r, err := compliance.NewPolicyRule(ctx, "chain_policy", testPolicy)
	if err != nil {
		t.Fatal(err)
	}

	withdrawal := &model.Event{EntityID: "acct-1", EventType: "withdrawal", Data: json.RawMessage(`{}`)}

	err = r.Evaluate(ctx, compliance.Input{Event: withdrawal, Chain: compliance.ChainContext{ChainID: "frozen"}})
	var violation *compliance.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Rule != "chain_policy" || violation.Reason != "withdrawals are frozen on this chain" {
		t.Errorf("violation = %+v", violation)
	}

	if err := r.Evaluate(ctx, compliance.Input{Event: withdrawal, Chain: compliance.ChainContext{ChainID: "main"}}); err != nil {
		t.Errorf("withdrawal on open chain should pass: %v", err)
	}
}

func TestPolicyRule_duplicateKeys(t *testing.T) {
	r, err := compliance.NewPolicyRule(ctx, "chain_policy", testPolicy)
	if err != nil {
		t.Fatal(err)
	}
	err = r.Evaluate(ctx, compliance.Input{Event: event(`{"amount":1,"amount":2}`)})
	var violation *compliance.Violation
	if !errors.As(err, &violation) || violation.Rule != "chain_policy" {
		t.Errorf("expected chain_policy violation, got %v", err)
	}
}

func TestNewPolicyRule_invalidModule(t *testing.T) {
	if _, err := compliance.NewPolicyRule(ctx, "bad", "package ledger.compliance\n deny contains"); err == nil {
		t.Error("expected compile error")
	}
}
