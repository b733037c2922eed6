package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/gitdigital/ledgercore/internal/chain"
	"github.com/gitdigital/ledgercore/internal/model"
)

// ── Amount limit ──────────────────────────────────────────────────────────────

// AmountLimitRule rejects events whose data.amount exceeds the ceiling
// configured for data.currency. Events without an amount, or in a currency
// with no ceiling, pass. An amount equal to the ceiling passes.
type AmountLimitRule struct {
	ceilings map[string]*big.Rat // upper-cased currency code → ceiling
}

// NewAmountLimitRule returns a rule with a single ceiling, e.g.
// NewAmountLimitRule("1000000", "USD").
func NewAmountLimitRule(ceiling, currency string) (*AmountLimitRule, error) {
	r := &AmountLimitRule{ceilings: make(map[string]*big.Rat)}
	if err := r.SetLimit(currency, ceiling); err != nil {
		return nil, err
	}
	return r, nil
}

// SetLimit configures the ceiling for currency.
func (r *AmountLimitRule) SetLimit(currency, ceiling string) error {
	limit, ok := new(big.Rat).SetString(strings.TrimSpace(ceiling))
	if !ok {
		return fmt.Errorf("invalid ceiling %q for %s", ceiling, currency)
	}
	r.ceilings[strings.ToUpper(currency)] = limit
	return nil
}

// Name implements Rule.
func (r *AmountLimitRule) Name() string { return "amount_limit" }

// Evaluate implements Rule.
func (r *AmountLimitRule) Evaluate(_ context.Context, in Input) error {
	fields, err := eventFields(in.Event)
	if err != nil {
		return &Violation{Rule: r.Name(), Reason: err.Error()}
	}
	raw, ok := fields["amount"]
	if !ok || raw == nil {
		return nil
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return &Violation{Rule: r.Name(), Reason: err.Error()}
	}

	currency, _ := fields["currency"].(string)
	ceiling, ok := r.ceilings[strings.ToUpper(currency)]
	if !ok {
		return nil
	}
	if amount.Cmp(ceiling) > 0 {
		return &Violation{
			Rule: r.Name(),
			Reason: fmt.Sprintf("amount %s %s exceeds limit %s",
				amount.RatString(), strings.ToUpper(currency), ceiling.RatString()),
		}
	}
	return nil
}

func parseAmount(v any) (*big.Rat, error) {
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = strings.TrimSpace(val)
	default:
		return nil, fmt.Errorf("amount must be a number, got %T", v)
	}
	amount, err := chain.ParseNumber(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q is not a number", s)
	}
	return amount, nil
}

// ── Sanctioned entities ───────────────────────────────────────────────────────

// DefaultSanctionFields are the event data fields checked when none are
// configured.
var DefaultSanctionFields = []string{"country_code"}

// SanctionedEntityRule rejects events whose configured fields match a
// denylist entry. Matching is exact and case-insensitive. The pseudo-field
// "entity_id" checks the event's entity identifier.
type SanctionedEntityRule struct {
	denied map[string]struct{}
	fields []string
}

// NewSanctionedEntityRule returns a rule denying the given codes in fields.
// A nil or empty fields slice uses DefaultSanctionFields.
func NewSanctionedEntityRule(denylist []string, fields []string) *SanctionedEntityRule {
	if len(fields) == 0 {
		fields = DefaultSanctionFields
	}
	denied := make(map[string]struct{}, len(denylist))
	for _, d := range denylist {
		denied[strings.ToUpper(d)] = struct{}{}
	}
	return &SanctionedEntityRule{denied: denied, fields: fields}
}

// Name implements Rule.
func (r *SanctionedEntityRule) Name() string { return "sanctioned_entity" }

// Evaluate implements Rule.
func (r *SanctionedEntityRule) Evaluate(_ context.Context, in Input) error {
	fields, err := eventFields(in.Event)
	if err != nil {
		return &Violation{Rule: r.Name(), Reason: err.Error()}
	}
	for _, f := range r.fields {
		var value string
		if f == "entity_id" {
			value = in.Event.EntityID
		} else {
			value, _ = fields[f].(string)
		}
		if value == "" {
			continue
		}
		if _, ok := r.denied[strings.ToUpper(value)]; ok {
			return &Violation{
				Rule:   r.Name(),
				Reason: fmt.Sprintf("%s %q is sanctioned", f, value),
			}
		}
	}
	return nil
}

// eventFields decodes the event's data object. Non-object data yields no
// fields.
func eventFields(ev *model.Event) (map[string]any, error) {
	if len(bytes.TrimSpace(ev.Data)) == 0 {
		return nil, nil
	}
	v, err := chain.Decode(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}
	fields, _ := v.(map[string]any)
	return fields, nil
}
