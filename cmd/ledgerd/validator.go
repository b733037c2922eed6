package main

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/gitdigital/ledgercore/internal/compliance"
)

// complianceConfig is the compliance section of ledgerd.yaml.
type complianceConfig struct {
	AmountLimits        map[string]string // currency → ceiling
	SanctionedCountries []string
	SanctionFields      []string
	PolicyFile          string
}

// buildValidator assembles the rule set in a fixed order: amount limits,
// sanctions, then the optional Rego policy.
func buildValidator(ctx context.Context, cfg complianceConfig) (*compliance.Validator, error) {
	v := compliance.NewValidator()

	if len(cfg.AmountLimits) > 0 {
		var rule *compliance.AmountLimitRule
		for _, currency := range slices.Sorted(maps.Keys(cfg.AmountLimits)) {
			ceiling := cfg.AmountLimits[currency]
			if rule == nil {
				r, err := compliance.NewAmountLimitRule(ceiling, currency)
				if err != nil {
					return nil, fmt.Errorf("compliance.amount_limits: %w", err)
				}
				rule = r
				continue
			}
			if err := rule.SetLimit(currency, ceiling); err != nil {
				return nil, fmt.Errorf("compliance.amount_limits: %w", err)
			}
		}
		v.AddRule(rule)
	}

	if len(cfg.SanctionedCountries) > 0 {
		v.AddRule(compliance.NewSanctionedEntityRule(cfg.SanctionedCountries, cfg.SanctionFields))
	}

	if cfg.PolicyFile != "" {
		policy, err := compliance.LoadPolicyRule(ctx, "policy", cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		v.AddRule(policy)
	}
	return v, nil
}
