package multisig

import (
	"fmt"
	"sort"
)

// ThresholdRule maps a value band to the roles whose members must approve.
// A proposal whose value is at most ValueCeiling matches the rule.
type ThresholdRule struct {
	ValueCeiling  int64    `json:"valueCeiling" mapstructure:"value_ceiling"`
	RequiredRoles []string `json:"requiredRoles" mapstructure:"required_roles"`
}

// Policy is an ordered set of threshold rules plus the role membership they
// are resolved against. Rules are evaluated lowest ceiling first; the first
// rule whose ceiling covers the value wins. A value above every ceiling
// falls through to the last rule.
type Policy struct {
	rules   []ThresholdRule
	members map[string][]string // role -> signer ids
}

// NewPolicy validates and orders the rules. members maps each role name to
// the signer ids holding it.
func NewPolicy(rules []ThresholdRule, members map[string][]string) (*Policy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("policy needs at least one rule")
	}
	ordered := make([]ThresholdRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ValueCeiling < ordered[j].ValueCeiling
	})
	for i, r := range ordered {
		if len(r.RequiredRoles) == 0 {
			return nil, fmt.Errorf("rule %d has no required roles", i)
		}
		for _, role := range r.RequiredRoles {
			if len(members[role]) == 0 {
				return nil, fmt.Errorf("rule %d requires role %q with no members", i, role)
			}
		}
	}
	return &Policy{rules: ordered, members: members}, nil
}

// Resolve picks the rule covering value and derives the proposal parameters:
// the signer set is the union of the matched roles' members and the
// threshold is the number of distinct required roles, so every required role
// must contribute at least one approval when roles do not overlap.
func (p *Policy) Resolve(value int64) (signerSet []string, threshold int) {
	rule := p.rules[len(p.rules)-1]
	for _, r := range p.rules {
		if value <= r.ValueCeiling {
			rule = r
			break
		}
	}

	seen := make(map[string]bool)
	for _, role := range rule.RequiredRoles {
		for _, id := range p.members[role] {
			if !seen[id] {
				seen[id] = true
				signerSet = append(signerSet, id)
			}
		}
	}
	return signerSet, len(rule.RequiredRoles)
}
