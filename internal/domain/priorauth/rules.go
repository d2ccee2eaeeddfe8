package priorauth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ItemAdjudicator evaluates business rules. EvaluateItem returns approved,
// denied or pended; EvaluateBundle is used for claims without items and
// returns granted, pending or denied.
type ItemAdjudicator interface {
	EvaluateItem(ctx context.Context, sub *Submission, sequence int) (ItemOutcome, error)
	EvaluateBundle(ctx context.Context, sub *Submission) (Disposition, error)
}

// RuleSet is a table-driven ItemAdjudicator keyed by product or service code.
type RuleSet struct {
	DefaultItemOutcome ItemOutcome            `yaml:"default_item_outcome"`
	BundleDisposition  Disposition            `yaml:"bundle_disposition"`
	Codes              map[string]ItemOutcome `yaml:"codes"`
}

// DefaultRuleSet approves every item and leaves item-less claims pending.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		DefaultItemOutcome: ItemApproved,
		BundleDisposition:  DispositionPending,
		Codes:              map[string]ItemOutcome{},
	}
}

// ParseRuleSet decodes YAML rules. Unset fields keep their defaults.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	rs := DefaultRuleSet()
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	rs.DefaultItemOutcome = ItemOutcome(strings.ToLower(string(rs.DefaultItemOutcome)))
	if !ruleOutcome(rs.DefaultItemOutcome) {
		return nil, fmt.Errorf("default_item_outcome: unsupported outcome %q", rs.DefaultItemOutcome)
	}

	rs.BundleDisposition = Disposition(strings.ToLower(string(rs.BundleDisposition)))
	switch rs.BundleDisposition {
	case DispositionGranted, DispositionPending, DispositionDenied:
	default:
		return nil, fmt.Errorf("bundle_disposition: unsupported disposition %q", rs.BundleDisposition)
	}

	codes := make(map[string]ItemOutcome, len(rs.Codes))
	for code, outcome := range rs.Codes {
		outcome = ItemOutcome(strings.ToLower(string(outcome)))
		if !ruleOutcome(outcome) {
			return nil, fmt.Errorf("codes[%s]: unsupported outcome %q", code, outcome)
		}
		codes[code] = outcome
	}
	rs.Codes = codes
	return rs, nil
}

// LoadRuleSet reads rules from path, or returns the defaults when path is empty.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRuleSet(data)
}

func ruleOutcome(o ItemOutcome) bool {
	return o == ItemApproved || o == ItemDenied || o == ItemPended
}

func (rs *RuleSet) EvaluateItem(_ context.Context, sub *Submission, sequence int) (ItemOutcome, error) {
	item, ok := sub.Item(sequence)
	if !ok {
		return "", fmt.Errorf("no item with sequence %d", sequence)
	}
	if outcome, ok := rs.Codes[item.ProductCode]; ok {
		return outcome, nil
	}
	return rs.DefaultItemOutcome, nil
}

func (rs *RuleSet) EvaluateBundle(context.Context, *Submission) (Disposition, error) {
	return rs.BundleDisposition, nil
}
