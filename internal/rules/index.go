package rules

import (
	"fmt"
	"regexp"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
)

// anyLanguage keys rules that apply to every language.
const anyLanguage = "*"

// CompiledRule is a rule with its pattern compiled.
type CompiledRule struct {
	Rule
	Regexp *regexp.Regexp
}

// Index is the compiled, lookup-ready form of a rule set. Indexes are
// immutable and shared between callers.
type Index struct {
	RuleSet  string
	Version  string
	Checksum string

	byID       map[string]*CompiledRule
	byLanguage map[string][]*CompiledRule
	ordered    []*CompiledRule
}

// BuildIndex compiles every rule in rs.
func BuildIndex(rs *RuleSet) (*Index, error) {
	idx := &Index{
		RuleSet:    rs.Name,
		Version:    rs.Version,
		Checksum:   rs.Checksum,
		byID:       make(map[string]*CompiledRule, len(rs.Rules)),
		byLanguage: make(map[string][]*CompiledRule),
		ordered:    make([]*CompiledRule, 0, len(rs.Rules)),
	}

	for _, rule := range rs.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("rule %s has an invalid pattern", rule.ID)).
				WithDetail("rule_set", rs.Name).
				WithCause(err)
		}

		compiled := &CompiledRule{Rule: rule, Regexp: re}
		idx.byID[rule.ID] = compiled
		idx.ordered = append(idx.ordered, compiled)

		if len(rule.Languages) == 0 {
			idx.byLanguage[anyLanguage] = append(idx.byLanguage[anyLanguage], compiled)
			continue
		}
		for _, language := range rule.Languages {
			idx.byLanguage[language] = append(idx.byLanguage[language], compiled)
		}
	}

	return idx, nil
}

// Rule looks up a rule by ID
func (idx *Index) Rule(id string) (*CompiledRule, bool) {
	rule, ok := idx.byID[id]
	return rule, ok
}

// ForLanguage returns the rules for language followed by the rules that
// apply to every language.
func (idx *Index) ForLanguage(language string) []*CompiledRule {
	specific := idx.byLanguage[language]
	generic := idx.byLanguage[anyLanguage]

	rules := make([]*CompiledRule, 0, len(specific)+len(generic))
	rules = append(rules, specific...)
	return append(rules, generic...)
}

// Rules returns every rule in file order
func (idx *Index) Rules() []*CompiledRule {
	return idx.ordered
}

// Len returns the number of rules
func (idx *Index) Len() int {
	return len(idx.ordered)
}
