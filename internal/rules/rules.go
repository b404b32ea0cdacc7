// Package rules loads analysis rule sets from a remote source and keeps
// serving them, possibly from cache or the builtin set, when the source
// is unavailable.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
)

// Rule severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var validSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

var ruleSetNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Rule is a single analysis rule.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Severity    string   `yaml:"severity" json:"severity"`
	Languages   []string `yaml:"languages" json:"languages,omitempty"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
}

// RuleSet is a named, versioned collection of rules.
type RuleSet struct {
	Name     string `yaml:"name" json:"name"`
	Version  string `yaml:"version" json:"version"`
	Rules    []Rule `yaml:"rules" json:"rules"`
	Checksum string `yaml:"-" json:"checksum"`
}

// Len returns the number of rules in the set
func (rs *RuleSet) Len() int {
	return len(rs.Rules)
}

// ValidateName rejects rule set names that could escape the rule directory.
func ValidateName(name string) error {
	if !ruleSetNamePattern.MatchString(name) {
		return errors.NewValidationError(fmt.Sprintf("invalid rule set name %q", name)).
			WithDetail("rule_set", name)
	}
	return nil
}

// ParseRuleSet decodes a YAML rule file. The set is named after name when
// the file does not say otherwise, and its checksum covers the raw bytes.
func ParseRuleSet(name string, data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("malformed rule set %s", name)).
			WithDetail("rule_set", name).
			WithCause(err)
	}

	if rs.Name == "" {
		rs.Name = name
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	rs.Checksum = hex.EncodeToString(sum[:])
	return &rs, nil
}

// Validate checks that every rule has an ID and a compilable pattern, that
// IDs are unique and severities are known. Missing severities default to
// medium and languages are lower-cased.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Rules))

	for i := range rs.Rules {
		rule := &rs.Rules[i]

		if rule.ID == "" {
			return rs.invalid(fmt.Sprintf("rule %d has no id", i))
		}
		if seen[rule.ID] {
			return rs.invalid(fmt.Sprintf("duplicate rule id %s", rule.ID))
		}
		seen[rule.ID] = true

		if rule.Pattern == "" {
			return rs.invalid(fmt.Sprintf("rule %s has no pattern", rule.ID))
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return rs.invalid(fmt.Sprintf("rule %s has an invalid pattern: %v", rule.ID, err))
		}

		if rule.Severity == "" {
			rule.Severity = SeverityMedium
		}
		rule.Severity = strings.ToLower(rule.Severity)
		if !validSeverities[rule.Severity] {
			return rs.invalid(fmt.Sprintf("rule %s has unknown severity %s", rule.ID, rule.Severity))
		}

		for j, language := range rule.Languages {
			rule.Languages[j] = strings.ToLower(language)
		}
	}

	return nil
}

func (rs *RuleSet) invalid(message string) error {
	return errors.NewValidationError(fmt.Sprintf("rule set %s: %s", rs.Name, message)).
		WithDetail("rule_set", rs.Name)
}
