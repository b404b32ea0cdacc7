package rules

import "sync"

// BuiltinRuleSetName names the rule set compiled into the binary.
const BuiltinRuleSetName = "builtin"

const builtinRules = `
name: builtin
version: "1"
rules:
  - id: BUILTIN-001
    name: hardcoded-aws-access-key
    description: AWS access key ID committed to source
    severity: critical
    pattern: 'AKIA[0-9A-Z]{16}'
    tags: [secrets]
  - id: BUILTIN-002
    name: private-key-block
    description: PEM private key committed to source
    severity: critical
    pattern: '-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----'
    tags: [secrets]
  - id: BUILTIN-003
    name: github-token
    description: GitHub token committed to source
    severity: high
    pattern: 'gh[pousr]_[A-Za-z0-9]{36}'
    tags: [secrets]
  - id: BUILTIN-004
    name: js-eval
    description: Dynamic code execution with eval
    severity: high
    languages: [javascript, typescript]
    pattern: '\beval\s*\('
    tags: [injection]
  - id: BUILTIN-005
    name: python-shell-true
    description: subprocess call with shell=True
    severity: high
    languages: [python]
    pattern: 'subprocess\.\w+\(.*shell\s*=\s*True'
    tags: [injection]
  - id: BUILTIN-006
    name: sql-string-concat
    description: SQL statement built by string concatenation
    severity: medium
    languages: [go, java, python, javascript]
    pattern: '(?i)"\s*(select|insert|update|delete)\s[^"]*"\s*\+'
    tags: [injection, sql]
`

var (
	builtinOnce sync.Once
	builtinSet  *RuleSet
)

// Builtin returns the rule set compiled into the binary. It is always
// available and is served when nothing better can be loaded.
func Builtin() *RuleSet {
	builtinOnce.Do(func() {
		rs, err := ParseRuleSet(BuiltinRuleSetName, []byte(builtinRules))
		if err != nil {
			panic("builtin rule set is invalid: " + err.Error())
		}
		builtinSet = rs
	})
	return builtinSet
}
