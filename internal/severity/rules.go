// Package severity classifies audit actions into severity levels.
//
// Classification is rule based. Built-in rules cover the actions a QMS
// inspector treats as critical, warning or security relevant; operators add
// their own rules in severity.yaml or switch built-ins off. Rules are tried
// in order and the first match wins:
//
//   - custom rules, in file order
//   - enabled built-in rules
//
// Action patterns are glob patterns (gobwas/glob syntax) matched without
// regard to case, so "nc_*" and "NC_*" are the same rule.
package severity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/asvo/qmsledger/internal/audit"
)

// Rule assigns a severity to every action matching one of its patterns.
type Rule struct {
	Name     string    `yaml:"name"`
	Match    RuleMatch `yaml:"match"`
	Severity string    `yaml:"severity"`
	Message  string    `yaml:"message,omitempty"`
	Builtin  bool      `yaml:"-"`

	compiled *compiledMatcher
	level    audit.Severity
}

// RuleMatch lists the action patterns a rule fires on (OR logic).
type RuleMatch struct {
	Action stringOrList `yaml:"action"`
}

// stringOrList accepts either a single string or a list:
//
//	action: NC_CREATE
//	action: [NC_CREATE, NC_DISPOSITION]
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// Decision is the outcome of classifying one action.
type Decision struct {
	Severity audit.Severity
	Rule     string // empty when no rule matched
	Message  string
}

// RuleInfo summarizes a rule for `qmsledger rules list`.
type RuleInfo struct {
	Name     string
	Builtin  bool
	Severity audit.Severity
	Actions  []string
	Message  string
}

// rulesFile is the YAML envelope of severity.yaml.
type rulesFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// loadRulesFromFile reads custom rules and built-in toggles. A missing or
// empty file yields no custom rules and default toggles.
func loadRulesFromFile(path string) ([]Rule, map[string]bool, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading severity rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing severity rules %s: %w", path, err)
	}
	return file.Rules, file.Builtin, nil
}

func saveRulesToFile(path string, customRules []Rule, builtinToggles map[string]bool) error {
	file := rulesFile{
		Rules:   customRules,
		Builtin: builtinToggles,
	}
	if file.Rules == nil {
		file.Rules = []Rule{}
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling severity rules: %w", err)
	}

	header := "# qmsledger severity rules\n# Custom rules are tried before built-ins; the first match wins.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultRules writes a severity.yaml with no custom rules and the
// default built-in toggles.
func WriteDefaultRules(path string) error {
	return saveRulesToFile(path, nil, defaultBuiltinToggles())
}
