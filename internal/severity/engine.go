package severity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/asvo/qmsledger/internal/audit"
)

// Engine holds the combined rule set. Classify is called from every append
// while Reload swaps the rules when severity.yaml changes.
type Engine struct {
	mu             sync.RWMutex
	rules          []Rule // evaluation order
	customRules    []Rule
	builtinToggles map[string]bool
	builtinCount   int
	customCount    int
}

// New loads custom rules from rulesPath and merges them with the built-ins.
// A missing file is not an error.
func New(rulesPath string) (*Engine, error) {
	e := &Engine{}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadUnlocked(rulesPath); err != nil {
		return nil, err
	}
	return e, nil
}

// Decide returns the first rule matching action. With no match the
// decision's severity is empty and callers fall back to INFO.
func (e *Engine) Decide(action string) Decision {
	action = strings.ToUpper(strings.TrimSpace(action))

	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.rules {
		r := &e.rules[i]
		if r.matches(action) {
			return Decision{Severity: r.level, Rule: r.Name, Message: r.Message}
		}
	}
	return Decision{}
}

// Classify implements audit.Classifier.
func (e *Engine) Classify(action string) audit.Severity {
	return e.Decide(action).Severity
}

// TotalRules returns the number of active rules.
func (e *Engine) TotalRules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// BuiltinCount returns the number of enabled built-in rules.
func (e *Engine) BuiltinCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtinCount
}

// CustomCount returns the number of custom rules.
func (e *Engine) CustomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.customCount
}

// ListRules returns the active rules in evaluation order.
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleInfo{
			Name:     r.Name,
			Builtin:  r.Builtin,
			Severity: r.level,
			Actions:  append([]string(nil), r.Match.Action...),
			Message:  r.Message,
		})
	}
	return out
}

// AddRule parses a single rule from YAML and appends it to the custom rules.
func (e *Engine) AddRule(yamlStr string) error {
	var r Rule
	if err := yaml.Unmarshal([]byte(yamlStr), &r); err != nil {
		return fmt.Errorf("parsing rule: %w", err)
	}
	if err := compileMatcher(&r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.customRules {
		if existing.Name == r.Name {
			return fmt.Errorf("custom rule %q already exists", r.Name)
		}
	}
	e.customRules = append(e.customRules, r)
	e.rebuild()
	return nil
}

// RemoveRule removes a custom rule by name. Built-ins can only be toggled.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	filtered := make([]Rule, 0, len(e.customRules))
	found := false
	for _, r := range e.customRules {
		if r.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, r)
	}
	if !found {
		return fmt.Errorf("custom rule %q not found (built-in rules can only be toggled)", name)
	}

	e.customRules = filtered
	e.rebuild()
	return nil
}

// Save writes the custom rules and built-in toggles to path.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return saveRulesToFile(path, e.customRules, e.builtinToggles)
}

// Reload re-reads rules from path. On error the current rules stay active.
func (e *Engine) Reload(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadUnlocked(path); err != nil {
		return err
	}
	slog.Info("severity rules reloaded", "total", len(e.rules), "builtin", e.builtinCount, "custom", e.customCount)
	return nil
}

// loadUnlocked replaces the rule set only once every custom rule compiles.
// Caller must hold the mutex.
func (e *Engine) loadUnlocked(path string) error {
	customRules, toggles, err := loadRulesFromFile(path)
	if err != nil {
		return err
	}

	defaults := defaultBuiltinToggles()
	if toggles == nil {
		toggles = defaults
	} else {
		for name, on := range defaults {
			if _, ok := toggles[name]; !ok {
				toggles[name] = on
			}
		}
	}

	seen := make(map[string]bool, len(customRules))
	for i := range customRules {
		if err := compileMatcher(&customRules[i]); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if seen[customRules[i].Name] {
			return fmt.Errorf("%s: duplicate rule name %q", path, customRules[i].Name)
		}
		seen[customRules[i].Name] = true
	}

	e.customRules = customRules
	e.builtinToggles = toggles
	e.rebuild()
	return nil
}

// rebuild merges custom and enabled built-in rules. Custom rules come first
// so an operator can reclassify an action a built-in already covers.
// Caller must hold the mutex.
func (e *Engine) rebuild() {
	combined := append([]Rule(nil), e.customRules...)

	for _, r := range builtinRules() {
		enabled, ok := e.builtinToggles[r.Name]
		if !ok {
			enabled = true
		}
		if !enabled {
			continue
		}
		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in severity rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
	}

	e.rules = combined
	e.customCount = len(e.customRules)
	e.builtinCount = len(combined) - e.customCount
}
