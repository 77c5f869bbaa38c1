package severity

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/asvo/qmsledger/internal/audit"
)

type compiledMatcher struct {
	actions []glob.Glob
}

// compileMatcher validates the rule and compiles its action patterns.
func compileMatcher(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("severity rule has no name")
	}
	if len(r.Match.Action) == 0 {
		return fmt.Errorf("rule %q: match.action is required", r.Name)
	}
	level, err := audit.ParseSeverity(r.Severity)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	cm := &compiledMatcher{}
	for _, p := range r.Match.Action {
		g, err := glob.Compile(strings.ToUpper(strings.TrimSpace(p)))
		if err != nil {
			return fmt.Errorf("rule %q: invalid action pattern %q: %w", r.Name, p, err)
		}
		cm.actions = append(cm.actions, g)
	}

	r.compiled = cm
	r.level = level
	return nil
}

// matches reports whether the action matches any of the rule's patterns.
// action must already be upper-cased.
func (r *Rule) matches(action string) bool {
	if r.compiled == nil {
		return false
	}
	for _, g := range r.compiled.actions {
		if g.Match(action) {
			return true
		}
	}
	return false
}
