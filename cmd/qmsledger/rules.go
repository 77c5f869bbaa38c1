package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asvo/qmsledger/internal/severity"
)

// ============================================================================
// qmsledger rules — Manage severity rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage severity rules",
	Long: `View, add, remove and test the rules that classify an action code as
INFO, WARNING, CRITICAL or SECURITY. Rules match action codes with
case-insensitive globs. Custom rules are tried before built-ins; an action
no rule matches is INFO.

Rules live in severity.yaml in the config directory. A running
"qmsledger serve" reloads them when the file changes.`,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesTestCmd)
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules (builtin + custom)",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := severity.New(severityPath())
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		rules := engine.ListRules()
		if len(rules) == 0 {
			fmt.Println("No rules enabled. Every action is INFO.")
			return nil
		}

		fmt.Printf("%-30s %-8s %-9s %s\n", "NAME", "TYPE", "SEVERITY", "ACTIONS")
		fmt.Printf("%-30s %-8s %-9s %s\n", "----", "----", "--------", "-------")
		for _, r := range rules {
			ruleType := "custom"
			if r.Builtin {
				ruleType = "builtin"
			}
			fmt.Printf("%-30s %-8s %-9s %s\n", r.Name, ruleType, r.Severity, strings.Join(r.Actions, ", "))
		}
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <yaml>",
	Short: "Add a custom rule (YAML format)",
	Long: `Add a custom severity rule. Provide the rule as a YAML string.

Example:
  qmsledger rules add 'name: calibration-overdue
match:
  action: ["CALIBRATION_OVERDUE", "CALIBRATION_*_MISSED"]
severity: CRITICAL
message: "equipment out of calibration"'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := severity.New(severityPath())
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		if err := engine.AddRule(args[0]); err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}
		if err := engine.Save(severityPath()); err != nil {
			return fmt.Errorf("failed to save rules: %w", err)
		}
		fmt.Println("[qmsledger] Rule added successfully")
		return nil
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a custom rule by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := severity.New(severityPath())
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		if err := engine.RemoveRule(args[0]); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
		if err := engine.Save(severityPath()); err != nil {
			return fmt.Errorf("failed to save rules: %w", err)
		}
		fmt.Printf("[qmsledger] Rule %q removed\n", args[0])
		return nil
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <action>",
	Short: "Show how an action code would be classified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := severity.New(severityPath())
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		d := engine.Decide(args[0])
		if d.Rule == "" {
			fmt.Printf("[qmsledger] %s: INFO (no rule matched)\n", args[0])
			return nil
		}
		fmt.Printf("[qmsledger] %s: %s by rule %q", args[0], d.Severity, d.Rule)
		if d.Message != "" {
			fmt.Printf(": %s", d.Message)
		}
		fmt.Println()
		return nil
	},
}
