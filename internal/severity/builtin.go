package severity

// builtinRules returns the built-in classification rules. Every action not
// matched by any rule is recorded as INFO.
func builtinRules() []Rule {
	return []Rule{
		// --- Critical: records an inspector reviews first ---
		{
			Name:     "critical_document_control",
			Match:    RuleMatch{Action: stringOrList{"DOCUMENT_APPROVE", "DOCUMENT_MAKE_EFFECTIVE"}},
			Severity: "CRITICAL",
			Message:  "Controlled document released",
			Builtin:  true,
		},
		{
			Name:     "critical_nonconformity",
			Match:    RuleMatch{Action: stringOrList{"NC_CREATE", "NC_DISPOSITION", "CAPA_CLOSE"}},
			Severity: "CRITICAL",
			Message:  "Nonconformity or CAPA decision",
			Builtin:  true,
		},
		{
			Name:     "critical_product_release",
			Match:    RuleMatch{Action: stringOrList{"PRODUCT_QC_PASS", "PRODUCT_QC_FAIL"}},
			Severity: "CRITICAL",
			Message:  "Product quality control result",
			Builtin:  true,
		},
		{
			Name:     "critical_supplier",
			Match:    RuleMatch{Action: stringOrList{"SUPPLIER_APPROVE", "SUPPLIER_SUSPEND"}},
			Severity: "CRITICAL",
			Message:  "Approved supplier list changed",
			Builtin:  true,
		},
		{
			Name:     "critical_equipment",
			Match:    RuleMatch{Action: stringOrList{"EQUIPMENT_OVERDUE"}},
			Severity: "CRITICAL",
			Message:  "Equipment calibration or maintenance overdue",
			Builtin:  true,
		},
		{
			Name:     "critical_management_review",
			Match:    RuleMatch{Action: stringOrList{"MANAGEMENT_REVIEW_CLOSE"}},
			Severity: "CRITICAL",
			Message:  "Management review closed",
			Builtin:  true,
		},

		// --- Warning ---
		{
			Name:     "warning_rejections",
			Match:    RuleMatch{Action: stringOrList{"DOCUMENT_REJECT", "NC_REOPEN", "PRODUCTION_ENTRY_REJECT"}},
			Severity: "WARNING",
			Message:  "Record rejected or reopened",
			Builtin:  true,
		},
		{
			Name:     "warning_risk",
			Match:    RuleMatch{Action: stringOrList{"RISK_ASSESS"}},
			Severity: "WARNING",
			Message:  "Risk assessment recorded",
			Builtin:  true,
		},
		{
			Name:     "warning_any_reject",
			Match:    RuleMatch{Action: stringOrList{"*_REJECT"}},
			Severity: "WARNING",
			Message:  "Rejection in any module",
			Builtin:  true,
		},

		// --- Security: access control ---
		{
			Name:     "security_access_control",
			Match:    RuleMatch{Action: stringOrList{"USER_ROLE_CHANGE", "ROLE_ABILITY_GRANT", "ROLE_ABILITY_REVOKE", "ROLE_CREATE", "ROLE_DELETE"}},
			Severity: "SECURITY",
			Message:  "Role or permission changed",
			Builtin:  true,
		},
		{
			Name:     "security_sessions",
			Match:    RuleMatch{Action: stringOrList{"SESSION_FORCE_OFF"}},
			Severity: "SECURITY",
			Message:  "User session terminated by an administrator",
			Builtin:  true,
		},
		{
			Name:     "security_login_failures",
			Match:    RuleMatch{Action: stringOrList{"LOGIN_FAIL*", "*_LOGIN_FAILED"}},
			Severity: "SECURITY",
			Message:  "Failed sign-in",
			Builtin:  true,
		},
	}
}

// defaultBuiltinToggles returns the default enabled state of each built-in.
func defaultBuiltinToggles() map[string]bool {
	return map[string]bool{
		"critical_document_control":  true,
		"critical_nonconformity":     true,
		"critical_product_release":   true,
		"critical_supplier":          true,
		"critical_equipment":         true,
		"critical_management_review": true,

		"warning_rejections": true,
		"warning_risk":       true,
		// Off by default: modules outside document control and
		// production may reject records routinely.
		"warning_any_reject": false,

		"security_access_control": true,
		"security_sessions":       true,
		"security_login_failures": false,
	}
}
