package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/asvo/qmsledger/internal/audit"
)

// ============================================================================
// qmsledger append — Append one event
// ============================================================================

var (
	appendUser        string
	appendAction      string
	appendEntityType  string
	appendEntityID    string
	appendDescription string
	appendMetadata    string
	appendSeverity    string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to the ledger",
	Example: `  qmsledger append --action CAPA_CLOSE --user u-42 --entity-type capa --entity-id CAPA-7 \
    --description "closed after effectiveness check" --metadata '{"effective":true}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ev := audit.Event{
			UserID:      appendUser,
			Action:      appendAction,
			Entity:      audit.EntityRef{Type: appendEntityType, ID: appendEntityID},
			Description: appendDescription,
		}
		if appendMetadata != "" {
			md, err := audit.DecodeMetadata([]byte(appendMetadata))
			if err != nil {
				return fmt.Errorf("invalid --metadata: %w", err)
			}
			ev.Metadata = md
		}
		if appendSeverity != "" {
			sev, err := audit.ParseSeverity(appendSeverity)
			if err != nil {
				return err
			}
			ev.Severity = sev
		}

		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		e, err := audit.AppendWithRetry(ctx, l.writer, ev, 5)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		fmt.Printf("[qmsledger] Appended entry %d at chain index %d (%s)\n", e.ID, e.Index(), e.Severity)
		fmt.Printf("  hash: %s\n", e.CurrentHash)
		return nil
	},
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendAction, "action", "", "Action code, e.g. DOC_APPROVE (required)")
	f.StringVar(&appendUser, "user", "", "Acting user ID")
	f.StringVar(&appendEntityType, "entity-type", "", "Business entity type")
	f.StringVar(&appendEntityID, "entity-id", "", "Business entity ID")
	f.StringVar(&appendDescription, "description", "", "Human-readable description")
	f.StringVar(&appendMetadata, "metadata", "", "Metadata as a JSON object")
	f.StringVar(&appendSeverity, "severity", "", "Explicit severity (default: classified by rules)")
	appendCmd.MarkFlagRequired("action")
}

// ============================================================================
// qmsledger sign — Attest an electronic signature
// ============================================================================

var (
	signSigner string
	signAt     string
)

var signCmd = &cobra.Command{
	Use:   "sign <entry-id>",
	Short: "Attest an electronic signature on an entry",
	Long: `Record who signed an entry and when. An entry can be signed once; the
signature is sealed with its own hash and never changes the chain hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		at := time.Now()
		if signAt != "" {
			if at, err = time.Parse(time.RFC3339Nano, signAt); err != nil {
				return fmt.Errorf("invalid --at (use RFC 3339): %w", err)
			}
		}

		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		e, err := l.writer.AttestSignature(ctx, id, signSigner, at)
		if err != nil {
			return err
		}
		fmt.Printf("[qmsledger] Entry %d signed by %s at %s\n", e.ID, e.SignedBy, audit.FormatTime(*e.SignedAt))
		fmt.Printf("  signature hash: %s\n", e.SignatureHash)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signSigner, "signer", "", "Signer ID (required)")
	signCmd.Flags().StringVar(&signAt, "at", "", "Signature time in RFC 3339 (default: now)")
	signCmd.MarkFlagRequired("signer")
}

// ============================================================================
// qmsledger entry — Show one entry with its chain context
// ============================================================================

var entryCmd = &cobra.Command{
	Use:   "entry <entry-id>",
	Short: "Show an entry with its neighbours and link checks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		view, err := l.verifier.EntryView(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, view)
	},
}

// ============================================================================
// qmsledger query — Query entries
// ============================================================================

var (
	queryUser     string
	queryAction   string
	queryEntity   string
	queryEntityID string
	querySeverity string
	querySince    string
	queryUntil    string
	queryBefore   int64
	queryLimit    int
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries, newest first",
	Example: `  qmsledger query --entity capa --since 24h
  qmsledger query --severity CRITICAL --since 2026-01-01 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := audit.QueryParams{
			UserID:   queryUser,
			Action:   queryAction,
			Entity:   queryEntity,
			EntityID: queryEntityID,
			BeforeID: queryBefore,
			Limit:    queryLimit,
		}
		var err error
		if querySeverity != "" {
			if q.Severity, err = audit.ParseSeverity(querySeverity); err != nil {
				return err
			}
		}
		if q.Since, err = parseWhen(querySince); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		if q.Until, err = parseWhen(queryUntil); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}

		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.store.Query(ctx, q)
		if err != nil {
			return err
		}
		if queryJSON {
			return printJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			fmt.Println("No matching entries.")
			return nil
		}
		printEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryUser, "user", "", "Filter by user ID")
	f.StringVar(&queryAction, "action", "", "Filter by action code")
	f.StringVar(&queryEntity, "entity", "", "Filter by entity type")
	f.StringVar(&queryEntityID, "entity-id", "", "Filter by entity ID")
	f.StringVar(&querySeverity, "severity", "", "Filter by severity")
	f.StringVar(&querySince, "since", "", "Only entries at or after this time (duration like 24h, date, or RFC 3339)")
	f.StringVar(&queryUntil, "until", "", "Only entries before this time")
	f.Int64Var(&queryBefore, "before", 0, "Only entries with an ID below this one (paging)")
	f.IntVarP(&queryLimit, "limit", "n", 50, "Maximum entries to return")
	f.BoolVar(&queryJSON, "json", false, "Print JSON instead of a table")
}

func printEntries(w io.Writer, entries []*audit.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINDEX\tTIME\tSEVERITY\tACTION\tENTITY\tUSER\tSIGNED")
	for _, e := range entries {
		index := "-"
		if e.Chained() {
			index = strconv.FormatInt(e.Index(), 10)
		}
		entity := e.Entity.Type
		if e.Entity.ID != "" {
			entity += "/" + e.Entity.ID
		}
		signed := ""
		if e.Signed() {
			signed = e.SignedBy
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, index, e.CreatedAt.UTC().Format(time.RFC3339), e.Severity, e.Action, entity, e.UserID, signed)
	}
	tw.Flush()
}

// ============================================================================
// qmsledger verify — Chain verification
// ============================================================================

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Re-derive every hash from stored data. Exits non-zero when any entry was
altered, removed or inserted, or when the run could not complete.`,
}

var verifyCount int

var verifyQuickCmd = &cobra.Command{
	Use:   "quick",
	Short: "Verify the most recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		count := verifyCount
		if count <= 0 {
			count = l.cfg.Verification.QuickCount
		}
		rep, err := l.verifier.QuickVerify(ctx, count)
		return printVerification("quick", rep, err)
	},
}

var (
	verifyFrom int64
	verifyTo   int64
)

var verifyFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Verify the whole chain or an index range",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rng audit.Range
		if cmd.Flags().Changed("from") {
			rng.From = &verifyFrom
		}
		if cmd.Flags().Changed("to") {
			rng.To = &verifyTo
		}

		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		rep, err := l.verifier.FullVerify(ctx, rng)
		return printVerification("full", rep, err)
	},
}

func init() {
	verifyCmd.PersistentFlags().BoolVar(&verifyJSON, "json", false, "Print the report as JSON")
	verifyQuickCmd.Flags().IntVar(&verifyCount, "count", 0, "Number of recent entries (default from config)")
	verifyFullCmd.Flags().Int64Var(&verifyFrom, "from", 0, "First chain index (inclusive)")
	verifyFullCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last chain index (inclusive)")

	verifyCmd.AddCommand(verifyQuickCmd)
	verifyCmd.AddCommand(verifyFullCmd)
}

// printVerification prints rep (which may be partial) and turns an invalid
// chain into errChainBroken.
func printVerification(kind string, rep *audit.Report, runErr error) error {
	if rep == nil {
		return runErr
	}
	if verifyJSON {
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, kind, rep)
	}
	switch {
	case runErr != nil:
		return fmt.Errorf("verification incomplete: %w", runErr)
	case !rep.Valid:
		return errChainBroken
	}
	return nil
}

func printReport(w io.Writer, kind string, rep *audit.Report) {
	status := "VALID"
	switch {
	case !rep.Complete:
		status = "INCOMPLETE"
	case !rep.Valid:
		status = "BROKEN"
	}
	fmt.Fprintf(w, "[qmsledger] %s verification: %s\n", kind, status)
	fmt.Fprintf(w, "  records checked:   %d\n", rep.TotalRecords)
	fmt.Fprintf(w, "  invalid records:   %d\n", rep.InvalidRecords)
	fmt.Fprintf(w, "  unchained records: %d\n", rep.UnchainedRecords)
	if rep.FirstChainIndex != nil && rep.LastChainIndex != nil {
		fmt.Fprintf(w, "  index range:       %d..%d\n", *rep.FirstChainIndex, *rep.LastChainIndex)
	}
	fmt.Fprintf(w, "  duration:          %dms\n", rep.DurationMs)

	for _, b := range rep.Breaks {
		fmt.Fprintf(w, "  ✗ index %d (entry %d): %s\n", b.ChainIndex, b.EntryID, b.Reason)
		for _, f := range b.Findings {
			fmt.Fprintf(w, "      %s: %s\n", f.Reason, f.Detail)
		}
	}
	if rep.Truncated {
		fmt.Fprintf(w, "  ... %d more invalid records not listed\n", rep.InvalidRecords-int64(len(rep.Breaks)))
	}
}

// ============================================================================
// qmsledger report — Inspection report
// ============================================================================

var (
	reportFrom   string
	reportTo     string
	reportFormat string
	reportOutput string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate an inspection report",
	Long: `Run a full verification and summarise ledger activity for an inspector.
--from is inclusive and --to exclusive; both bound the activity figures,
the verification always covers the whole chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var period audit.Period
		var err error
		if period.From, err = parseWhen(reportFrom); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		if period.To, err = parseWhen(reportTo); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		rep, err := l.reporter.Generate(ctx, audit.ReportOptions{Period: period})
		if err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if reportOutput != "" {
			f, err := os.Create(reportOutput)
			if err != nil {
				return fmt.Errorf("creating %s: %w", reportOutput, err)
			}
			defer f.Close()
			out = f
		}
		if err := rep.Encode(out, reportFormat); err != nil {
			return err
		}
		if reportOutput != "" {
			fmt.Printf("[qmsledger] Report %s written to %s\n", rep.ID, reportOutput)
			fmt.Printf("  %s\n", rep.Conclusion)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Period start (date, RFC 3339, or duration ago)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Period end, exclusive")
	reportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json or yaml")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to file instead of stdout")
}

// ============================================================================
// qmsledger export — Export the chain
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all entries (jsonl, json, csv)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close()
		return audit.Export(ctx, l.store, os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// ============================================================================
// Helpers
// ============================================================================

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", s)
	}
	return id, nil
}

// parseWhen accepts "" (zero time), a duration meaning that long ago,
// a date or an RFC 3339 timestamp.
func parseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not a duration, date or RFC 3339 time", s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
