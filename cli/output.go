package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/queue"
	"github.com/warp/fieldcash/syncer"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Emit writes data as indented JSON, or calls text in text mode.
func (f *OutputFormatter) Emit(data any, text func(io.Writer) error) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return text(f.Writer)
}

// =============================================================================
// QUEUE
// =============================================================================

const queueRowFormat = "%-12s %-9s %-10s %8s  %-20s %s\n"

// RenderQueue writes the pending-items view as a table. Times are shown
// in loc.
func RenderQueue(w io.Writer, items []queue.Item, loc *time.Location) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}

	if _, err := fmt.Fprintf(w, queueRowFormat, "ID", "KIND", "STATUS", "ATTEMPTS", "NEXT RETRY", "LAST ERROR"); err != nil {
		return err
	}

	frozen := 0
	for _, it := range items {
		status := string(it.Status)
		if it.Frozen() {
			status = "frozen"
			frozen++
		}
		next := "-"
		if it.NextRetryAt != nil {
			next = it.NextRetryAt.In(loc).Format("2006-01-02 15:04:05")
		}
		lastErr := it.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		if _, err := fmt.Fprintf(w, queueRowFormat, it.ID, it.Kind, status, fmt.Sprint(it.Attempts), next, lastErr); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "\n%d item(s), %d frozen\n", len(items), frozen)
	return err
}

// RenderBatch writes a flush summary.
func RenderBatch(w io.Writer, res syncer.BatchResult) error {
	_, err := fmt.Fprintf(w, "attempted %d, flushed %d, failed %d, frozen %d\n",
		res.Attempted, res.Flushed, res.Failed, res.Frozen)
	return err
}

// =============================================================================
// DAY REPORT
// =============================================================================

const reportLineFormat = "  %-20s %10s%s\n"

// RenderDayReport writes one owner-day of KPIs. opening describes where
// the opening amount came from when the day has no opening entry.
func RenderDayReport(w io.Writer, k cash.DayKPIs, opening cash.Opening) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Day report %s %s\n", k.OwnerID, k.Date)
	line := func(label string, amount decimal.Decimal, note string) {
		if note != "" {
			note = "  (" + note + ")"
		}
		fmt.Fprintf(&b, reportLineFormat, label, amount.StringFixed(2), note)
	}

	line("Opening", k.Opening, openingNote(k, opening))
	line("Collected", k.Collected, "")
	line("Inflows", k.Inflows, "")
	line("Outflows", k.Outflows, "")
	line("Disbursed", k.DisbursedPrincipal, "")
	line("Admin expenses", k.AdminExpenses, "")
	line("Collector expenses", k.CollectorExpenses, "not deducted")
	b.WriteString("  " + strings.Repeat("-", 31) + "\n")
	line("Closing", k.ClosingBalance(), "")

	fmt.Fprintf(&b, "  Entries: %d", k.ActivityCount)
	if k.Unrecognized > 0 {
		fmt.Fprintf(&b, " (%d unrecognized)", k.Unrecognized)
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func openingNote(k cash.DayKPIs, o cash.Opening) string {
	if k.HasOpening {
		return "opening entry"
	}
	switch o.Source {
	case cash.OpeningFromClose:
		return "close of " + string(o.AnchorDate)
	case cash.OpeningFromManualClose:
		return "manual close of " + string(o.AnchorDate)
	case cash.OpeningFromIdleDay:
		return "opening of " + string(o.AnchorDate)
	case cash.OpeningFromRunningCache:
		return "running balance"
	default:
		return "no anchor"
	}
}

// =============================================================================
// ROLLOVER
// =============================================================================

// RenderRollover writes what a rollover did.
func RenderRollover(w io.Writer, s cash.RolloverSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Rollover %s today %s\n", s.OwnerID, s.Today)
	if s.Anchor != "" {
		fmt.Fprintf(&b, "  anchor:  %s\n", s.Anchor)
	}
	if s.AnchorMissing {
		b.WriteString("  anchor:  missing within lookback\n")
	}
	fmt.Fprintf(&b, "  closed:  %s\n", joinDates(s.Closed))
	fmt.Fprintf(&b, "  skipped: %s\n", joinDates(s.Skipped))
	_, err := io.WriteString(w, b.String())
	return err
}

func joinDates(ds []cash.Date) string {
	if len(ds) == 0 {
		return "-"
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}
