package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"relayguard/internal/storage"
	"relayguard/internal/tier"
	"relayguard/internal/treasury"
)

// Status prints the treasury as seen on the ledger, the tier table and, when
// a database is configured, recent events and snapshots.
func (a *App) Status(ctx context.Context, opts StatusOptions, w io.Writer) error {
	table, err := a.TierTable()
	if err != nil {
		return err
	}

	client := a.newLedger()
	defer client.Close()

	tm := treasury.NewManager(a.treasuryOptions(nil), client, a.Logger)
	if err := tm.RefreshBalance(ctx); err != nil {
		fmt.Fprintf(w, "treasury: unavailable (%s)\n\n", sanitizeInline(err.Error()))
	} else {
		printTreasury(w, tm.Status(), tm.EstimateRemainingCapacity())
	}
	printTiers(w, table)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintln(w, "database not configured; no event history")
		return nil
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Events > 0 {
		events, err := store.ListRecentEvents(ctx, opts.Events)
		if err != nil {
			return err
		}
		printEvents(w, events)
	}
	if opts.Snapshots > 0 {
		snaps, err := store.ListRecentSnapshots(ctx, opts.Snapshots)
		if err != nil {
			return err
		}
		printSnapshots(w, snaps)
	}
	return nil
}

func printTreasury(w io.Writer, st treasury.Status, capacity treasury.Capacity) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Treasury\t%s\n", st.Address)
	fmt.Fprintf(writer, "Balance\t%s\n", formatDecimal(st.Balance, 6))
	fmt.Fprintf(writer, "Available\t%s\n", formatDecimal(st.Available, 6))
	fmt.Fprintf(writer, "Health\t%s\n", st.Health)
	fmt.Fprintf(writer, "Daily cap\t%s\n", formatDecimal(st.DailyCap, 6))
	fmt.Fprintf(writer, "Per-tx cap\t%s\n", formatDecimal(st.PerTxCap, 6))
	fmt.Fprintf(writer, "Capacity (tx)\t%d\n", capacity.Effective)
	writer.Flush()
	fmt.Fprintln(w)
}

func printTiers(w io.Writer, table *tier.Table) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Tier\tMin stake\tDaily\tMonthly\tPriority\tDiscount%")
	for _, info := range table.All() {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\n",
			info.Tier,
			info.MinStake.String(),
			formatLimit(info.Benefits.DailyLimit),
			formatLimit(info.Benefits.MonthlyLimit),
			info.Benefits.Priority,
			info.Benefits.FeeDiscountPct.String(),
		)
	}
	writer.Flush()
	fmt.Fprintln(w)
}

func printEvents(w io.Writer, events []storage.EventRecord) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events recorded")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tReason\tMessage\tFields")
	for _, e := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.UTC().Format(time.RFC3339),
			e.Kind,
			e.Reason,
			sanitizeInline(e.Message),
			formatFields(e.Fields),
		)
	}
	writer.Flush()
	fmt.Fprintln(w)
}

func printSnapshots(w io.Writer, snaps []storage.TreasurySnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no snapshots recorded")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBalance\tReserved\tAvailable\tDaily spend\tHealth\tTxs")
	for _, s := range snaps {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			s.TakenAt.UTC().Format(time.RFC3339),
			formatDecimal(s.Balance, 6),
			formatDecimal(s.Reserved, 6),
			formatDecimal(s.Available, 6),
			formatDecimal(s.DailySpend, 6),
			s.Health,
			s.TransactionCount,
		)
	}
	writer.Flush()
}

func formatLimit(n int) string {
	if n == tier.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sanitizeInline(fields[k]))
	}
	return strings.Join(parts, " ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
