package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/kebo-ai/billsplit/internal/calculator"
	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/sessioncache"
)

// render prints the items with their claimants and each member's share.
func render(w io.Writer, snap *models.SessionSnapshot, state sessioncache.State, optimistic bool) error {
	title := snap.Session.Title
	if title == "" {
		title = "Untitled"
	}
	status := state.String()
	if optimistic {
		status += ", saving"
	}
	fmt.Fprintf(w, "%s (%s) [%s]\n\n", title, snap.Session.Currency, status)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tQTY\tPRICE\tCLAIMED BY")
	for _, item := range snap.Items {
		names := make([]string, 0, len(item.Claims))
		for _, c := range item.Claims {
			names = append(names, c.DisplayName)
		}
		claimed := strings.Join(names, ", ")
		if claimed == "" {
			claimed = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Name, item.Quantity, item.Price.StringFixed(2), claimed)
	}
	fmt.Fprintln(tw)

	allocations := calculator.AllocateSnapshot(snap)
	fmt.Fprintln(tw, "MEMBER\tSUBTOTAL\tTAX\tTIP\tTOTAL")
	for _, a := range allocations {
		name := a.MemberID
		if m := snap.Member(a.MemberID); m != nil {
			name = m.DisplayName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
			a.Subtotal.StringFixed(2), a.TaxShare.StringFixed(2),
			a.TipShare.StringFixed(2), a.Total.StringFixed(2))
	}

	summary := calculator.Summarize(snap, allocations)
	fmt.Fprintf(tw, "\nBill total %s, unclaimed %s\n",
		summary.BillTotal.StringFixed(2), summary.Unclaimed.StringFixed(2))
	return tw.Flush()
}
