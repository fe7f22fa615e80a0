package calculator

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kebo-ai/billsplit/internal/models"
)

// Summary aggregates a session's allocations for the creator's overview.
type Summary struct {
	// BillTotal is the bill subtotal plus tax and tip.
	BillTotal decimal.Decimal `json:"billTotal"`

	// Unclaimed is the part of the bill subtotal no member has claimed yet.
	Unclaimed decimal.Decimal `json:"unclaimed"`

	// Collected sums the totals of members marked as paid.
	Collected decimal.Decimal `json:"collected"`

	// Outstanding sums the totals of members not yet marked as paid.
	Outstanding decimal.Decimal `json:"outstanding"`
}

// Summarize computes the session overview from a snapshot and its allocations.
//
// Collected and Outstanding are sums of already-rounded member totals, so
// together they may differ from BillTotal by the rounding drift of Allocate
// plus the unclaimed amount.
func Summarize(s *models.SessionSnapshot, allocations []Allocation) Summary {
	paid := make(map[string]bool, len(s.Members))
	for _, m := range s.Members {
		paid[m.ID] = m.IsPaid
	}

	// Only shares credited to members present in the snapshot count as
	// claimed, the same way Allocate credits them.
	items := make([]Item, len(s.Items))
	claimed := new(big.Rat)
	for i, it := range s.Items {
		items[i] = Item{Price: it.Price, Quantity: it.Quantity}
		for _, c := range it.Claims {
			items[i].Claimants = append(items[i].Claimants, c.MemberID)
		}
		share := itemShare(items[i])
		if share == nil {
			continue
		}
		for _, id := range items[i].Claimants {
			if _, ok := paid[id]; ok {
				claimed.Add(claimed, share)
			}
		}
	}
	bill := billSubtotal(items)
	unclaimed := new(big.Rat).Sub(bill, claimed)

	total := new(big.Rat).Add(bill, s.Session.Tax.Rat())
	total.Add(total, s.Session.Tip.Rat())

	collected, outstanding := decimal.Zero, decimal.Zero
	for _, a := range allocations {
		if paid[a.MemberID] {
			collected = collected.Add(a.Total)
		} else {
			outstanding = outstanding.Add(a.Total)
		}
	}

	return Summary{
		BillTotal:   roundMoney(total),
		Unclaimed:   roundMoney(unclaimed),
		Collected:   collected,
		Outstanding: outstanding,
	}
}
