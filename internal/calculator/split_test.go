package calculator

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kebo-ai/billsplit/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func byMember(allocs []Allocation) map[string]Allocation {
	out := make(map[string]Allocation, len(allocs))
	for _, a := range allocs {
		out[a.MemberID] = a
	}
	return out
}

func expectMoney(t *testing.T, field string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", field, got.StringFixed(2), want)
	}
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name         string
		members      []string
		items        []Item
		tax          string
		tip          string
		validateFunc func(t *testing.T, allocs map[string]Allocation)
	}{
		{
			name:    "shared and solo items with tax and tip",
			members: []string{"m1", "m2"},
			items: []Item{
				{Name: "Pizza", Price: dec("10.00"), Quantity: dec("1"), Claimants: []string{"m1", "m2"}},
				{Name: "Beer", Price: dec("5.00"), Quantity: dec("2"), Claimants: []string{"m1"}},
			},
			tax: "1.50",
			tip: "3.00",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				// m1: 5 shared + 10 solo = 15, tax 1.125 -> 1.13, tip 2.25, total 18.375 -> 18.38
				m1 := allocs["m1"]
				expectMoney(t, "m1 subtotal", m1.Subtotal, "15.00")
				expectMoney(t, "m1 tax", m1.TaxShare, "1.13")
				expectMoney(t, "m1 tip", m1.TipShare, "2.25")
				expectMoney(t, "m1 total", m1.Total, "18.38")

				// m2: 5 shared, tax 0.375 -> 0.38, tip 0.75, total 6.125 -> 6.13
				m2 := allocs["m2"]
				expectMoney(t, "m2 subtotal", m2.Subtotal, "5.00")
				expectMoney(t, "m2 tax", m2.TaxShare, "0.38")
				expectMoney(t, "m2 tip", m2.TipShare, "0.75")
				expectMoney(t, "m2 total", m2.Total, "6.13")

				expectMoney(t, "sum of tax shares", m1.TaxShare.Add(m2.TaxShare), "1.51")
			},
		},
		{
			name:    "zero bill subtotal gives all-zero allocations",
			members: []string{"m1", "m2"},
			items: []Item{
				{Name: "Water", Price: dec("0"), Quantity: dec("3"), Claimants: []string{"m1"}},
			},
			tax: "2.00",
			tip: "1.00",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				for _, id := range []string{"m1", "m2"} {
					a := allocs[id]
					for field, v := range map[string]decimal.Decimal{
						"subtotal": a.Subtotal, "tax": a.TaxShare, "tip": a.TipShare, "total": a.Total,
					} {
						if !v.IsZero() {
							t.Errorf("%s %s = %s, want 0", id, field, v)
						}
					}
				}
			},
		},
		{
			name:    "unclaimed item counts toward bill but is credited to nobody",
			members: []string{"m1"},
			items: []Item{
				{Name: "Steak", Price: dec("30.00"), Quantity: dec("1"), Claimants: []string{"m1"}},
				{Name: "Salad", Price: dec("10.00"), Quantity: dec("1")},
			},
			tax: "4.00",
			tip: "0",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				// proportion = 30/40, tax share = 3
				m1 := allocs["m1"]
				expectMoney(t, "m1 subtotal", m1.Subtotal, "30.00")
				expectMoney(t, "m1 tax", m1.TaxShare, "3.00")
				expectMoney(t, "m1 total", m1.Total, "33.00")
			},
		},
		{
			name:    "three-way split of an uneven amount",
			members: []string{"a", "b", "c"},
			items: []Item{
				{Name: "Platter", Price: dec("10.00"), Quantity: dec("1"), Claimants: []string{"a", "b", "c"}},
			},
			tax: "1.00",
			tip: "0",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				for _, id := range []string{"a", "b", "c"} {
					expectMoney(t, id+" subtotal", allocs[id].Subtotal, "3.33")
					expectMoney(t, id+" tax", allocs[id].TaxShare, "0.33")
					expectMoney(t, id+" total", allocs[id].Total, "3.67")
				}
			},
		},
		{
			name:    "fractional quantity",
			members: []string{"a"},
			items: []Item{
				{Name: "Cheese", Price: dec("12.50"), Quantity: dec("0.5"), Claimants: []string{"a"}},
			},
			tax: "0",
			tip: "0",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				expectMoney(t, "a subtotal", allocs["a"].Subtotal, "6.25")
			},
		},
		{
			name:    "claimant outside the member list is not credited",
			members: []string{"a"},
			items: []Item{
				{Name: "Fries", Price: dec("8.00"), Quantity: dec("1"), Claimants: []string{"a", "ghost"}},
			},
			tax: "0",
			tip: "0",
			validateFunc: func(t *testing.T, allocs map[string]Allocation) {
				expectMoney(t, "a subtotal", allocs["a"].Subtotal, "4.00")
				if _, ok := allocs["ghost"]; ok {
					t.Error("unexpected allocation for non-member")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocs := Allocate(tt.members, tt.items, dec(tt.tax), dec(tt.tip))
			if len(allocs) != len(tt.members) {
				t.Fatalf("got %d allocations, want %d", len(allocs), len(tt.members))
			}
			for i, id := range tt.members {
				if allocs[i].MemberID != id {
					t.Errorf("allocation %d is for %s, want %s", i, allocs[i].MemberID, id)
				}
			}
			tt.validateFunc(t, byMember(allocs))
		})
	}
}

func TestItemShareConservesItemTotal(t *testing.T) {
	items := []Item{
		{Price: dec("10.00"), Quantity: dec("1"), Claimants: []string{"a", "b", "c"}},
		{Price: dec("7.99"), Quantity: dec("3"), Claimants: []string{"a", "b", "c", "d", "e", "f", "g"}},
		{Price: dec("0.01"), Quantity: dec("1"), Claimants: []string{"a", "b"}},
		{Price: dec("3.333"), Quantity: dec("0.75"), Claimants: []string{"a"}},
	}

	for _, item := range items {
		share := itemShare(item)
		sum := new(big.Rat)
		for range item.Claimants {
			sum.Add(sum, share)
		}
		if sum.Cmp(item.total()) != 0 {
			t.Errorf("shares of %s x %s across %d claimants sum to %s, want %s",
				item.Price, item.Quantity, len(item.Claimants), sum.FloatString(20), item.total().FloatString(20))
		}
	}

	if itemShare(Item{Price: dec("5"), Quantity: dec("1")}) != nil {
		t.Error("unclaimed item should have no share")
	}
}

func TestAllocateSubtotalBound(t *testing.T) {
	members := []string{"a", "b", "c"}
	claimed := []Item{
		{Price: dec("12.00"), Quantity: dec("1"), Claimants: []string{"a"}},
		{Price: dec("9.00"), Quantity: dec("2"), Claimants: []string{"b", "c"}},
	}
	withUnclaimed := append(append([]Item(nil), claimed...),
		Item{Price: dec("4.00"), Quantity: dec("1")})

	sum := func(allocs []Allocation) decimal.Decimal {
		total := decimal.Zero
		for _, a := range allocs {
			total = total.Add(a.Subtotal)
		}
		return total
	}

	got := sum(Allocate(members, claimed, dec("0"), dec("0")))
	if !got.Equal(BillSubtotal(claimed)) {
		t.Errorf("fully claimed: sum of subtotals %s, want %s", got, BillSubtotal(claimed))
	}

	got = sum(Allocate(members, withUnclaimed, dec("0"), dec("0")))
	if !got.LessThan(BillSubtotal(withUnclaimed)) {
		t.Errorf("partially claimed: sum of subtotals %s should be below %s", got, BillSubtotal(withUnclaimed))
	}
}

func TestAllocateTaxTipTolerance(t *testing.T) {
	members := []string{"a", "b", "c", "d", "e", "f", "g"}
	items := []Item{
		{Price: dec("13.37"), Quantity: dec("1"), Claimants: []string{"a", "b", "c"}},
		{Price: dec("4.20"), Quantity: dec("3"), Claimants: []string{"d"}},
		{Price: dec("9.99"), Quantity: dec("1"), Claimants: []string{"e", "f", "g", "a"}},
		{Price: dec("2.05"), Quantity: dec("7"), Claimants: []string{"b", "g"}},
	}
	tax, tip := dec("4.87"), dec("7.13")

	allocs := Allocate(members, items, tax, tip)
	taxSum, tipSum := decimal.Zero, decimal.Zero
	for _, a := range allocs {
		taxSum = taxSum.Add(a.TaxShare)
		tipSum = tipSum.Add(a.TipShare)
	}

	tolerance := dec("0.005").Mul(decimal.NewFromInt(int64(len(members))))
	if taxSum.Sub(tax).Abs().GreaterThan(tolerance) {
		t.Errorf("tax shares sum to %s, nominal %s, tolerance %s", taxSum, tax, tolerance)
	}
	if tipSum.Sub(tip).Abs().GreaterThan(tolerance) {
		t.Errorf("tip shares sum to %s, nominal %s, tolerance %s", tipSum, tip, tolerance)
	}
}

func TestRoundMoney(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.125", "1.13"},
		{"0.375", "0.38"},
		{"0.374999", "0.37"},
		{"2.005", "2.01"},
		{"2.004", "2.00"},
		{"0", "0"},
		{"-1.125", "-1.13"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := roundMoney(dec(tt.in).Rat())
			if !got.Equal(dec(tt.want)) {
				t.Errorf("roundMoney(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestAllocateSnapshot(t *testing.T) {
	snap := &models.SessionSnapshot{
		Session: models.Session{Tax: dec("1.50"), Tip: dec("3.00")},
		Members: []models.Member{{ID: "m1"}, {ID: "m2"}},
		Items: []models.SnapshotItem{
			{
				Item:   models.Item{ID: "i1", Price: dec("10.00"), Quantity: dec("1")},
				Claims: []models.ClaimView{{MemberID: "m1"}, {MemberID: "m2"}},
			},
			{
				Item:   models.Item{ID: "i2", Price: dec("5.00"), Quantity: dec("2")},
				Claims: []models.ClaimView{{MemberID: "m1"}},
			},
		},
	}

	allocs := byMember(AllocateSnapshot(snap))
	expectMoney(t, "m1 total", allocs["m1"].Total, "18.38")
	expectMoney(t, "m2 total", allocs["m2"].Total, "6.13")
}
