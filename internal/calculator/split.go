package calculator

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kebo-ai/billsplit/internal/models"
)

// Allocation is the calculated share of one member.
type Allocation struct {
	MemberID string          `json:"memberId"`
	Subtotal decimal.Decimal `json:"subtotal"`
	TaxShare decimal.Decimal `json:"taxShare"`
	TipShare decimal.Decimal `json:"tipShare"`
	Total    decimal.Decimal `json:"total"`
}

// Item represents a single item on the bill
type Item struct {
	Name      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Claimants []string
}

func (i Item) total() *big.Rat {
	return new(big.Rat).Mul(i.Price.Rat(), i.Quantity.Rat())
}

// BillSubtotal sums price × quantity over all items, claimed or not.
func BillSubtotal(items []Item) decimal.Decimal {
	return roundMoney(billSubtotal(items))
}

func billSubtotal(items []Item) *big.Rat {
	sum := new(big.Rat)
	for _, item := range items {
		sum.Add(sum, item.total())
	}
	return sum
}

// itemShare is the exact amount credited to each claimant of an item.
// It returns nil for unclaimed items.
func itemShare(item Item) *big.Rat {
	if len(item.Claimants) == 0 {
		return nil
	}
	return new(big.Rat).Quo(item.total(), new(big.Rat).SetInt64(int64(len(item.Claimants))))
}

// Allocate computes how much each member owes including proportional tax and tip.
//
// Item costs are split evenly across their claimants; tax and tip follow each
// member's share of the bill subtotal:
//
//	total = subtotal + tax × (subtotal / billSubtotal) + tip × (subtotal / billSubtotal)
//
// Arithmetic is exact until the end, where each output field is rounded
// independently to cents, half-up. The rounded tax and tip shares may therefore
// differ from tax and tip by up to len(memberIDs) × 0.005.
//
// Claimants that are not in memberIDs keep their part of the item uncredited.
// Results are returned in memberIDs order.
func Allocate(memberIDs []string, items []Item, tax, tip decimal.Decimal) []Allocation {
	out := make([]Allocation, len(memberIDs))
	for i, id := range memberIDs {
		out[i] = Allocation{
			MemberID: id,
			Subtotal: decimal.Zero,
			TaxShare: decimal.Zero,
			TipShare: decimal.Zero,
			Total:    decimal.Zero,
		}
	}

	bill := billSubtotal(items)
	if bill.Sign() == 0 {
		return out
	}

	subtotals := make(map[string]*big.Rat, len(memberIDs))
	for _, id := range memberIDs {
		subtotals[id] = new(big.Rat)
	}
	for _, item := range items {
		share := itemShare(item)
		if share == nil {
			continue
		}
		for _, claimant := range item.Claimants {
			if sub, ok := subtotals[claimant]; ok {
				sub.Add(sub, share)
			}
		}
	}

	taxRat, tipRat := tax.Rat(), tip.Rat()
	for i, id := range memberIDs {
		sub := subtotals[id]
		proportion := new(big.Rat).Quo(sub, bill)
		taxShare := new(big.Rat).Mul(taxRat, proportion)
		tipShare := new(big.Rat).Mul(tipRat, proportion)
		total := new(big.Rat).Add(sub, taxShare)
		total.Add(total, tipShare)

		out[i].Subtotal = roundMoney(sub)
		out[i].TaxShare = roundMoney(taxShare)
		out[i].TipShare = roundMoney(tipShare)
		out[i].Total = roundMoney(total)
	}
	return out
}

// AllocateSnapshot runs Allocate over a session snapshot.
func AllocateSnapshot(s *models.SessionSnapshot) []Allocation {
	memberIDs := make([]string, len(s.Members))
	for i, m := range s.Members {
		memberIDs[i] = m.ID
	}
	items := make([]Item, len(s.Items))
	for i, it := range s.Items {
		claimants := make([]string, len(it.Claims))
		for j, c := range it.Claims {
			claimants[j] = c.MemberID
		}
		items[i] = Item{
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Claimants: claimants,
		}
	}
	return Allocate(memberIDs, items, s.Session.Tax, s.Session.Tip)
}

// roundMoney rounds to 2 decimal places, halves away from zero.
func roundMoney(r *big.Rat) decimal.Decimal {
	num := new(big.Int).Abs(r.Num())
	den := r.Denom()

	// floor((|num| × 200 + den) / (2 × den)) == round-half-up of |r| × 100
	scaled := new(big.Int).Mul(num, big.NewInt(200))
	scaled.Add(scaled, den)
	cents := scaled.Quo(scaled, new(big.Int).Mul(den, big.NewInt(2)))
	if r.Sign() < 0 {
		cents.Neg(cents)
	}
	return decimal.NewFromBigInt(cents, -2)
}
