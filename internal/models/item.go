package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item represents a single line item on a session's bill.
// Its cost is split evenly across however many members claim it.
type Item struct {
	// ID is the unique identifier for the item (UUID format).
	ID string `json:"id"`

	// SessionID is the session this item belongs to.
	SessionID string `json:"sessionId"`

	// Name is the description printed on the receipt (e.g., "Pizza").
	Name string `json:"name"`

	// Price is the unit price.
	Price decimal.Decimal `json:"price"`

	// Quantity may be fractional (e.g., 0.5 kg) but never negative.
	Quantity decimal.Decimal `json:"quantity"`

	// IsShared marks items the creator expects several members to claim.
	// It is a hint for clients; claiming rules do not depend on it.
	IsShared bool `json:"isShared"`

	CreatedAt time.Time `json:"createdAt"`
}

// Total returns price × quantity.
func (i Item) Total() decimal.Decimal {
	return i.Price.Mul(i.Quantity)
}
