package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the payment state of a session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaid   SessionStatus = "paid"
)

// ParseSessionStatus validates a wire or database status value.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case StatusActive, StatusPaid:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Session is one shared bill-splitting context.
type Session struct {
	// ID is the unique identifier for the session (UUID format).
	ID string `json:"id"`

	// OwnerFingerprint identifies the device that created the session.
	// It never leaves the server.
	OwnerFingerprint string `json:"-"`

	// IsOwner is set in responses when the calling device created the session.
	IsOwner bool `json:"isOwner"`

	// Title is optional; empty means untitled.
	Title string `json:"title,omitempty"`

	// Currency is a display label only. No conversion is ever applied.
	Currency string `json:"currency"`

	// Tax and Tip are bill-level amounts split proportionally to subtotals.
	Tax decimal.Decimal `json:"tax"`
	Tip decimal.Decimal `json:"tip"`

	// Status moves active -> paid in normal use. Reversal is not prevented.
	Status SessionStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionUpdate carries the mutable session fields. Nil fields are left unchanged.
type SessionUpdate struct {
	Tax    *decimal.Decimal
	Tip    *decimal.Decimal
	Status *SessionStatus
}

// Validate checks money fields are non-negative.
func (u SessionUpdate) Validate() error {
	if u.Tax != nil && u.Tax.IsNegative() {
		return fmt.Errorf("tax must not be negative")
	}
	if u.Tip != nil && u.Tip.IsNegative() {
		return fmt.Errorf("tip must not be negative")
	}
	return nil
}

// Empty reports whether the update changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Tax == nil && u.Tip == nil && u.Status == nil
}
