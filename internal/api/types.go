// Package api defines the SessionService wire contract: request and response
// messages, the JSON codec, and Connect handler and client constructors.
package api

import (
	"github.com/shopspring/decimal"

	"github.com/kebo-ai/billsplit/internal/calculator"
	"github.com/kebo-ai/billsplit/internal/models"
)

// NewItem is an item supplied when creating a session.
type NewItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	IsShared bool            `json:"isShared,omitempty"`
}

// CreateSessionRequest opens a session owned by the calling device.
// The caller becomes the creator member.
type CreateSessionRequest struct {
	Title       string          `json:"title,omitempty"`
	Currency    string          `json:"currency"`
	Tax         decimal.Decimal `json:"tax"`
	Tip         decimal.Decimal `json:"tip"`
	DisplayName string          `json:"displayName"`
	AvatarSeed  string          `json:"avatarSeed,omitempty"`
	Items       []NewItem       `json:"items"`
}

type CreateSessionResponse struct {
	Snapshot *models.SessionSnapshot `json:"snapshot"`
	MemberID string                  `json:"memberId"`
}

// JoinSessionRequest adds the calling device to a session.
type JoinSessionRequest struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	AvatarSeed  string `json:"avatarSeed,omitempty"`
}

type JoinSessionResponse struct {
	Member models.Member `json:"member"`
	// Joined is false when the device was already a member.
	Joined bool `json:"joined"`
}

type GetSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// GetSessionResponse is the authoritative snapshot with its split.
type GetSessionResponse struct {
	Snapshot    *models.SessionSnapshot `json:"snapshot"`
	Allocations []calculator.Allocation `json:"allocations"`
	Summary     calculator.Summary      `json:"summary"`
}

// UpdateSessionRequest changes the fields that are set.
type UpdateSessionRequest struct {
	SessionID string                `json:"sessionId"`
	Tax       *decimal.Decimal      `json:"tax,omitempty"`
	Tip       *decimal.Decimal      `json:"tip,omitempty"`
	Status    *models.SessionStatus `json:"status,omitempty"`
}

type UpdateSessionResponse struct {
	Session models.Session `json:"session"`
}

type ClaimRequest struct {
	SessionID string `json:"sessionId"`
	ItemID    string `json:"itemId"`
	MemberID  string `json:"memberId"`
}

type ClaimResponse struct {
	// Created is false when the claim already existed.
	Created bool `json:"created"`
}

type UnclaimRequest struct {
	SessionID string `json:"sessionId"`
	ItemID    string `json:"itemId"`
	MemberID  string `json:"memberId"`
}

type UnclaimResponse struct {
	Removed bool `json:"removed"`
}

// SubscribeRequest opens the change feed for one session.
// The stream carries feed.Change messages.
type SubscribeRequest struct {
	SessionID string `json:"sessionId"`
}
