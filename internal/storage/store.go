// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebo-ai/billsplit/internal/models"
)

var (
	// ErrNotFound is returned for unknown sessions, items or members.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the exclusive claim policy rejects a claim
	// because another member already holds the item.
	ErrConflict = errors.New("conflict")

	// ErrInvalid is returned for values the store refuses to persist.
	ErrInvalid = errors.New("invalid")
)

// ClaimPolicy decides how many members may claim the same item.
type ClaimPolicy string

const (
	// PolicyShared lets any number of members claim an item; its cost is split evenly.
	PolicyShared ClaimPolicy = "shared"

	// PolicyExclusive allows one claimant per item. A second member is rejected
	// with ErrConflict; the holder re-claiming is still idempotent.
	PolicyExclusive ClaimPolicy = "exclusive"
)

// ParseClaimPolicy validates a configured policy name.
func ParseClaimPolicy(s string) (ClaimPolicy, error) {
	switch ClaimPolicy(s) {
	case PolicyShared, PolicyExclusive:
		return ClaimPolicy(s), nil
	}
	return "", fmt.Errorf("unknown claim policy %q", s)
}

// ClaimResult reports whether a claim call inserted a new row.
type ClaimResult struct {
	// Created is false when the pair already existed.
	Created bool
}

// NewSession is the input for creating a session with its creator and items.
type NewSession struct {
	Session models.Session
	Creator models.Member
	Items   []models.Item
}

// Store defines the interface for session storage operations.
// This abstraction allows swapping storage backends without changing the
// service layer. Every committed mutation is published to the store's change sink.
type Store interface {
	// CreateSession persists a session, its creator member and initial items
	// in one transaction. IDs and timestamps are populated by the store.
	CreateSession(ctx context.Context, in *NewSession) (*models.SessionSnapshot, error)

	// GetSession retrieves the full snapshot of a session.
	// Returns ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)

	// UpdateSession applies tax, tip and status changes.
	UpdateSession(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error)

	// JoinSession adds a member to a session. A device that already joined
	// (same fingerprint) gets its existing member back with joined=false.
	JoinSession(ctx context.Context, member *models.Member) (joined bool, err error)

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, itemID string) (*models.Item, error)

	// GetMember retrieves a member by ID.
	GetMember(ctx context.Context, memberID string) (*models.Member, error)

	// Claim records that a member shares an item. It is idempotent: claiming
	// an existing pair succeeds with Created=false and no side effect.
	// The caller must ensure item and member belong to the same session.
	Claim(ctx context.Context, itemID, memberID string) (ClaimResult, error)

	// Unclaim removes the pair if present. Absence is not an error.
	Unclaim(ctx context.Context, itemID, memberID string) (removed bool, err error)

	// Close releases any resources held by the store.
	Close() error
}
