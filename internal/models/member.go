package models

// Member is a device participating in a session.
type Member struct {
	// ID is the unique identifier for the member (UUID format).
	ID string `json:"id"`

	// SessionID is the session this member joined.
	SessionID string `json:"sessionId"`

	// Fingerprint is the opaque device identifier supplied by the auth layer.
	// A returning device is recognized by it. It never leaves the server.
	Fingerprint string `json:"-"`

	// IsYou is set in responses on the calling device's own member.
	IsYou bool `json:"isYou"`

	DisplayName string `json:"displayName"`

	// AvatarSeed drives client-side avatar generation.
	AvatarSeed string `json:"avatarSeed"`

	// IsCreator is true for exactly one member per session.
	IsCreator bool `json:"isCreator"`

	IsPaid bool `json:"isPaid"`
}

// Claim records that a member shares the cost of an item.
// The pair is the identity; re-claiming is idempotent.
type Claim struct {
	ItemID   string `json:"itemId"`
	MemberID string `json:"memberId"`
}
