package models

// ClaimView is a claim as shown on an item, carrying the claimant's display fields.
type ClaimView struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	AvatarSeed  string `json:"avatarSeed"`
}

// SnapshotItem is an item together with its current claimants.
type SnapshotItem struct {
	Item
	Claims []ClaimView `json:"claims"`
}

// ClaimedBy reports whether memberID currently claims the item.
func (i *SnapshotItem) ClaimedBy(memberID string) bool {
	for _, c := range i.Claims {
		if c.MemberID == memberID {
			return true
		}
	}
	return false
}

// SessionSnapshot is the full authoritative state of one session.
type SessionSnapshot struct {
	Session Session        `json:"session"`
	Items   []SnapshotItem `json:"items"`
	Members []Member       `json:"members"`
}

// Clone returns a deep copy safe to mutate.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	if s == nil {
		return nil
	}
	out := &SessionSnapshot{
		Session: s.Session,
		Items:   make([]SnapshotItem, len(s.Items)),
		Members: append([]Member(nil), s.Members...),
	}
	for i, item := range s.Items {
		out.Items[i] = SnapshotItem{
			Item:   item.Item,
			Claims: append([]ClaimView(nil), item.Claims...),
		}
	}
	return out
}

// Item returns the item with the given id, or nil.
func (s *SessionSnapshot) Item(itemID string) *SnapshotItem {
	for i := range s.Items {
		if s.Items[i].ID == itemID {
			return &s.Items[i]
		}
	}
	return nil
}

// Member returns the member with the given id, or nil.
func (s *SessionSnapshot) Member(memberID string) *Member {
	for i := range s.Members {
		if s.Members[i].ID == memberID {
			return &s.Members[i]
		}
	}
	return nil
}

// HasItem reports whether the snapshot contains the item.
func (s *SessionSnapshot) HasItem(itemID string) bool {
	return s.Item(itemID) != nil
}

// AddClaim records memberID as a claimant of itemID.
// It returns false if the item is unknown or the claim already exists.
func (s *SessionSnapshot) AddClaim(itemID, memberID string) bool {
	item := s.Item(itemID)
	if item == nil || item.ClaimedBy(memberID) {
		return false
	}
	view := ClaimView{MemberID: memberID}
	if m := s.Member(memberID); m != nil {
		view.DisplayName = m.DisplayName
		view.AvatarSeed = m.AvatarSeed
	}
	item.Claims = append(item.Claims, view)
	return true
}

// RemoveClaim drops memberID from itemID's claimants.
// It returns false if there was nothing to remove.
func (s *SessionSnapshot) RemoveClaim(itemID, memberID string) bool {
	item := s.Item(itemID)
	if item == nil {
		return false
	}
	for i, c := range item.Claims {
		if c.MemberID == memberID {
			item.Claims = append(item.Claims[:i], item.Claims[i+1:]...)
			return true
		}
	}
	return false
}
