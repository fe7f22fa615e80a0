package sqlite

import (
	"context"
	"fmt"

	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/storage"
)

// Each claim mutation is a single statement. There is no read-then-write
// window: duplicates resolve through ON CONFLICT and the exclusive policy's
// holder check is part of the INSERT itself.
const (
	insertClaimShared = `INSERT INTO claims (item_id, member_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (item_id, member_id) DO NOTHING`

	insertClaimExclusive = `INSERT INTO claims (item_id, member_id, created_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM claims WHERE item_id = ? AND member_id <> ?)
		ON CONFLICT (item_id, member_id) DO NOTHING`
)

// Claim inserts the (item, member) pair.
func (s *SQLiteStore) Claim(ctx context.Context, itemID, memberID string) (storage.ClaimResult, error) {
	if itemID == "" || memberID == "" {
		return storage.ClaimResult{}, fmt.Errorf("%w: item id and member id are required", storage.ErrInvalid)
	}

	query, args := insertClaimShared, []any{itemID, memberID, s.timestamp()}
	if s.policy == storage.PolicyExclusive {
		query = insertClaimExclusive
		args = append(args, itemID, memberID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.ClaimResult{}, fmt.Errorf("item %s or member %s: %w", itemID, memberID, storage.ErrNotFound)
		}
		return storage.ClaimResult{}, fmt.Errorf("failed to insert claim: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("failed to check inserted rows: %w", err)
	}

	if n > 0 {
		s.publish(ctx, feed.Inserted(feed.TableClaims, feed.Row{ItemID: itemID, MemberID: memberID}))
		return storage.ClaimResult{Created: true}, nil
	}

	if s.policy != storage.PolicyExclusive {
		return storage.ClaimResult{}, nil
	}

	// Nothing inserted under the exclusive policy: either this member already
	// holds the item, or someone else does. The insert already decided; this
	// read only tells the two apart.
	var held bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM claims WHERE item_id = ? AND member_id = ?)",
		itemID, memberID,
	).Scan(&held)
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("failed to check existing claim: %w", err)
	}
	if !held {
		return storage.ClaimResult{}, fmt.Errorf("item %s is claimed by another member: %w", itemID, storage.ErrConflict)
	}
	return storage.ClaimResult{}, nil
}

// Unclaim deletes the (item, member) pair if present.
func (s *SQLiteStore) Unclaim(ctx context.Context, itemID, memberID string) (bool, error) {
	if itemID == "" || memberID == "" {
		return false, fmt.Errorf("%w: item id and member id are required", storage.ErrInvalid)
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM claims WHERE item_id = ? AND member_id = ?",
		itemID, memberID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete claim: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check deleted rows: %w", err)
	}

	if n > 0 {
		s.publish(ctx, feed.Deleted(feed.TableClaims, feed.Row{ItemID: itemID, MemberID: memberID}))
	}
	return n > 0, nil
}
