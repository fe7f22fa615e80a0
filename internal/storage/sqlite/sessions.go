package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/storage"
)

// CreateSession persists a new session with its creator and initial items.
func (s *SQLiteStore) CreateSession(ctx context.Context, in *storage.NewSession) (*models.SessionSnapshot, error) {
	if err := validateNewSession(in); err != nil {
		return nil, err
	}

	now := s.timestamp()
	session := in.Session
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.StatusActive
	}
	session.CreatedAt = fromMillis(now)
	session.UpdatedAt = session.CreatedAt

	creator := in.Creator
	if creator.ID == "" {
		creator.ID = uuid.New().String()
	}
	creator.SessionID = session.ID
	creator.IsCreator = true
	if creator.Fingerprint == "" {
		creator.Fingerprint = session.OwnerFingerprint
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_fingerprint, title, currency, tax, tip, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerFingerprint, session.Title, session.Currency,
		session.Tax.String(), session.Tip.String(), string(session.Status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO members (id, session_id, fingerprint, display_name, avatar_seed, is_creator, is_paid, joined_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		creator.ID, creator.SessionID, creator.Fingerprint, creator.DisplayName, creator.AvatarSeed,
		creator.IsPaid, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert creator: %w", err)
	}

	snapshot := &models.SessionSnapshot{
		Session: session,
		Members: []models.Member{creator},
		Items:   make([]models.SnapshotItem, 0, len(in.Items)),
	}
	changes := []feed.Change{
		feed.Inserted(feed.TableSessions, feed.Row{ID: session.ID}),
		feed.Inserted(feed.TableMembers, feed.Row{ID: creator.ID, SessionID: session.ID}),
	}

	for _, item := range in.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.SessionID = session.ID
		item.CreatedAt = session.CreatedAt

		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (id, session_id, name, price, quantity, is_shared, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.SessionID, item.Name, item.Price.String(), item.Quantity.String(), item.IsShared, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert item: %w", err)
		}

		snapshot.Items = append(snapshot.Items, models.SnapshotItem{Item: item, Claims: []models.ClaimView{}})
		changes = append(changes, feed.Inserted(feed.TableItems, feed.Row{ID: item.ID, SessionID: session.ID}))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publish(ctx, changes...)
	return snapshot, nil
}

func validateNewSession(in *storage.NewSession) error {
	if in.Session.OwnerFingerprint == "" {
		return fmt.Errorf("%w: owner fingerprint is required", storage.ErrInvalid)
	}
	if in.Session.Tax.IsNegative() || in.Session.Tip.IsNegative() {
		return fmt.Errorf("%w: tax and tip must not be negative", storage.ErrInvalid)
	}
	for _, item := range in.Items {
		if item.Price.IsNegative() || item.Quantity.IsNegative() {
			return fmt.Errorf("%w: item %q has negative price or quantity", storage.ErrInvalid, item.Name)
		}
	}
	return nil
}

// GetSession retrieves a session with all items, claims and members.
// Reads run in one transaction so the snapshot is consistent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := &models.SessionSnapshot{
		Session: *session,
		Items:   []models.SnapshotItem{},
		Members: []models.Member{},
	}

	memberRows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, fingerprint, display_name, avatar_seed, is_creator, is_paid
		 FROM members WHERE session_id = ? ORDER BY joined_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		m, err := scanMember(memberRows)
		if err != nil {
			return nil, err
		}
		snapshot.Members = append(snapshot.Members, *m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}

	itemRows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, name, price, quantity, is_shared, created_at
		 FROM items WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	defer itemRows.Close()

	index := make(map[string]int)
	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			return nil, err
		}
		index[item.ID] = len(snapshot.Items)
		snapshot.Items = append(snapshot.Items, models.SnapshotItem{Item: *item, Claims: []models.ClaimView{}})
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	claimRows, err := tx.QueryContext(ctx,
		`SELECT c.item_id, m.id, m.display_name, m.avatar_seed
		 FROM claims c
		 JOIN items i ON i.id = c.item_id
		 JOIN members m ON m.id = c.member_id
		 WHERE i.session_id = ?
		 ORDER BY c.created_at, m.id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get claims: %w", err)
	}
	defer claimRows.Close()

	for claimRows.Next() {
		var itemID string
		var view models.ClaimView
		if err := claimRows.Scan(&itemID, &view.MemberID, &view.DisplayName, &view.AvatarSeed); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		if i, ok := index[itemID]; ok {
			snapshot.Items[i].Claims = append(snapshot.Items[i].Claims, view)
		}
	}
	if err := claimRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}

	return snapshot, nil
}

// UpdateSession applies the non-nil fields of update.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error) {
	if err := update.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalid, err)
	}
	if update.Empty() {
		return getSession(ctx, s.db, sessionID)
	}

	var sets []string
	var args []any
	if update.Tax != nil {
		sets = append(sets, "tax = ?")
		args = append(args, update.Tax.String())
	}
	if update.Tip != nil {
		sets = append(sets, "tip = ?")
		args = append(args, update.Tip.String())
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.timestamp(), sessionID)

	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	s.publish(ctx, feed.Updated(feed.TableSessions, feed.Row{ID: sessionID}, feed.Row{ID: sessionID}))

	return getSession(ctx, s.db, sessionID)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q querier, sessionID string) (*models.Session, error) {
	session := &models.Session{}
	var status string
	var tax, tip decimal.Decimal
	var createdAt, updatedAt int64

	err := q.QueryRowContext(ctx,
		`SELECT id, owner_fingerprint, title, currency, tax, tip, status, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.OwnerFingerprint, &session.Title, &session.Currency,
		&tax, &tip, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.Tax, session.Tip = tax, tip
	session.Status = models.SessionStatus(status)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}
