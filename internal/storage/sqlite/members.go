package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/storage"
)

// JoinSession adds member to its session. A device that already joined
// gets its existing member copied into member and joined=false.
func (s *SQLiteStore) JoinSession(ctx context.Context, member *models.Member) (bool, error) {
	if member.SessionID == "" || member.Fingerprint == "" {
		return false, fmt.Errorf("%w: session id and fingerprint are required", storage.ErrInvalid)
	}
	if member.ID == "" {
		member.ID = uuid.New().String()
	}
	member.IsCreator = false

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getSession(ctx, tx, member.SessionID); err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO members (id, session_id, fingerprint, display_name, avatar_seed, is_creator, is_paid, joined_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (session_id, fingerprint) DO NOTHING`,
		member.ID, member.SessionID, member.Fingerprint, member.DisplayName, member.AvatarSeed,
		member.IsPaid, s.timestamp(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert member: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inserted rows: %w", err)
	}

	if n == 0 {
		existing, err := scanMember(tx.QueryRowContext(ctx,
			`SELECT id, session_id, fingerprint, display_name, avatar_seed, is_creator, is_paid
			 FROM members WHERE session_id = ? AND fingerprint = ?`,
			member.SessionID, member.Fingerprint,
		))
		if err != nil {
			return false, err
		}
		*member = *existing
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if n > 0 {
		s.publish(ctx, feed.Inserted(feed.TableMembers, feed.Row{ID: member.ID, SessionID: member.SessionID}))
	}
	return n > 0, nil
}

// GetMember retrieves a member by ID.
func (s *SQLiteStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, fingerprint, display_name, avatar_seed, is_creator, is_paid
		 FROM members WHERE id = ?`,
		memberID,
	))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("member %s: %w", memberID, storage.ErrNotFound)
	}
	return m, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (*models.Member, error) {
	m := &models.Member{}
	err := row.Scan(&m.ID, &m.SessionID, &m.Fingerprint, &m.DisplayName, &m.AvatarSeed, &m.IsCreator, &m.IsPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	return m, nil
}
