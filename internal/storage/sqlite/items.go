package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/storage"
)

// GetItem retrieves an item by ID.
func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, name, price, quantity, is_shared, created_at
		 FROM items WHERE id = ?`,
		itemID,
	))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("item %s: %w", itemID, storage.ErrNotFound)
	}
	return item, err
}

func scanItem(row scanner) (*models.Item, error) {
	item := &models.Item{}
	var createdAt int64
	err := row.Scan(&item.ID, &item.SessionID, &item.Name, &item.Price, &item.Quantity, &item.IsShared, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	item.CreatedAt = fromMillis(createdAt)
	return item, nil
}
