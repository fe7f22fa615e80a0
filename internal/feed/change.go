// Package feed relays row-level change notifications for sessions, items,
// members and claims to subscribed clients.
//
// A Change only tells a client that something changed and it should re-read
// authoritative state. Delivery is at-least-once and unordered; payloads are
// never merged incrementally.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Table names the entity kind a change refers to.
type Table string

const (
	TableSessions Table = "sessions"
	TableItems    Table = "items"
	TableMembers  Table = "members"
	TableClaims   Table = "claims"
)

// Kind is the row operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Row carries the identifying keys of a changed row.
// Which fields are set depends on the table: claims have ItemID and MemberID
// but no ID or SessionID.
type Row struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ItemID    string `json:"itemId,omitempty"`
	MemberID  string `json:"memberId,omitempty"`
}

// Change is one row-level change notification.
// Inserts set After, deletes set Before, updates set both.
type Change struct {
	Table       Table     `json:"table"`
	Kind        Kind      `json:"kind"`
	Before      *Row      `json:"before,omitempty"`
	After       *Row      `json:"after,omitempty"`
	CommittedAt time.Time `json:"committedAt"`
}

// Inserted builds an insert change.
func Inserted(table Table, row Row) Change {
	return Change{Table: table, Kind: KindInsert, After: &row, CommittedAt: time.Now()}
}

// Updated builds an update change.
func Updated(table Table, before, after Row) Change {
	return Change{Table: table, Kind: KindUpdate, Before: &before, After: &after, CommittedAt: time.Now()}
}

// Deleted builds a delete change.
func Deleted(table Table, row Row) Change {
	return Change{Table: table, Kind: KindDelete, Before: &row, CommittedAt: time.Now()}
}

// Row returns the most recent image of the row: After if present, else Before.
func (c Change) Row() Row {
	if c.After != nil {
		return *c.After
	}
	if c.Before != nil {
		return *c.Before
	}
	return Row{}
}

// SessionID returns the session the change belongs to, or "" for claims.
func (c Change) SessionID() string {
	if c.Table == TableSessions {
		return c.Row().ID
	}
	return c.Row().SessionID
}

// Validate checks the variant is well-formed.
func (c Change) Validate() error {
	switch c.Table {
	case TableSessions, TableItems, TableMembers, TableClaims:
	default:
		return fmt.Errorf("unknown table %q", c.Table)
	}
	switch c.Kind {
	case KindInsert:
		if c.After == nil {
			return fmt.Errorf("insert on %s without row", c.Table)
		}
	case KindUpdate:
		if c.Before == nil || c.After == nil {
			return fmt.Errorf("update on %s without both row images", c.Table)
		}
	case KindDelete:
		if c.Before == nil {
			return fmt.Errorf("delete on %s without row", c.Table)
		}
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	return nil
}

// Sink receives committed changes. The store publishes to a Sink after every
// successful mutation.
type Sink interface {
	Publish(ctx context.Context, c Change) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c Change) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, c Change) error {
	return f(ctx, c)
}

// Fanout publishes to each sink in order. Every sink is tried; their errors
// are joined.
type Fanout []Sink

// Publish calls Publish on every sink.
func (f Fanout) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
