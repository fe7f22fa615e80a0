package sessioncache

import (
	"context"

	"connectrpc.com/connect"

	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/models"
)

// Stream is the receiving end of a change subscription.
type Stream interface {
	Receive() bool
	Msg() *feed.Change
	Err() error
	Close() error
}

// Backend is the server API a Cache reads from and writes to.
type Backend interface {
	FetchSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)
	Claim(ctx context.Context, sessionID, itemID, memberID string) error
	Unclaim(ctx context.Context, sessionID, itemID, memberID string) error
	Subscribe(ctx context.Context, sessionID string) (Stream, error)
}

// ConnectBackend implements Backend with a SessionService client.
type ConnectBackend struct {
	client *api.SessionServiceClient
}

var _ Backend = (*ConnectBackend)(nil)

// NewConnectBackend wraps client.
func NewConnectBackend(client *api.SessionServiceClient) *ConnectBackend {
	return &ConnectBackend{client: client}
}

func (b *ConnectBackend) FetchSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	resp, err := b.client.GetSession(ctx, connect.NewRequest(&api.GetSessionRequest{SessionID: sessionID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Snapshot, nil
}

func (b *ConnectBackend) Claim(ctx context.Context, sessionID, itemID, memberID string) error {
	_, err := b.client.Claim(ctx, connect.NewRequest(&api.ClaimRequest{
		SessionID: sessionID,
		ItemID:    itemID,
		MemberID:  memberID,
	}))
	return err
}

func (b *ConnectBackend) Unclaim(ctx context.Context, sessionID, itemID, memberID string) error {
	_, err := b.client.Unclaim(ctx, connect.NewRequest(&api.UnclaimRequest{
		SessionID: sessionID,
		ItemID:    itemID,
		MemberID:  memberID,
	}))
	return err
}

func (b *ConnectBackend) Subscribe(ctx context.Context, sessionID string) (Stream, error) {
	stream, err := b.client.Subscribe(ctx, connect.NewRequest(&api.SubscribeRequest{SessionID: sessionID}))
	if err != nil {
		return nil, err
	}
	return stream, nil
}
