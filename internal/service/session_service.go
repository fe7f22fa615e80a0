package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"connectrpc.com/connect"

	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/calculator"
	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/metrics"
	"github.com/kebo-ai/billsplit/internal/middleware"
	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/storage"
)

var _ api.SessionServiceHandler = (*SessionService)(nil)

// SessionService implements the Connect SessionService.
type SessionService struct {
	store   storage.Store
	relay   *feed.Relay
	metrics *metrics.Metrics
}

// NewSessionService creates a SessionService over store. Subscribe streams
// changes from relay; m may be nil.
func NewSessionService(store storage.Store, relay *feed.Relay, m *metrics.Metrics) *SessionService {
	return &SessionService{store: store, relay: relay, metrics: m}
}

// toConnectError maps store errors onto the wire taxonomy.
func toConnectError(err error) *connect.Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return api.NewError(api.KindNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return api.NewError(api.KindConflict, err)
	case errors.Is(err, storage.ErrInvalid):
		return api.NewError(api.KindMalformed, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return api.NewError(api.KindInternal, err)
	}
}

func malformed(format string, args ...any) *connect.Error {
	return api.NewError(api.KindMalformed, fmt.Errorf(format, args...))
}

func requireFingerprint(ctx context.Context) (string, error) {
	fp := middleware.GetFingerprint(ctx)
	if fp == "" {
		return "", connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("device fingerprint required"))
	}
	return fp, nil
}

// markCaller sets the caller-relative flags on a snapshot about to be sent.
func markCaller(snapshot *models.SessionSnapshot, fp string) {
	snapshot.Session.IsOwner = fp != "" && snapshot.Session.OwnerFingerprint == fp
	for i := range snapshot.Members {
		m := &snapshot.Members[i]
		m.IsYou = fp != "" && m.Fingerprint == fp
	}
}

// CreateSession opens a session with the calling device as its creator.
func (s *SessionService) CreateSession(ctx context.Context, req *connect.Request[api.CreateSessionRequest]) (*connect.Response[api.CreateSessionResponse], error) {
	fp, err := requireFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	msg := req.Msg
	if strings.TrimSpace(msg.Currency) == "" {
		return nil, malformed("currency is required")
	}
	if strings.TrimSpace(msg.DisplayName) == "" {
		return nil, malformed("display_name is required")
	}

	items := make([]models.Item, len(msg.Items))
	for i, item := range msg.Items {
		if strings.TrimSpace(item.Name) == "" {
			return nil, malformed("item %d: name is required", i+1)
		}
		slog.Debug("Processing item",
			"index", i+1,
			"name", item.Name,
			"price", item.Price,
			"quantity", item.Quantity,
		)
		items[i] = models.Item{
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
			IsShared: item.IsShared,
		}
	}

	snapshot, err := s.store.CreateSession(ctx, &storage.NewSession{
		Session: models.Session{
			OwnerFingerprint: fp,
			Title:            msg.Title,
			Currency:         msg.Currency,
			Tax:              msg.Tax,
			Tip:              msg.Tip,
		},
		Creator: models.Member{
			Fingerprint: fp,
			DisplayName: msg.DisplayName,
			AvatarSeed:  msg.AvatarSeed,
		},
		Items: items,
	})
	if err != nil {
		slog.Error("CreateSession failed", "error", err)
		return nil, toConnectError(err)
	}

	slog.Info("Session created", "session_id", snapshot.Session.ID, "items", len(items))
	markCaller(snapshot, fp)
	return connect.NewResponse(&api.CreateSessionResponse{
		Snapshot: snapshot,
		MemberID: snapshot.Members[0].ID,
	}), nil
}

// JoinSession adds the calling device to a session, or returns its existing member.
func (s *SessionService) JoinSession(ctx context.Context, req *connect.Request[api.JoinSessionRequest]) (*connect.Response[api.JoinSessionResponse], error) {
	fp, err := requireFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.SessionID == "" {
		return nil, malformed("session_id is required")
	}
	if strings.TrimSpace(req.Msg.DisplayName) == "" {
		return nil, malformed("display_name is required")
	}

	member := &models.Member{
		SessionID:   req.Msg.SessionID,
		Fingerprint: fp,
		DisplayName: req.Msg.DisplayName,
		AvatarSeed:  req.Msg.AvatarSeed,
	}
	joined, err := s.store.JoinSession(ctx, member)
	if err != nil {
		slog.Error("JoinSession failed", "session_id", req.Msg.SessionID, "error", err)
		return nil, toConnectError(err)
	}

	member.IsYou = true
	return connect.NewResponse(&api.JoinSessionResponse{Member: *member, Joined: joined}), nil
}

// GetSession returns the authoritative snapshot with allocations recomputed.
func (s *SessionService) GetSession(ctx context.Context, req *connect.Request[api.GetSessionRequest]) (*connect.Response[api.GetSessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, malformed("session_id is required")
	}

	snapshot, err := s.store.GetSession(ctx, req.Msg.SessionID)
	if err != nil {
		slog.Error("GetSession failed", "session_id", req.Msg.SessionID, "error", err)
		return nil, toConnectError(err)
	}

	markCaller(snapshot, middleware.GetFingerprint(ctx))
	allocations := calculator.AllocateSnapshot(snapshot)
	return connect.NewResponse(&api.GetSessionResponse{
		Snapshot:    snapshot,
		Allocations: allocations,
		Summary:     calculator.Summarize(snapshot, allocations),
	}), nil
}

// UpdateSession changes tax, tip or status. Only the owning device may update.
func (s *SessionService) UpdateSession(ctx context.Context, req *connect.Request[api.UpdateSessionRequest]) (*connect.Response[api.UpdateSessionResponse], error) {
	fp, err := requireFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.SessionID == "" {
		return nil, malformed("session_id is required")
	}

	update := models.SessionUpdate{Tax: req.Msg.Tax, Tip: req.Msg.Tip}
	if req.Msg.Status != nil {
		status, err := models.ParseSessionStatus(string(*req.Msg.Status))
		if err != nil {
			return nil, api.NewError(api.KindMalformed, err)
		}
		update.Status = &status
	}
	if err := update.Validate(); err != nil {
		return nil, api.NewError(api.KindMalformed, err)
	}

	snapshot, err := s.store.GetSession(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if snapshot.Session.OwnerFingerprint != fp {
		return nil, connect.NewError(connect.CodePermissionDenied, fmt.Errorf("only the session creator can update it"))
	}

	session, err := s.store.UpdateSession(ctx, req.Msg.SessionID, update)
	if err != nil {
		slog.Error("UpdateSession failed", "session_id", req.Msg.SessionID, "error", err)
		return nil, toConnectError(err)
	}

	session.IsOwner = true
	return connect.NewResponse(&api.UpdateSessionResponse{Session: *session}), nil
}

// checkClaimTarget verifies that item and member exist and belong to sessionID.
// The store does not check this relationship.
func (s *SessionService) checkClaimTarget(ctx context.Context, sessionID, itemID, memberID string) error {
	if sessionID == "" || itemID == "" || memberID == "" {
		return malformed("session_id, item_id and member_id are required")
	}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return toConnectError(err)
	}
	if item.SessionID != sessionID {
		return api.NewError(api.KindNotFound, fmt.Errorf("item %s is not in session %s", itemID, sessionID))
	}

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return toConnectError(err)
	}
	if member.SessionID != sessionID {
		return api.NewError(api.KindNotFound, fmt.Errorf("member %s is not in session %s", memberID, sessionID))
	}
	return nil
}

// Claim records that a member shares an item. Re-claiming succeeds with created=false.
func (s *SessionService) Claim(ctx context.Context, req *connect.Request[api.ClaimRequest]) (*connect.Response[api.ClaimResponse], error) {
	msg := req.Msg
	if err := s.checkClaimTarget(ctx, msg.SessionID, msg.ItemID, msg.MemberID); err != nil {
		return nil, err
	}

	result, err := s.store.Claim(ctx, msg.ItemID, msg.MemberID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.metrics.ClaimResult(metrics.ClaimConflict)
		}
		slog.Warn("Claim failed", "item_id", msg.ItemID, "member_id", msg.MemberID, "error", err)
		return nil, toConnectError(err)
	}

	if result.Created {
		s.metrics.ClaimResult(metrics.ClaimCreated)
	} else {
		s.metrics.ClaimResult(metrics.ClaimExisting)
	}
	return connect.NewResponse(&api.ClaimResponse{Created: result.Created}), nil
}

// Unclaim removes a claim. Removing an absent claim succeeds with removed=false.
func (s *SessionService) Unclaim(ctx context.Context, req *connect.Request[api.UnclaimRequest]) (*connect.Response[api.UnclaimResponse], error) {
	msg := req.Msg
	if err := s.checkClaimTarget(ctx, msg.SessionID, msg.ItemID, msg.MemberID); err != nil {
		return nil, err
	}

	removed, err := s.store.Unclaim(ctx, msg.ItemID, msg.MemberID)
	if err != nil {
		slog.Error("Unclaim failed", "item_id", msg.ItemID, "member_id", msg.MemberID, "error", err)
		return nil, toConnectError(err)
	}

	if removed {
		s.metrics.ClaimResult(metrics.ClaimRemoved)
	} else {
		s.metrics.ClaimResult(metrics.ClaimAbsent)
	}
	return connect.NewResponse(&api.UnclaimResponse{Removed: removed}), nil
}

// Subscribe streams change notifications for one session until the client
// goes away. Claim changes for every session are included; clients filter
// them against their own items.
func (s *SessionService) Subscribe(ctx context.Context, req *connect.Request[api.SubscribeRequest], stream *connect.ServerStream[feed.Change]) error {
	sessionID := req.Msg.SessionID
	if sessionID == "" {
		return malformed("session_id is required")
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return toConnectError(err)
	}

	sub, err := s.relay.Subscribe(ctx, sessionID)
	if errors.Is(err, feed.ErrRelayClosed) {
		return api.NewError(api.KindTransientNetwork, err)
	}
	if err != nil {
		return api.NewError(api.KindInternal, err)
	}
	defer sub.Close()

	// Send headers now so the client knows the subscription is live.
	if err := stream.Send(nil); err != nil {
		return err
	}

	for change := range sub.C() {
		if err := stream.Send(&change); err != nil {
			slog.Debug("Subscriber went away", "session_id", sessionID, "error", err)
			return nil
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(sub.Err(), feed.ErrSlowSubscriber) || errors.Is(sub.Err(), feed.ErrRelayClosed) {
		// The client resubscribes and re-reads the session.
		return connect.NewError(connect.CodeUnavailable, sub.Err())
	}
	return nil
}
