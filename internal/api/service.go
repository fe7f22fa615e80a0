package api

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/kebo-ai/billsplit/internal/feed"
)

// SessionServiceName is the fully-qualified name of the SessionService service.
const SessionServiceName = "billsplit.v1.SessionService"

// Procedure paths, used for routing and by interceptors.
const (
	SessionServiceCreateSessionProcedure = "/billsplit.v1.SessionService/CreateSession"
	SessionServiceJoinSessionProcedure   = "/billsplit.v1.SessionService/JoinSession"
	SessionServiceGetSessionProcedure    = "/billsplit.v1.SessionService/GetSession"
	SessionServiceUpdateSessionProcedure = "/billsplit.v1.SessionService/UpdateSession"
	SessionServiceClaimProcedure         = "/billsplit.v1.SessionService/Claim"
	SessionServiceUnclaimProcedure       = "/billsplit.v1.SessionService/Unclaim"
	SessionServiceSubscribeProcedure     = "/billsplit.v1.SessionService/Subscribe"
)

// SessionServiceHandler is implemented by the server.
type SessionServiceHandler interface {
	CreateSession(context.Context, *connect.Request[CreateSessionRequest]) (*connect.Response[CreateSessionResponse], error)
	JoinSession(context.Context, *connect.Request[JoinSessionRequest]) (*connect.Response[JoinSessionResponse], error)
	GetSession(context.Context, *connect.Request[GetSessionRequest]) (*connect.Response[GetSessionResponse], error)
	UpdateSession(context.Context, *connect.Request[UpdateSessionRequest]) (*connect.Response[UpdateSessionResponse], error)
	Claim(context.Context, *connect.Request[ClaimRequest]) (*connect.Response[ClaimResponse], error)
	Unclaim(context.Context, *connect.Request[UnclaimRequest]) (*connect.Response[UnclaimResponse], error)
	Subscribe(context.Context, *connect.Request[SubscribeRequest], *connect.ServerStream[feed.Change]) error
}

// NewSessionServiceHandler builds an HTTP handler from the service implementation.
// It returns the path on which to mount the handler and the handler itself.
func NewSessionServiceHandler(svc SessionServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{Codec()}, opts...)

	createSession := connect.NewUnaryHandler(SessionServiceCreateSessionProcedure, svc.CreateSession, opts...)
	joinSession := connect.NewUnaryHandler(SessionServiceJoinSessionProcedure, svc.JoinSession, opts...)
	getSession := connect.NewUnaryHandler(SessionServiceGetSessionProcedure, svc.GetSession,
		append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...)
	updateSession := connect.NewUnaryHandler(SessionServiceUpdateSessionProcedure, svc.UpdateSession, opts...)
	claim := connect.NewUnaryHandler(SessionServiceClaimProcedure, svc.Claim,
		append(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...)
	unclaim := connect.NewUnaryHandler(SessionServiceUnclaimProcedure, svc.Unclaim,
		append(opts, connect.WithIdempotency(connect.IdempotencyIdempotent))...)
	subscribe := connect.NewServerStreamHandler(SessionServiceSubscribeProcedure, svc.Subscribe, opts...)

	return "/" + SessionServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SessionServiceCreateSessionProcedure:
			createSession.ServeHTTP(w, r)
		case SessionServiceJoinSessionProcedure:
			joinSession.ServeHTTP(w, r)
		case SessionServiceGetSessionProcedure:
			getSession.ServeHTTP(w, r)
		case SessionServiceUpdateSessionProcedure:
			updateSession.ServeHTTP(w, r)
		case SessionServiceClaimProcedure:
			claim.ServeHTTP(w, r)
		case SessionServiceUnclaimProcedure:
			unclaim.ServeHTTP(w, r)
		case SessionServiceSubscribeProcedure:
			subscribe.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// SessionServiceClient is a client for the billsplit.v1.SessionService service.
type SessionServiceClient struct {
	createSession *connect.Client[CreateSessionRequest, CreateSessionResponse]
	joinSession   *connect.Client[JoinSessionRequest, JoinSessionResponse]
	getSession    *connect.Client[GetSessionRequest, GetSessionResponse]
	updateSession *connect.Client[UpdateSessionRequest, UpdateSessionResponse]
	claim         *connect.Client[ClaimRequest, ClaimResponse]
	unclaim       *connect.Client[UnclaimRequest, UnclaimResponse]
	subscribe     *connect.Client[SubscribeRequest, feed.Change]
}

// NewSessionServiceClient constructs a client for the SessionService at baseURL,
// for example http://localhost:8080.
func NewSessionServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SessionServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{Codec()}, opts...)
	return &SessionServiceClient{
		createSession: connect.NewClient[CreateSessionRequest, CreateSessionResponse](httpClient, baseURL+SessionServiceCreateSessionProcedure, opts...),
		joinSession:   connect.NewClient[JoinSessionRequest, JoinSessionResponse](httpClient, baseURL+SessionServiceJoinSessionProcedure, opts...),
		getSession:    connect.NewClient[GetSessionRequest, GetSessionResponse](httpClient, baseURL+SessionServiceGetSessionProcedure, opts...),
		updateSession: connect.NewClient[UpdateSessionRequest, UpdateSessionResponse](httpClient, baseURL+SessionServiceUpdateSessionProcedure, opts...),
		claim:         connect.NewClient[ClaimRequest, ClaimResponse](httpClient, baseURL+SessionServiceClaimProcedure, opts...),
		unclaim:       connect.NewClient[UnclaimRequest, UnclaimResponse](httpClient, baseURL+SessionServiceUnclaimProcedure, opts...),
		subscribe:     connect.NewClient[SubscribeRequest, feed.Change](httpClient, baseURL+SessionServiceSubscribeProcedure, opts...),
	}
}

// CreateSession calls billsplit.v1.SessionService.CreateSession.
func (c *SessionServiceClient) CreateSession(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[CreateSessionResponse], error) {
	return c.createSession.CallUnary(ctx, req)
}

// JoinSession calls billsplit.v1.SessionService.JoinSession.
func (c *SessionServiceClient) JoinSession(ctx context.Context, req *connect.Request[JoinSessionRequest]) (*connect.Response[JoinSessionResponse], error) {
	return c.joinSession.CallUnary(ctx, req)
}

// GetSession calls billsplit.v1.SessionService.GetSession.
func (c *SessionServiceClient) GetSession(ctx context.Context, req *connect.Request[GetSessionRequest]) (*connect.Response[GetSessionResponse], error) {
	return c.getSession.CallUnary(ctx, req)
}

// UpdateSession calls billsplit.v1.SessionService.UpdateSession.
func (c *SessionServiceClient) UpdateSession(ctx context.Context, req *connect.Request[UpdateSessionRequest]) (*connect.Response[UpdateSessionResponse], error) {
	return c.updateSession.CallUnary(ctx, req)
}

// Claim calls billsplit.v1.SessionService.Claim.
func (c *SessionServiceClient) Claim(ctx context.Context, req *connect.Request[ClaimRequest]) (*connect.Response[ClaimResponse], error) {
	return c.claim.CallUnary(ctx, req)
}

// Unclaim calls billsplit.v1.SessionService.Unclaim.
func (c *SessionServiceClient) Unclaim(ctx context.Context, req *connect.Request[UnclaimRequest]) (*connect.Response[UnclaimResponse], error) {
	return c.unclaim.CallUnary(ctx, req)
}

// Subscribe calls billsplit.v1.SessionService.Subscribe.
func (c *SessionServiceClient) Subscribe(ctx context.Context, req *connect.Request[SubscribeRequest]) (*connect.ServerStreamForClient[feed.Change], error) {
	return c.subscribe.CallServerStream(ctx, req)
}
