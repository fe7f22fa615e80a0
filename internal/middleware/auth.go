package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/kebo-ai/billsplit/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// FingerprintKey is the context key for the calling device's fingerprint.
const FingerprintKey contextKey = "fingerprint"

// FingerprintHeader carries the raw fingerprint when no token secret is configured.
const FingerprintHeader = "X-Device-Fingerprint"

// GetFingerprint extracts the device fingerprint from the context.
// Returns empty string if not found.
func GetFingerprint(ctx context.Context) string {
	fp, _ := ctx.Value(FingerprintKey).(string)
	return fp
}

// WithFingerprint returns a context carrying fp.
func WithFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, FingerprintKey, fp)
}

// deviceIdentity resolves the calling device on the server side.
type deviceIdentity struct {
	jwtManager *auth.JWTManager
}

// DeviceIdentity returns an interceptor that puts the caller's fingerprint in
// the request context.
//
// With a JWT manager, the fingerprint comes from the Bearer token's claims and
// a bad token is rejected. Without one, the X-Device-Fingerprint header is taken
// verbatim. Requests carrying neither proceed anonymously; handlers that need a
// device check GetFingerprint.
func DeviceIdentity(jwtManager *auth.JWTManager) connect.Interceptor {
	return &deviceIdentity{jwtManager: jwtManager}
}

func (d *deviceIdentity) resolve(ctx context.Context, header interface{ Get(string) string }) (context.Context, error) {
	if d.jwtManager == nil {
		if fp := strings.TrimSpace(header.Get(FingerprintHeader)); fp != "" {
			ctx = WithFingerprint(ctx, fp)
		}
		return ctx, nil
	}

	authHeader := header.Get("Authorization")
	if authHeader == "" {
		return ctx, nil
	}

	// Parse Bearer token
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
	}

	claims, err := d.jwtManager.Validate(parts[1])
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}
	return WithFingerprint(ctx, claims.Fingerprint), nil
}

func (d *deviceIdentity) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		ctx, err := d.resolve(ctx, req.Header())
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

func (d *deviceIdentity) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (d *deviceIdentity) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		ctx, err := d.resolve(ctx, conn.RequestHeader())
		if err != nil {
			return err
		}
		return next(ctx, conn)
	}
}

// deviceCredentials attaches a device identity to outgoing calls.
type deviceCredentials struct {
	fingerprint string
	token       string
}

// DeviceCredentials returns a client interceptor that sends token as a Bearer
// token when set, and fingerprint in the X-Device-Fingerprint header otherwise.
func DeviceCredentials(fingerprint, token string) connect.Interceptor {
	return &deviceCredentials{fingerprint: fingerprint, token: token}
}

func (c *deviceCredentials) apply(header interface{ Set(string, string) }) {
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.fingerprint != "" {
		header.Set(FingerprintHeader, c.fingerprint)
	}
}

func (c *deviceCredentials) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			c.apply(req.Header())
		}
		return next(ctx, req)
	}
}

func (c *deviceCredentials) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		c.apply(conn.RequestHeader())
		return conn
	}
}

func (c *deviceCredentials) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}
