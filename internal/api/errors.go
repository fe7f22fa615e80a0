package api

import (
	"context"
	"errors"

	"connectrpc.com/connect"
)

// Kind classifies a failed call by how a client should react to it.
type Kind string

const (
	KindNone             Kind = ""
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate_limited"
	KindTransientNetwork Kind = "transient_network"
	KindMalformed        Kind = "malformed"
	KindUnauthenticated  Kind = "unauthenticated"
	KindInternal         Kind = "internal"
)

// Code returns the Connect code the server uses for k.
func (k Kind) Code() connect.Code {
	switch k {
	case KindNotFound:
		return connect.CodeNotFound
	case KindConflict:
		// Aborted maps to HTTP 409.
		return connect.CodeAborted
	case KindRateLimited:
		return connect.CodeResourceExhausted
	case KindTransientNetwork:
		return connect.CodeUnavailable
	case KindMalformed:
		return connect.CodeInvalidArgument
	case KindUnauthenticated:
		return connect.CodeUnauthenticated
	default:
		return connect.CodeInternal
	}
}

// Recoverable reports whether a client can keep its local state and carry on
// after rolling back: the next authoritative read or a user retry will fix it.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTransientNetwork, KindConflict, KindRateLimited:
		return true
	}
	return false
}

// NewError wraps err in a Connect error with the code for kind.
func NewError(kind Kind, err error) *connect.Error {
	return connect.NewError(kind.Code(), err)
}

// KindOf classifies an error returned by a SessionServiceClient call.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientNetwork
	}
	switch connect.CodeOf(err) {
	case connect.CodeNotFound:
		return KindNotFound
	case connect.CodeAborted, connect.CodeAlreadyExists, connect.CodeFailedPrecondition:
		return KindConflict
	case connect.CodeResourceExhausted:
		return KindRateLimited
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeCanceled:
		return KindTransientNetwork
	case connect.CodeInvalidArgument, connect.CodeOutOfRange:
		return KindMalformed
	case connect.CodeUnauthenticated, connect.CodePermissionDenied:
		return KindUnauthenticated
	}
	return KindInternal
}
