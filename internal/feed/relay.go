package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kebo-ai/billsplit/internal/metrics"
)

var (
	// ErrSlowSubscriber is reported when a subscriber fell behind and was evicted.
	// The client must resubscribe and re-read the full session.
	ErrSlowSubscriber = errors.New("subscriber evicted: buffer full")

	// ErrSubscriptionClosed is reported after Close or context cancellation.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrRelayClosed is reported to subscribers when the relay shuts down,
	// and returned by Subscribe afterwards.
	ErrRelayClosed = errors.New("relay closed")
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Relay fans out changes to subscribers, one buffered channel each.
//
// Session, item and member changes are delivered only to subscribers of the
// same session. Claim changes carry no session id and go to every subscriber.
type Relay struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	metrics *metrics.Metrics
	closed  bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithMetrics records subscriber and delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// NewRelay creates an empty relay.
func NewRelay(opts ...Option) *Relay {
	r := &Relay{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Sink = (*Relay)(nil)

// Subscription is one client's view of the feed.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan Change
	relay     *Relay
	err       error
	stop      func() bool
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Err returns why the subscription ended. Only valid after C is closed.
func (s *Subscription) Err() error {
	s.relay.mu.RLock()
	defer s.relay.mu.RUnlock()
	return s.err
}

// SessionID returns the session the subscription is scoped to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.relay.remove(s, ErrSubscriptionClosed)
}

// Subscribe registers a subscriber for one session. The subscription is
// closed automatically when ctx is done.
func (r *Relay) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Change, r.buffer),
		relay:     r,
	}
	sub.stop = context.AfterFunc(ctx, sub.Close)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.stop()
		return nil, ErrRelayClosed
	}
	r.nextID++
	sub.id = r.nextID
	r.subs[sub.id] = sub
	r.metrics.SubscriberAdded()
	r.mu.Unlock()

	// ctx may have ended before the subscriber was registered
	if ctx.Err() != nil {
		sub.Close()
	}

	slog.Debug("Feed subscriber added", "session_id", sessionID, "subscriber", sub.id)
	return sub, nil
}

// Publish delivers c to every matching subscriber without blocking.
// Subscribers whose buffer is full are evicted.
func (r *Relay) Publish(ctx context.Context, c Change) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}

	var slow []*Subscription
	delivered := 0

	r.mu.RLock()
	for _, sub := range r.subs {
		if !matches(sub, c) {
			continue
		}
		select {
		case sub.ch <- c:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range slow {
		slog.WarnContext(ctx, "Evicting slow feed subscriber",
			"session_id", sub.sessionID,
			"subscriber", sub.id,
		)
		r.remove(sub, ErrSlowSubscriber)
		r.metrics.SubscriberEvicted()
	}

	r.metrics.ChangePublished(string(c.Table))
	slog.DebugContext(ctx, "Change published",
		"table", c.Table,
		"kind", c.Kind,
		"session_id", c.SessionID(),
		"delivered", delivered,
	)
	return nil
}

// Close ends every subscription with ErrRelayClosed and refuses new ones.
// Publishing after Close is a no-op.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.remove(sub, ErrRelayClosed)
	}
	slog.Info("Feed relay closed", "subscribers", len(subs))
}

// Len returns the number of live subscribers.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Relay) remove(sub *Subscription, reason error) {
	r.mu.Lock()
	if _, ok := r.subs[sub.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub.id)
	sub.err = reason
	close(sub.ch)
	r.mu.Unlock()

	if sub.stop != nil {
		sub.stop()
	}
	r.metrics.SubscriberRemoved()
	slog.Debug("Feed subscriber removed", "session_id", sub.sessionID, "subscriber", sub.id, "reason", reason)
}

func matches(sub *Subscription, c Change) bool {
	if c.Table == TableClaims {
		return true
	}
	return c.SessionID() == sub.sessionID
}
