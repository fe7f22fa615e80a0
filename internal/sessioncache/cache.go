// Package sessioncache keeps a client-side copy of one session in sync with
// the server.
//
// Local claim edits are applied optimistically and rolled back if the server
// rejects them. Change notifications from the feed are never merged; they
// schedule a debounced re-read of the full session. Notifications caused by
// this client's own recent writes are suppressed for a settle window.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/calculator"
	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/models"
)

const (
	DefaultSettleWindow   = 2000 * time.Millisecond
	DefaultDebounce       = 100 * time.Millisecond
	DefaultReconnectDelay = time.Second
)

var (
	ErrClosed    = errors.New("session cache closed")
	ErrNotSynced = errors.New("session not loaded yet")
)

// State is the cache's connection state.
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateSynced
	StateRefetching
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateSynced:
		return "synced"
	case StateRefetching:
		return "refetching"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Decision reports what HandleChange did with a notification.
type Decision int

const (
	// Scheduled means a debounced re-fetch was (re)armed.
	Scheduled Decision = iota
	// Suppressed means the change fell inside the settle window of a local write.
	Suppressed
	// Filtered means the change does not concern this session.
	Filtered
)

func (d Decision) String() string {
	switch d {
	case Scheduled:
		return "scheduled"
	case Suppressed:
		return "suppressed"
	case Filtered:
		return "filtered"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Option configures a Cache.
type Option func(*Cache)

// WithSettleWindow sets how long after a local write changes on the same
// table are treated as its echo.
func WithSettleWindow(d time.Duration) Option {
	return func(c *Cache) { c.settle = d }
}

// WithDebounce sets the quiet period before a re-fetch.
func WithDebounce(d time.Duration) Option {
	return func(c *Cache) { c.debounce = d }
}

// WithReconnectDelay sets the pause between subscription attempts in Run.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Cache) { c.reconnectDelay = d }
}

// WithClock replaces time.Now for settle window checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type opKind int

const (
	opClaim opKind = iota
	opUnclaim
)

// pendingOp is a local edit whose RPC has not completed.
type pendingOp struct {
	kind     opKind
	itemID   string
	memberID string

	// before is the view just before the edit was applied.
	before *models.SessionSnapshot
	// generation is the cache generation the edit was applied on.
	generation uint64
}

func (op *pendingOp) apply(s *models.SessionSnapshot) {
	switch op.kind {
	case opClaim:
		s.AddClaim(op.itemID, op.memberID)
	case opUnclaim:
		s.RemoveClaim(op.itemID, op.memberID)
	}
}

type timerKey struct {
	sessionID string
	table     feed.Table
}

type timerEntry struct {
	timer *time.Timer
	seq   uint64
}

// Cache is the local view of one session. It is safe for concurrent use.
type Cache struct {
	sessionID string
	backend   Backend

	settle         time.Duration
	debounce       time.Duration
	reconnectDelay time.Duration
	now            func() time.Time

	// ctx bounds every RPC the cache issues, independent of callers.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	base         *models.SessionSnapshot
	view         *models.SessionSnapshot
	// generation advances whenever the view is replaced by anything other
	// than a local edit: a new authoritative snapshot or a rollback.
	generation   uint64
	pending      []*pendingOp
	lastMutation map[feed.Table]time.Time
	timers       map[timerKey]timerEntry
	timerSeq     uint64
	fetching     bool
	refetchAgain bool
	closed       bool

	updates chan struct{}
}

// New creates a disconnected cache for sessionID. Call Run to subscribe, or
// Load for a one-off read.
func New(sessionID string, backend Backend, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		sessionID:      sessionID,
		backend:        backend,
		settle:         DefaultSettleWindow,
		debounce:       DefaultDebounce,
		reconnectDelay: DefaultReconnectDelay,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		lastMutation:   make(map[feed.Table]time.Time),
		timers:         make(map[timerKey]timerEntry),
		updates:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the cached session's id.
func (c *Cache) SessionID() string {
	return c.sessionID
}

// Updates receives a value whenever the local view changes. Signals coalesce.
func (c *Cache) Updates() <-chan struct{} {
	return c.updates
}

// State returns the connection state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Optimistic reports whether local edits are waiting for the server.
func (c *Cache) Optimistic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Snapshot returns a copy of the local view, or nil before the first load.
func (c *Cache) Snapshot() *models.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return nil
	}
	return c.view.Clone()
}

// Allocations splits the local view.
func (c *Cache) Allocations() []calculator.Allocation {
	s := c.Snapshot()
	if s == nil {
		return nil
	}
	return calculator.AllocateSnapshot(s)
}

// Load fetches the session and replaces the authoritative snapshot.
func (c *Cache) Load(ctx context.Context) error {
	snap, err := c.backend.FetchSession(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to fetch session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.applyLocked(snap)
	return nil
}

// Claim adds memberID to itemID's claimants locally and on the server.
//
// The request is bound to the cache's lifetime, not ctx: if ctx ends first,
// Claim returns ctx.Err() and the outcome is still applied when it arrives.
// On failure the local edit is rolled back and the error returned; use
// api.KindOf to classify it.
func (c *Cache) Claim(ctx context.Context, itemID, memberID string) error {
	return c.mutate(ctx, &pendingOp{kind: opClaim, itemID: itemID, memberID: memberID})
}

// Unclaim removes memberID from itemID's claimants locally and on the server.
// It behaves like Claim on cancellation and failure.
func (c *Cache) Unclaim(ctx context.Context, itemID, memberID string) error {
	return c.mutate(ctx, &pendingOp{kind: opUnclaim, itemID: itemID, memberID: memberID})
}

func (c *Cache) mutate(ctx context.Context, op *pendingOp) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.view == nil {
		c.mu.Unlock()
		return ErrNotSynced
	}

	op.before = c.view.Clone()
	op.generation = c.generation
	op.apply(c.view)
	c.pending = append(c.pending, op)
	c.lastMutation[feed.TableClaims] = c.now()
	c.notifyLocked()

	done := make(chan error, 1)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		var err error
		switch op.kind {
		case opClaim:
			err = c.backend.Claim(c.ctx, c.sessionID, op.itemID, op.memberID)
		case opUnclaim:
			err = c.backend.Unclaim(c.ctx, c.sessionID, op.itemID, op.memberID)
		}
		c.finish(op, err)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish settles a completed edit.
func (c *Cache) finish(op *pendingOp, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, p := range c.pending {
		if p == op {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	newest := idx == len(c.pending)-1
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)

	if c.closed {
		return
	}

	// The settle window runs from the local edit; the re-read picks up
	// whatever the server did meanwhile.
	if err == nil {
		c.scheduleLocked(feed.TableClaims)
		return
	}

	slog.Warn("Rolling back local edit",
		"session_id", c.sessionID,
		"item_id", op.itemID,
		"member_id", op.memberID,
		"kind", api.KindOf(err),
		"error", err,
	)
	if newest && op.generation == c.generation {
		c.view = op.before
	} else {
		c.view = c.rebuildLocked()
	}
	c.generation++
	c.notifyLocked()
}

// rebuildLocked derives the view from the authoritative snapshot plus the
// edits still in flight.
func (c *Cache) rebuildLocked() *models.SessionSnapshot {
	view := c.base.Clone()
	for _, p := range c.pending {
		p.apply(view)
	}
	return view
}

func (c *Cache) applyLocked(snap *models.SessionSnapshot) {
	c.base = snap
	c.generation++
	c.view = c.rebuildLocked()
	c.notifyLocked()
}

func (c *Cache) notifyLocked() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// HandleChange reacts to one feed notification.
func (c *Cache) HandleChange(change feed.Change) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Filtered
	}
	if sid := change.SessionID(); sid != "" && sid != c.sessionID {
		return Filtered
	}
	if change.Table == feed.TableClaims {
		// Claim changes arrive for every session; keep only our items.
		if c.view == nil || !c.view.HasItem(change.Row().ItemID) {
			return Filtered
		}
	}
	if at, ok := c.lastMutation[change.Table]; ok && c.now().Sub(at) < c.settle {
		slog.Debug("Suppressing change echo", "session_id", c.sessionID, "table", change.Table)
		return Suppressed
	}

	c.scheduleLocked(change.Table)
	return Scheduled
}

// scheduleLocked arms the debounce timer for table, replacing any armed one.
func (c *Cache) scheduleLocked(table feed.Table) {
	key := timerKey{sessionID: c.sessionID, table: table}
	if e, ok := c.timers[key]; ok {
		e.timer.Stop()
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timers[key] = timerEntry{
		seq:   seq,
		timer: time.AfterFunc(c.debounce, func() { c.fire(key, seq) }),
	}
}

// fire runs when a debounce timer expires. The other timers of the session
// are cancelled; one fetch covers them all.
func (c *Cache) fire(key timerKey, seq uint64) {
	c.mu.Lock()
	if e, ok := c.timers[key]; !ok || e.seq != seq || c.closed {
		c.mu.Unlock()
		return
	}
	for k, e := range c.timers {
		if k.sessionID == key.sessionID {
			e.timer.Stop()
			delete(c.timers, k)
		}
	}

	if c.fetching {
		c.refetchAgain = true
		c.mu.Unlock()
		return
	}
	c.fetching = true
	if c.state == StateSynced {
		c.state = StateRefetching
	}
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.refetch()
}

func (c *Cache) refetch() {
	for {
		snap, err := c.backend.FetchSession(c.ctx, c.sessionID)

		c.mu.Lock()
		if c.closed {
			c.fetching = false
			c.mu.Unlock()
			return
		}
		if err != nil {
			slog.Warn("Session refetch failed", "session_id", c.sessionID, "error", err)
		} else {
			c.applyLocked(snap)
		}
		if c.refetchAgain {
			c.refetchAgain = false
			c.mu.Unlock()
			continue
		}
		c.fetching = false
		if c.state == StateRefetching {
			c.state = StateSynced
		}
		c.mu.Unlock()
		return
	}
}

func (c *Cache) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		slog.Debug("Session cache state", "session_id", c.sessionID, "from", c.state, "to", s)
		c.state = s
	}
}

// Run subscribes to the session's change feed, loads the session and keeps
// it in sync until ctx ends or the cache is closed. A dropped subscription
// is retried after the reconnect delay.
func (c *Cache) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	for {
		err := c.runOnce(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Session subscription ended", "session_id", c.sessionID, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Cache) runOnce(ctx context.Context) error {
	c.setState(StateSubscribing)

	stream, err := c.backend.Subscribe(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer stream.Close()

	// Changes that happen while loading are delivered on the stream.
	if err := c.Load(ctx); err != nil {
		return err
	}
	c.setState(StateSynced)

	for stream.Receive() {
		c.HandleChange(*stream.Msg())
	}
	return stream.Err()
}

// Close stops timers, cancels in-flight requests and waits for them.
// Results arriving after Close are discarded.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for k, e := range c.timers {
		e.timer.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
