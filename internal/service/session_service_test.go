package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/feed"
	"github.com/kebo-ai/billsplit/internal/metrics"
	"github.com/kebo-ai/billsplit/internal/middleware"
	"github.com/kebo-ai/billsplit/internal/models"
	"github.com/kebo-ai/billsplit/internal/storage"
	"github.com/kebo-ai/billsplit/internal/storage/sqlite"
)

type testEnv struct {
	url     string
	relay   *feed.Relay
	metrics *metrics.Metrics
}

// setupTestServer creates a test server over a temp SQLite database.
func setupTestServer(t *testing.T, opts ...sqlite.Option) *testEnv {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	relay := feed.NewRelay(feed.WithMetrics(m))

	opts = append([]sqlite.Option{sqlite.WithChangeSink(relay)}, opts...)
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	svc := NewSessionService(store, relay, m)
	path, handler := api.NewSessionServiceHandler(svc,
		connect.WithInterceptors(middleware.DeviceIdentity(nil), middleware.LoggingInterceptor()),
	)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return &testEnv{url: server.URL, relay: relay, metrics: m}
}

// client returns a SessionService client acting as the given device.
func (e *testEnv) client(fingerprint string) *api.SessionServiceClient {
	var opts []connect.ClientOption
	if fingerprint != "" {
		opts = append(opts, connect.WithInterceptors(middleware.DeviceCredentials(fingerprint, "")))
	}
	return api.NewSessionServiceClient(http.DefaultClient, e.url, opts...)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// createDinner creates the pizza-and-beer session as Alice and joins Bob.
func createDinner(t *testing.T, env *testEnv) (snap *models.SessionSnapshot, alice, bob string) {
	t.Helper()
	ctx := context.Background()

	created, err := env.client("device-alice").CreateSession(ctx, connect.NewRequest(&api.CreateSessionRequest{
		Title:       "Dinner",
		Currency:    "EUR",
		Tax:         dec("1.50"),
		Tip:         dec("3.00"),
		DisplayName: "Alice",
		Items: []api.NewItem{
			{Name: "Pizza", Price: dec("10.00"), Quantity: dec("1"), IsShared: true},
			{Name: "Beer", Price: dec("5.00"), Quantity: dec("2")},
		},
	}))
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	joined, err := env.client("device-bob").JoinSession(ctx, connect.NewRequest(&api.JoinSessionRequest{
		SessionID:   created.Msg.Snapshot.Session.ID,
		DisplayName: "Bob",
	}))
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	return created.Msg.Snapshot, created.Msg.MemberID, joined.Msg.Member.ID
}

func claim(t *testing.T, c *api.SessionServiceClient, sessionID, itemID, memberID string) *api.ClaimResponse {
	t.Helper()
	resp, err := c.Claim(context.Background(), connect.NewRequest(&api.ClaimRequest{
		SessionID: sessionID, ItemID: itemID, MemberID: memberID,
	}))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	return resp.Msg
}

func TestCreateSession_RequiresDevice(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client("").CreateSession(context.Background(), connect.NewRequest(&api.CreateSessionRequest{
		Currency: "USD", DisplayName: "Anon",
	}))
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("expected unauthenticated, got %v", err)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	env := setupTestServer(t)
	c := env.client("device-alice")

	tests := []struct {
		name string
		req  *api.CreateSessionRequest
	}{
		{"missing currency", &api.CreateSessionRequest{DisplayName: "Alice"}},
		{"missing display name", &api.CreateSessionRequest{Currency: "USD"}},
		{"negative tax", &api.CreateSessionRequest{Currency: "USD", DisplayName: "Alice", Tax: dec("-1")}},
		{"unnamed item", &api.CreateSessionRequest{Currency: "USD", DisplayName: "Alice", Items: []api.NewItem{{Price: dec("1"), Quantity: dec("1")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateSession(context.Background(), connect.NewRequest(tt.req))
			if api.KindOf(err) != api.KindMalformed {
				t.Errorf("expected malformed, got %v", err)
			}
		})
	}
}

func TestJoinSession_ReturningDevice(t *testing.T) {
	env := setupTestServer(t)
	snap, _, bob := createDinner(t, env)

	resp, err := env.client("device-bob").JoinSession(context.Background(), connect.NewRequest(&api.JoinSessionRequest{
		SessionID: snap.Session.ID, DisplayName: "Bobby",
	}))
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	if resp.Msg.Joined || resp.Msg.Member.ID != bob {
		t.Errorf("expected existing member %s, got %+v", bob, resp.Msg)
	}

	_, err = env.client("device-carol").JoinSession(context.Background(), connect.NewRequest(&api.JoinSessionRequest{
		SessionID: "missing", DisplayName: "Carol",
	}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGetSession_Allocations(t *testing.T) {
	env := setupTestServer(t)
	snap, alice, bob := createDinner(t, env)
	c := env.client("device-bob")
	pizza, beer := snap.Items[0].ID, snap.Items[1].ID

	claim(t, c, snap.Session.ID, pizza, alice)
	claim(t, c, snap.Session.ID, pizza, bob)
	claim(t, c, snap.Session.ID, beer, alice)

	resp, err := c.GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{SessionID: snap.Session.ID}))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	if len(resp.Msg.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(resp.Msg.Allocations))
	}
	want := map[string]string{alice: "18.38", bob: "6.13"}
	taxSum := decimal.Zero
	for _, a := range resp.Msg.Allocations {
		if !a.Total.Equal(dec(want[a.MemberID])) {
			t.Errorf("member %s total = %s, want %s", a.MemberID, a.Total, want[a.MemberID])
		}
		taxSum = taxSum.Add(a.TaxShare)
	}
	if !taxSum.Equal(dec("1.51")) {
		t.Errorf("tax shares sum = %s, want 1.51", taxSum)
	}
	if !resp.Msg.Summary.Unclaimed.IsZero() {
		t.Errorf("unclaimed = %s, want 0", resp.Msg.Summary.Unclaimed)
	}
	if !resp.Msg.Summary.BillTotal.Equal(dec("24.50")) {
		t.Errorf("bill total = %s, want 24.50", resp.Msg.Summary.BillTotal)
	}
}

func TestGetSession_HidesFingerprints(t *testing.T) {
	env := setupTestServer(t)
	snap, alice, bob := createDinner(t, env)

	// Read the raw wire response as Bob.
	body := strings.NewReader(`{"sessionId":"` + snap.Session.ID + `"}`)
	req, err := http.NewRequest(http.MethodPost, env.url+api.SessionServiceGetSessionProcedure, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.FingerprintHeader, "device-bob")

	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, httpResp.StatusCode, string(raw))

	for _, fp := range []string{"device-alice", "device-bob"} {
		if strings.Contains(string(raw), fp) {
			t.Errorf("response leaks fingerprint %q: %s", fp, raw)
		}
	}

	resp, err := env.client("device-bob").GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{SessionID: snap.Session.ID}))
	require.NoError(t, err)
	if resp.Msg.Snapshot.Session.IsOwner {
		t.Error("Bob should not be reported as owner")
	}
	for _, m := range resp.Msg.Snapshot.Members {
		if m.IsYou != (m.ID == bob) {
			t.Errorf("member %s isYou = %v", m.ID, m.IsYou)
		}
	}

	resp, err = env.client("device-alice").GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{SessionID: snap.Session.ID}))
	require.NoError(t, err)
	if !resp.Msg.Snapshot.Session.IsOwner {
		t.Error("Alice should be reported as owner")
	}
	if m := resp.Msg.Snapshot.Member(alice); m == nil || !m.IsYou {
		t.Errorf("Alice's member should be marked as hers: %+v", m)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client("").GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{SessionID: "missing"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = env.client("").GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestUpdateSession(t *testing.T) {
	env := setupTestServer(t)
	snap, _, _ := createDinner(t, env)
	ctx := context.Background()

	tip := dec("5.00")
	paid := models.StatusPaid
	resp, err := env.client("device-alice").UpdateSession(ctx, connect.NewRequest(&api.UpdateSessionRequest{
		SessionID: snap.Session.ID, Tip: &tip, Status: &paid,
	}))
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if !resp.Msg.Session.Tip.Equal(tip) || resp.Msg.Session.Status != models.StatusPaid {
		t.Errorf("unexpected session: %+v", resp.Msg.Session)
	}
	if !resp.Msg.Session.Tax.Equal(dec("1.50")) {
		t.Errorf("tax changed to %s", resp.Msg.Session.Tax)
	}

	t.Run("non-owner is rejected", func(t *testing.T) {
		_, err := env.client("device-bob").UpdateSession(ctx, connect.NewRequest(&api.UpdateSessionRequest{
			SessionID: snap.Session.ID, Tip: &tip,
		}))
		if connect.CodeOf(err) != connect.CodePermissionDenied {
			t.Errorf("expected permission denied, got %v", err)
		}
	})

	t.Run("unknown status is malformed", func(t *testing.T) {
		bogus := models.SessionStatus("refunded")
		_, err := env.client("device-alice").UpdateSession(ctx, connect.NewRequest(&api.UpdateSessionRequest{
			SessionID: snap.Session.ID, Status: &bogus,
		}))
		if api.KindOf(err) != api.KindMalformed {
			t.Errorf("expected malformed, got %v", err)
		}
	})

	t.Run("negative tax is malformed", func(t *testing.T) {
		neg := dec("-0.50")
		_, err := env.client("device-alice").UpdateSession(ctx, connect.NewRequest(&api.UpdateSessionRequest{
			SessionID: snap.Session.ID, Tax: &neg,
		}))
		if api.KindOf(err) != api.KindMalformed {
			t.Errorf("expected malformed, got %v", err)
		}
	})
}

func TestClaim_Idempotent(t *testing.T) {
	env := setupTestServer(t)
	snap, alice, _ := createDinner(t, env)
	c := env.client("device-alice")
	pizza := snap.Items[0].ID

	if !claim(t, c, snap.Session.ID, pizza, alice).Created {
		t.Error("first claim should report created")
	}
	if claim(t, c, snap.Session.ID, pizza, alice).Created {
		t.Error("second claim should report existing")
	}

	resp, err := c.GetSession(context.Background(), connect.NewRequest(&api.GetSessionRequest{SessionID: snap.Session.ID}))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if n := len(resp.Msg.Snapshot.Item(pizza).Claims); n != 1 {
		t.Errorf("expected 1 claim, got %d", n)
	}

	claims := env.metrics.Claims()
	if got := testutil.ToFloat64(claims.WithLabelValues(metrics.ClaimCreated)); got != 1 {
		t.Errorf("created claims metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(claims.WithLabelValues(metrics.ClaimExisting)); got != 1 {
		t.Errorf("existing claims metric = %v, want 1", got)
	}
}

func TestClaim_CrossSessionTargets(t *testing.T) {
	env := setupTestServer(t)
	first, alice, _ := createDinner(t, env)
	second, _, _ := createDinner(t, env)
	c := env.client("device-alice")
	ctx := context.Background()

	tests := []struct {
		name      string
		sessionID string
		itemID    string
		memberID  string
		want      connect.Code
	}{
		{"item from another session", first.Session.ID, second.Items[0].ID, alice, connect.CodeNotFound},
		{"member from another session", second.Session.ID, second.Items[0].ID, alice, connect.CodeNotFound},
		{"unknown item", first.Session.ID, "no-such-item", alice, connect.CodeNotFound},
		{"unknown member", first.Session.ID, first.Items[0].ID, "no-such-member", connect.CodeNotFound},
		{"missing ids", first.Session.ID, "", alice, connect.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Claim(ctx, connect.NewRequest(&api.ClaimRequest{
				SessionID: tt.sessionID, ItemID: tt.itemID, MemberID: tt.memberID,
			}))
			if connect.CodeOf(err) != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClaim_ExclusivePolicy(t *testing.T) {
	env := setupTestServer(t, sqlite.WithClaimPolicy(storage.PolicyExclusive))
	snap, alice, bob := createDinner(t, env)
	beer := snap.Items[1].ID

	claim(t, env.client("device-alice"), snap.Session.ID, beer, alice)

	_, err := env.client("device-bob").Claim(context.Background(), connect.NewRequest(&api.ClaimRequest{
		SessionID: snap.Session.ID, ItemID: beer, MemberID: bob,
	}))
	if connect.CodeOf(err) != connect.CodeAborted {
		t.Fatalf("expected aborted (409), got %v", err)
	}
	if api.KindOf(err) != api.KindConflict {
		t.Errorf("expected conflict kind, got %q", api.KindOf(err))
	}

	if got := testutil.ToFloat64(env.metrics.Claims().WithLabelValues(metrics.ClaimConflict)); got != 1 {
		t.Errorf("conflict metric = %v, want 1", got)
	}
}

func TestUnclaim(t *testing.T) {
	env := setupTestServer(t)
	snap, alice, _ := createDinner(t, env)
	c := env.client("device-alice")
	ctx := context.Background()
	pizza := snap.Items[0].ID

	req := &api.UnclaimRequest{SessionID: snap.Session.ID, ItemID: pizza, MemberID: alice}

	resp, err := c.Unclaim(ctx, connect.NewRequest(req))
	if err != nil {
		t.Fatalf("Unclaim of absent claim failed: %v", err)
	}
	if resp.Msg.Removed {
		t.Error("absent claim should not report removed")
	}

	claim(t, c, snap.Session.ID, pizza, alice)
	resp, err = c.Unclaim(ctx, connect.NewRequest(req))
	if err != nil {
		t.Fatalf("Unclaim failed: %v", err)
	}
	if !resp.Msg.Removed {
		t.Error("existing claim should report removed")
	}
}

func TestSubscribe_StreamsChanges(t *testing.T) {
	env := setupTestServer(t)
	snap, alice, _ := createDinner(t, env)
	other, _, _ := createDinner(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := env.client("device-bob").Subscribe(ctx, connect.NewRequest(&api.SubscribeRequest{SessionID: snap.Session.ID}))
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool { return env.relay.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	tip := dec("1.00")
	_, err = env.client("device-alice").UpdateSession(context.Background(), connect.NewRequest(&api.UpdateSessionRequest{
		SessionID: other.Session.ID, Tip: &tip,
	}))
	require.NoError(t, err)
	claim(t, env.client("device-alice"), snap.Session.ID, snap.Items[0].ID, alice)

	// The other session's update is filtered out; the claim arrives.
	require.True(t, stream.Receive(), "stream ended: %v", stream.Err())
	change := stream.Msg()
	require.Equal(t, feed.TableClaims, change.Table)
	require.Equal(t, feed.KindInsert, change.Kind)
	require.Equal(t, snap.Items[0].ID, change.Row().ItemID)

	cancel()
	require.Eventually(t, func() bool { return env.relay.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_UnknownSession(t *testing.T) {
	env := setupTestServer(t)

	stream, err := env.client("").Subscribe(context.Background(), connect.NewRequest(&api.SubscribeRequest{SessionID: "missing"}))
	require.NoError(t, err)
	defer stream.Close()

	require.False(t, stream.Receive())
	require.Equal(t, connect.CodeNotFound, connect.CodeOf(stream.Err()))
}
