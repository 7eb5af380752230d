package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type managerFixture struct {
	manager *SessionManager
	queue   *SendQueue
	limiter *RateLimiter

	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newManagerFixture(cfg *Config) *managerFixture {
	f := &managerFixture{conns: make(map[string]*fakeConn)}
	factory := func(tenantID string) (Connection, error) {
		conn := newFakeConn()
		f.mu.Lock()
		f.conns[tenantID] = conn
		f.mu.Unlock()
		return conn, nil
	}
	f.limiter = NewRateLimiter(cfg)
	f.queue = NewSendQueue(f.limiter)
	f.manager = NewSessionManager(cfg, factory, f.limiter, f.queue)
	return f
}

func (f *managerFixture) conn(tenantID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[tenantID]
}

// createReady drives a fresh session to READY by emitting the ready event as
// soon as the factory has produced the connection.
func (f *managerFixture) createReady(t *testing.T, tenantID string) *Session {
	t.Helper()
	go func() {
		for {
			if conn := f.conn(tenantID); conn != nil {
				conn.events <- EventReady{Info: SessionIdentity{Name: "Test", Platform: "whatsapp", Phone: "5511999"}}
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	sess, err := f.manager.CreateOrGetSession(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("CreateOrGetSession: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("session never reached READY, state=%s", sess.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	return sess
}

func TestBackoffDelayDoubles(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for attempt, expected := range want {
		if got := backoffDelay(base, attempt); got != expected {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}
}

func TestComputeHealthScore(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	cases := []struct {
		name         string
		connState    string
		status       SessionState
		lastActivity time.Time
		errors       int64
		want         int
	}{
		{"everything healthy", ConnectionStateConnected, StateReady, fresh, 0, 100},
		{"connection down", ConnectionStateDisconnected, StateReady, fresh, 0, 50},
		{"connection down and stale", ConnectionStateDisconnected, StateReady, stale, 0, 35},
		{"status weight only with errors", ConnectionStateDisconnected, StateReady, stale, 20, 25},
		{"degraded everywhere", ConnectionStateDisconnected, StateDisconnected, stale, 20, 0},
		{"connected but idle and erroring", ConnectionStateConnected, StateInitializing, stale, 20, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeHealthScore(cfg, tc.connState, tc.status, tc.lastActivity, tc.errors, now)
			if got != tc.want {
				t.Fatalf("score = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCreateSessionBecomesReadyAndIsReused(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	sess := f.createReady(t, "tenant")

	status, err := f.manager.Status("tenant")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateReady || status.Identity == nil || status.Identity.Phone != "5511999" {
		t.Fatalf("status = %+v, want READY with identity", status)
	}

	again, err := f.manager.CreateOrGetSession(context.Background(), "tenant")
	if err != nil {
		t.Fatalf("second CreateOrGetSession: %v", err)
	}
	if again != sess {
		t.Fatal("healthy session must be reused, not recreated")
	}
	if connects, _, _ := f.conn("tenant").stats(); connects != 1 {
		t.Fatalf("connect calls = %d, want 1", connects)
	}
}

func TestCreateSessionInitializationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InitTimeout = 100 * time.Millisecond
	f := newManagerFixture(cfg)

	_, err := f.manager.CreateOrGetSession(context.Background(), "tenant")
	if !errors.Is(err, ErrInitializationTimeout) {
		t.Fatalf("err = %v, want ErrInitializationTimeout", err)
	}
	if _, ok := f.manager.GetSession("tenant"); ok {
		t.Fatal("timed-out session must be removed")
	}
	if _, _, destroyed := f.conn("tenant").stats(); !destroyed {
		t.Fatal("timed-out connection must be destroyed")
	}
}

func TestLowHealthWhileReadyReconnectsOnce(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	sess := f.createReady(t, "tenant")
	conn := f.conn("tenant")
	conn.setConnState(ConnectionStateDisconnected)
	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	f.manager.healthTick(sess)

	if state := sess.State(); state != StateReconnecting {
		t.Fatalf("state = %s, want RECONNECTING", state)
	}
	sess.mu.Lock()
	attempts := sess.reconnects
	sess.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("reconnect attempts = %d, want exactly 1", attempts)
	}
	if _, ok := f.manager.GetSession("tenant"); !ok {
		t.Fatal("low health must reconnect, never destroy")
	}

	// The next tick sees a non-READY state and must not schedule another.
	f.manager.healthTick(sess)
	sess.mu.Lock()
	attempts = sess.reconnects
	sess.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("reconnect attempts after second tick = %d, want 1", attempts)
	}
}

func TestReconnectCapDestroysSession(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	sess := f.createReady(t, "tenant")
	sess.mu.Lock()
	sess.reconnects = cfg.MaxReconnects
	sess.state = StateDisconnected
	sess.mu.Unlock()

	f.manager.scheduleReconnect(sess)

	if _, ok := f.manager.GetSession("tenant"); ok {
		t.Fatal("session past the attempt cap must be destroyed")
	}
	if _, _, destroyed := f.conn("tenant").stats(); !destroyed {
		t.Fatal("connection must be destroyed with the session")
	}
}

func TestReconnectWithoutReadyRetriesUntilCap(t *testing.T) {
	cfg := testConfig()
	cfg.InitTimeout = 250 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.MaxReconnects = 2
	f := newManagerFixture(cfg)

	f.createReady(t, "tenant")
	f.conn("tenant").events <- EventDisconnected{Reason: ReasonRemoteClose}

	// Connect succeeds on every retry but the ready event never arrives.
	// The confirm window must keep the retry loop alive until the cap
	// destroys the session instead of leaving it wedged in RECONNECTING.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, ok := f.manager.GetSession("tenant")
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s instead of being retried to destruction", sess.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	connects, _, destroyed := f.conn("tenant").stats()
	if connects != 1+cfg.MaxReconnects {
		t.Fatalf("connect calls = %d, want %d (initial plus each retry)", connects, 1+cfg.MaxReconnects)
	}
	if !destroyed {
		t.Fatal("connection must be destroyed once the cap is hit")
	}
}

func TestRemoteLogoutDestroysSession(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	f.createReady(t, "tenant")
	f.conn("tenant").events <- EventDisconnected{Reason: ReasonLogout}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.manager.GetSession("tenant"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not destroyed after remote logout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, logouts, destroyed := f.conn("tenant").stats(); logouts != 1 || !destroyed {
		t.Fatalf("logouts = %d destroyed = %v, want 1 and true", logouts, destroyed)
	}
}

func TestDestroySessionFailsQueuedSends(t *testing.T) {
	cfg := testConfig()
	cfg.MinSendDelay = time.Hour // keep the worker pacing so nothing dispatches
	f := newManagerFixture(cfg)

	f.createReady(t, "tenant")

	var items []*QueuedItem
	for i := 0; i < 3; i++ {
		items = append(items, f.queue.Enqueue("tenant", recipient(i),
			OutboundMessage{Text: "queued during destroy"},
			func(ctx context.Context) (SendReceipt, error) {
				t.Error("send dispatched after destroy")
				return SendReceipt{}, nil
			}, SendOptions{}))
	}

	if err := f.manager.DestroySession("tenant"); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	for _, item := range items {
		outcome := waitOutcome(t, item)
		if !errors.Is(outcome.Err, ErrSessionDestroyed) {
			t.Fatalf("outcome err = %v, want ErrSessionDestroyed", outcome.Err)
		}
	}
	if f.manager.Count() != 0 {
		t.Fatalf("session count = %d, want 0", f.manager.Count())
	}
	if err := f.manager.DestroySession("tenant"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second destroy err = %v, want ErrSessionNotFound", err)
	}
}

func TestAuthFailurePastCapDestroys(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	sess := f.createReady(t, "tenant")
	sess.mu.Lock()
	sess.reconnects = cfg.MaxReconnects
	sess.mu.Unlock()

	f.manager.handleAuthFailure(sess, "account banned")

	if _, ok := f.manager.GetSession("tenant"); ok {
		t.Fatal("auth failure past the cap must destroy the session")
	}
}

func TestAuthFailureUnderCapSchedulesRetry(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	sess := f.createReady(t, "tenant")
	f.manager.handleAuthFailure(sess, "pairing rejected")

	if state := sess.State(); state != StateAuthFailure {
		t.Fatalf("state = %s, want AUTH_FAILURE", state)
	}
	sess.mu.Lock()
	attempts := sess.reconnects
	sess.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if _, ok := f.manager.GetSession("tenant"); !ok {
		t.Fatal("session must survive until the retry timer fires")
	}
}

func TestShutdownDestroysAllSessions(t *testing.T) {
	cfg := testConfig()
	f := newManagerFixture(cfg)

	f.createReady(t, "tenant-a")
	f.createReady(t, "tenant-b")

	f.manager.Shutdown()

	if f.manager.Count() != 0 {
		t.Fatalf("session count = %d, want 0", f.manager.Count())
	}
	for _, id := range []string{"tenant-a", "tenant-b"} {
		if _, _, destroyed := f.conn(id).stats(); !destroyed {
			t.Fatalf("connection %s not destroyed on shutdown", id)
		}
	}
}
