package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
)

// SessionState is the supervisor-owned connection state of one session.
type SessionState string

const (
	StateInitializing  SessionState = "INITIALIZING"
	StateQRPending     SessionState = "QR_PENDING"
	StateAuthenticated SessionState = "AUTHENTICATED"
	StateReady         SessionState = "READY"
	StateDegraded      SessionState = "DEGRADED"
	StateDisconnected  SessionState = "DISCONNECTED"
	StateReconnecting  SessionState = "RECONNECTING"
	StateAuthFailure   SessionState = "AUTH_FAILURE"
	StateDestroyed     SessionState = "DESTROYED"
)

// Health score weights and thresholds. The composite score is the sum of the
// weights whose probe passes; sessions at or above healthyScore are reused
// as-is, READY sessions below reconnectScore are reconnected.
const (
	healthWeightConnection = 50
	healthWeightStatus     = 25
	healthWeightActivity   = 15
	healthWeightErrors     = 10
	healthyScore           = 75
	reconnectScore         = 50
)

// SessionMetrics are cumulative per-session counters.
type SessionMetrics struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Errors   int64 `json:"errors"`
}

// Session is the supervisor-owned state for one tenant. All fields behind mu
// are mutated only by the session's dispatcher, timers and the supervisor.
type Session struct {
	ID string

	mu           sync.Mutex
	conn         Connection
	state        SessionState
	lastActivity time.Time
	healthScore  int
	reconnects   int
	metrics      SessionMetrics
	qrCode       string
	identity     *SessionIdentity

	tasks     *taskSet
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

// Connection returns the live transport handle. Only the supervisor may
// drive its lifecycle; callers use it for remote calls exclusively.
func (s *Session) Connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// State returns the current supervisor-recorded state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// SessionStatus is the API-facing snapshot of one session.
type SessionStatus struct {
	ID                string           `json:"id"`
	State             SessionState     `json:"state"`
	HealthScore       int              `json:"healthScore"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	LastActivity      time.Time        `json:"lastActivity"`
	Metrics           SessionMetrics   `json:"metrics"`
	HasQR             bool             `json:"hasQr"`
	Identity          *SessionIdentity `json:"identity,omitempty"`
	PendingSends      int              `json:"pendingSends"`
}

// NotifyFunc fans a session event out to the configured delivery channels
// (tenant webhook, AMQP).
type NotifyFunc func(sessionID, eventType string, payload map[string]interface{})

// SessionManager supervises every tenant session: it owns the connection
// objects, drives their state machines, runs health checks and keep-alive
// probes, and guarantees at most one live session per tenant.
type SessionManager struct {
	mu       sync.RWMutex
	cfg      *Config
	factory  ConnectionFactory
	limiter  *RateLimiter
	queue    *SendQueue
	notify   NotifyFunc
	sessions map[string]*Session
}

func NewSessionManager(cfg *Config, factory ConnectionFactory, limiter *RateLimiter, queue *SendQueue) *SessionManager {
	m := &SessionManager{
		cfg:      cfg,
		factory:  factory,
		limiter:  limiter,
		queue:    queue,
		sessions: make(map[string]*Session),
	}
	queue.SetSendObserver(m.observeSend)
	limiter.SetIdleCheck(queue.Idle)
	return m
}

// SetNotifier registers the event fan-out hook.
func (m *SessionManager) SetNotifier(fn NotifyFunc) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

func (m *SessionManager) emit(sessionID, eventType string, payload map[string]interface{}) {
	m.mu.RLock()
	fn := m.notify
	m.mu.RUnlock()
	if fn != nil {
		go fn(sessionID, eventType, payload)
	}
}

// CreateOrGetSession is idempotent: an existing session scoring at least
// healthyScore is returned unchanged; an unhealthy one is destroyed and
// recreated. Fresh sessions are connected under a bounded timeout and fail
// with ErrInitializationTimeout when the remote side never leaves the
// initializing state.
func (m *SessionManager) CreateOrGetSession(ctx context.Context, tenantID string) (*Session, error) {
	m.mu.RLock()
	existing := m.sessions[tenantID]
	m.mu.RUnlock()

	if existing != nil {
		score := m.checkHealth(existing)
		if score >= healthyScore {
			log.Debug().Str("sessionID", tenantID).Int("score", score).Msg("Reusing healthy session")
			return existing, nil
		}
		log.Warn().Str("sessionID", tenantID).Int("score", score).Msg("Existing session unhealthy, recreating")
		if err := m.DestroySession(tenantID); err != nil {
			log.Error().Err(err).Str("sessionID", tenantID).Msg("Failed to destroy unhealthy session")
		}
	}

	conn, err := m.factory(tenantID)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	sess := &Session{
		ID:           tenantID,
		conn:         conn,
		state:        StateInitializing,
		lastActivity: time.Now(),
		tasks:        newTaskSet(),
		done:         make(chan struct{}),
		createdAt:    time.Now(),
	}

	m.mu.Lock()
	if raced := m.sessions[tenantID]; raced != nil {
		m.mu.Unlock()
		conn.Destroy()
		return raced, nil
	}
	m.sessions[tenantID] = sess
	m.mu.Unlock()

	go m.dispatchLoop(sess)

	if err := conn.Connect(ctx); err != nil {
		_ = m.DestroySession(tenantID)
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := m.awaitInitialized(ctx, sess); err != nil {
		_ = m.DestroySession(tenantID)
		return nil, err
	}

	m.startHealthCheck(sess)
	m.startKeepAlive(sess)

	log.Info().Str("sessionID", tenantID).Str("state", string(sess.State())).Msg("Session created")
	return sess, nil
}

// awaitInitialized waits until the session reaches a ready-adjacent state
// (QR pending, authenticated or ready) or the init timeout expires.
func (m *SessionManager) awaitInitialized(ctx context.Context, sess *Session) error {
	deadline := time.NewTimer(m.cfg.InitTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		switch sess.State() {
		case StateInitializing:
		case StateDestroyed:
			return ErrSessionDestroyed
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrInitializationTimeout
		case <-poll.C:
		}
	}
}

// dispatchLoop consumes the connection's lifecycle events until the session
// is torn down. It is the only goroutine transitioning session state from
// remote events, so transitions are exhaustively matched in one place.
func (m *SessionManager) dispatchLoop(sess *Session) {
	events := sess.conn.Events()
	for {
		select {
		case <-sess.done:
			return
		case evt := <-events:
			m.dispatch(sess, evt)
		}
	}
}

func (m *SessionManager) dispatch(sess *Session, evt LifecycleEvent) {
	switch e := evt.(type) {
	case EventQR:
		sess.mu.Lock()
		sess.state = StateQRPending
		sess.qrCode = e.Code
		sess.touch()
		sess.mu.Unlock()
		if m.cfg.QRInTerminal {
			qrterminal.GenerateHalfBlock(e.Code, qrterminal.L, os.Stdout)
		}
		log.Info().Str("sessionID", sess.ID).Msg("QR challenge received")
		m.emit(sess.ID, "QR", map[string]interface{}{"code": e.Code})

	case EventAuthenticated:
		sess.mu.Lock()
		sess.state = StateAuthenticated
		sess.qrCode = ""
		sess.touch()
		sess.mu.Unlock()
		log.Info().Str("sessionID", sess.ID).Msg("Session authenticated")
		m.emit(sess.ID, "Authenticated", nil)

	case EventReady:
		sess.mu.Lock()
		sess.state = StateReady
		sess.qrCode = ""
		info := e.Info
		sess.identity = &info
		sess.reconnects = 0
		sess.touch()
		sess.mu.Unlock()
		log.Info().Str("sessionID", sess.ID).Str("phone", e.Info.Phone).Msg("Session ready")
		m.emit(sess.ID, "Ready", map[string]interface{}{
			"name": e.Info.Name, "platform": e.Info.Platform, "phone": e.Info.Phone,
		})

	case EventDisconnected:
		m.handleDisconnect(sess, e.Reason)

	case EventAuthFailure:
		m.handleAuthFailure(sess, e.Message)

	case EventMessage:
		sess.mu.Lock()
		sess.metrics.Received++
		sess.touch()
		sess.mu.Unlock()
		m.emit(sess.ID, "Message", map[string]interface{}{"from": e.From, "id": e.MessageID})

	case EventMessageAck:
		sess.mu.Lock()
		sess.touch()
		sess.mu.Unlock()
		m.emit(sess.ID, "MessageAck", map[string]interface{}{"id": e.MessageID, "level": e.Level})

	case EventError:
		sess.mu.Lock()
		sess.metrics.Errors++
		sess.mu.Unlock()
		log.Warn().Err(e.Err).Str("sessionID", sess.ID).Msg("Connection error")
	}
}

// handleDisconnect routes a disconnect: logout destroys immediately, any
// other reason schedules reconnection with exponential backoff.
func (m *SessionManager) handleDisconnect(sess *Session, reason DisconnectReason) {
	if reason == ReasonLogout {
		log.Info().Str("sessionID", sess.ID).Msg("Remote logout, destroying session")
		_ = m.DestroySession(sess.ID)
		return
	}

	sess.mu.Lock()
	if sess.state == StateReconnecting || sess.state == StateDestroyed {
		sess.mu.Unlock()
		return
	}
	sess.state = StateDisconnected
	sess.mu.Unlock()

	log.Warn().Str("sessionID", sess.ID).Str("reason", string(reason)).Msg("Session disconnected")
	m.emit(sess.ID, "Disconnected", map[string]interface{}{"reason": string(reason)})
	m.scheduleReconnect(sess)
}

// scheduleReconnect arms the backoff timer for the next attempt, or destroys
// the session once the attempt cap is reached.
func (m *SessionManager) scheduleReconnect(sess *Session) {
	sess.mu.Lock()
	if sess.state == StateDestroyed {
		sess.mu.Unlock()
		return
	}
	attempt := sess.reconnects
	if attempt >= m.cfg.MaxReconnects {
		sess.mu.Unlock()
		log.Error().Str("sessionID", sess.ID).Int("attempts", attempt).Msg("Reconnect attempts exhausted, destroying session")
		_ = m.DestroySession(sess.ID)
		return
	}
	sess.reconnects++
	sess.state = StateReconnecting
	sess.mu.Unlock()

	delay := backoffDelay(m.cfg.ReconnectBaseDelay, attempt)
	log.Info().
		Str("sessionID", sess.ID).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("Reconnect scheduled")

	sess.tasks.After("reconnect", delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout)
		defer cancel()
		if err := sess.conn.Connect(ctx); err != nil {
			log.Warn().Err(err).Str("sessionID", sess.ID).Msg("Reconnect attempt failed")
			sess.mu.Lock()
			sess.metrics.Errors++
			sess.state = StateDisconnected
			sess.mu.Unlock()
			m.scheduleReconnect(sess)
			return
		}
		// A successful Connect is not a recovery yet; the Ready event is,
		// and it resets the attempt counter. Require it within the init
		// window or try again.
		sess.tasks.After("reconnect-confirm", m.cfg.InitTimeout, func() {
			if sess.State() != StateReconnecting {
				return
			}
			log.Warn().Str("sessionID", sess.ID).Msg("Reconnected transport never became ready")
			sess.mu.Lock()
			sess.state = StateDisconnected
			sess.mu.Unlock()
			m.scheduleReconnect(sess)
		})
	})
}

// backoffDelay is base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// handleAuthFailure optionally wipes stored credentials and schedules a
// fresh session, but only while still under the reconnect-attempt cap.
func (m *SessionManager) handleAuthFailure(sess *Session, message string) {
	sess.mu.Lock()
	sess.state = StateAuthFailure
	sess.metrics.Errors++
	attempt := sess.reconnects
	sess.mu.Unlock()

	log.Error().Str("sessionID", sess.ID).Str("message", message).Msg("Authentication failure")
	m.emit(sess.ID, "AuthFailure", map[string]interface{}{"message": message})

	if attempt >= m.cfg.MaxReconnects {
		_ = m.DestroySession(sess.ID)
		return
	}

	if m.cfg.WipeCredsOnFail {
		if wiper, ok := sess.conn.(credentialWiper); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := wiper.WipeCredentials(ctx); err != nil {
				log.Error().Err(err).Str("sessionID", sess.ID).Msg("Failed to wipe credentials")
			}
			cancel()
		}
	}

	sess.mu.Lock()
	sess.reconnects++
	sess.mu.Unlock()

	tenantID := sess.ID
	sess.tasks.After("auth-retry", m.cfg.AuthRetryDelay, func() {
		_ = m.DestroySession(tenantID)
		if _, err := m.CreateOrGetSession(context.Background(), tenantID); err != nil {
			log.Error().Err(err).Str("sessionID", tenantID).Msg("Session recreation after auth failure failed")
		}
	})
}

func (m *SessionManager) startHealthCheck(sess *Session) {
	sess.tasks.Every("health", m.cfg.HealthInterval, func() {
		m.healthTick(sess)
	})
}

// healthTick runs one health probe. A READY session scoring below the
// reconnect threshold is degraded and reconnected, never destroyed here.
func (m *SessionManager) healthTick(sess *Session) {
	score := m.checkHealth(sess)
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state == StateReady && score < reconnectScore {
		log.Warn().Str("sessionID", sess.ID).Int("score", score).Msg("Health below reconnect threshold")
		sess.mu.Lock()
		sess.state = StateDegraded
		sess.mu.Unlock()
		m.scheduleReconnect(sess)
	}
}

func (m *SessionManager) startKeepAlive(sess *Session) {
	sess.tasks.Every("keepalive", m.cfg.KeepAliveInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		state, err := sess.conn.GetConnectionState(ctx)
		cancel()
		if err != nil || state != ConnectionStateConnected {
			log.Warn().Err(err).Str("sessionID", sess.ID).Str("state", state).Msg("Keep-alive probe failed")
			m.handleDisconnect(sess, ReasonKeepAlive)
		}
	})
}

// checkHealth runs the composite probe and records the score on the session.
func (m *SessionManager) checkHealth(sess *Session) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	connState, err := sess.conn.GetConnectionState(ctx)
	cancel()
	if err != nil {
		connState = ""
	}

	sess.mu.Lock()
	score := computeHealthScore(m.cfg, connState, sess.state, sess.lastActivity, sess.metrics.Errors, time.Now())
	sess.healthScore = score
	sess.mu.Unlock()
	return score
}

// computeHealthScore is the additive point system: live connection state,
// supervisor-recorded status, activity recency and error count.
func computeHealthScore(cfg *Config, connState string, status SessionState, lastActivity time.Time, errors int64, now time.Time) int {
	score := 0
	if connState == ConnectionStateConnected {
		score += healthWeightConnection
	}
	if status == StateReady || status == StateAuthenticated {
		score += healthWeightStatus
	}
	if now.Sub(lastActivity) < cfg.InactivityTimeout {
		score += healthWeightActivity
	}
	if errors < cfg.ErrorThreshold {
		score += healthWeightErrors
	}
	return score
}

// observeSend updates session metrics for every dispatched queue item and
// publishes a send report.
func (m *SessionManager) observeSend(item *QueuedItem, receipt SendReceipt, err error) {
	m.mu.RLock()
	sess := m.sessions[item.SessionID]
	m.mu.RUnlock()
	if sess != nil {
		sess.mu.Lock()
		if err == nil {
			sess.metrics.Sent++
		} else {
			sess.metrics.Errors++
		}
		sess.touch()
		sess.mu.Unlock()
	}
	payload := map[string]interface{}{
		"itemId":    item.ID,
		"recipient": item.Recipient,
		"success":   err == nil,
	}
	if err == nil {
		payload["messageId"] = receipt.ID
	} else {
		payload["error"] = err.Error()
	}
	m.emit(item.SessionID, "SendReport", payload)
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetSession returns the live session for a tenant, if any.
func (m *SessionManager) GetSession(tenantID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[tenantID]
	return sess, ok
}

// Status snapshots a session for the API.
func (m *SessionManager) Status(tenantID string) (SessionStatus, error) {
	sess, ok := m.GetSession(tenantID)
	if !ok {
		return SessionStatus{}, ErrSessionNotFound
	}
	sess.mu.Lock()
	st := SessionStatus{
		ID:                sess.ID,
		State:             sess.state,
		HealthScore:       sess.healthScore,
		ReconnectAttempts: sess.reconnects,
		LastActivity:      sess.lastActivity,
		Metrics:           sess.metrics,
		HasQR:             sess.qrCode != "",
		Identity:          sess.identity,
	}
	sess.mu.Unlock()
	st.PendingSends = m.queue.Pending(tenantID)
	return st, nil
}

// QRCode returns the current QR challenge payload, empty when none pending.
func (m *SessionManager) QRCode(tenantID string) (string, error) {
	sess, ok := m.GetSession(tenantID)
	if !ok {
		return "", ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.qrCode, nil
}

// ResetSession clears the session's quota bookkeeping and fails every queued
// send with ErrSessionReset. The connection itself is left untouched.
func (m *SessionManager) ResetSession(tenantID string) {
	m.limiter.Reset(tenantID)
	m.queue.Reset(tenantID, ErrSessionReset)
	log.Info().Str("sessionID", tenantID).Msg("Session reset")
}

// DestroySession stops all periodic work, best-effort logs out, tears the
// connection down and removes every trace of the session. Teardown step
// failures are logged, never fatal.
func (m *SessionManager) DestroySession(tenantID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.teardown(sess)
	return nil
}

func (m *SessionManager) teardown(sess *Session) {
	sess.tasks.StopAll()
	sess.closeOnce.Do(func() { close(sess.done) })

	m.queue.Reset(sess.ID, ErrSessionDestroyed)
	m.limiter.Reset(sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sess.conn.Logout(ctx); err != nil {
		log.Debug().Err(err).Str("sessionID", sess.ID).Msg("Logout failed during teardown")
	}
	cancel()
	sess.conn.Destroy()

	sess.mu.Lock()
	sess.state = StateDestroyed
	sess.mu.Unlock()

	log.Info().Str("sessionID", sess.ID).Msg("Session destroyed")
	m.emit(sess.ID, "SessionDestroyed", nil)
}

// Shutdown tears down every session concurrently. Individual teardown
// failures never block the others.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.teardown(s)
		}(sess)
	}
	wg.Wait()
	log.Info().Int("sessions", len(all)).Msg("All sessions shut down")
}

// taskSet is the per-session scheduler: named cancellable one-shot timers
// and periodic loops, so teardown can deterministically cancel everything.
type taskSet struct {
	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
	loops   map[string]chan struct{}
}

func newTaskSet() *taskSet {
	return &taskSet{
		timers: make(map[string]*time.Timer),
		loops:  make(map[string]chan struct{}),
	}
}

// After arms a named one-shot timer, replacing any previous timer with the
// same name.
func (t *taskSet) After(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if old, ok := t.timers[name]; ok {
		old.Stop()
	}
	t.timers[name] = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.timers, name)
		t.mu.Unlock()
		fn()
	})
	t.mu.Unlock()
}

// Every runs fn on a fixed interval until the set is stopped. At most one
// loop per name.
func (t *taskSet) Every(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if _, ok := t.loops[name]; ok {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.loops[name] = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// StopAll cancels every timer and loop; the set refuses new work afterwards.
func (t *taskSet) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
	for name, stop := range t.loops {
		close(stop)
		delete(t.loops, name)
	}
}
