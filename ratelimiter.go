package main

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SendOptions influence pacing for one queued send.
type SendOptions struct {
	IsGroup  bool
	HasMedia bool
}

// RateDecision is the structured outcome of a quota check. Rejections carry
// the reason token and a retry-after hint; they are never errors.
type RateDecision struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	WaitTime time.Duration `json:"waitTimeMs,omitempty"`
}

// Rejection reason tokens, first failing check wins.
const (
	ReasonMinuteLimit       = "minute_limit_reached"
	ReasonHourLimit         = "hour_limit_reached"
	ReasonDayLimit          = "day_limit_reached"
	ReasonRecipientLimit    = "recipient_daily_limit"
	ReasonDuplicateMessage  = "duplicate_message"
	ReasonNewContactCaution = "new_recipient_caution"
)

// RateWindowStatus reports live usage of one quota window.
type RateWindowStatus struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// RateStatus is the per-session snapshot exposed over the API.
type RateStatus struct {
	Minute     RateWindowStatus `json:"minute"`
	Hour       RateWindowStatus `json:"hour"`
	Day        RateWindowStatus `json:"day"`
	Recipients int              `json:"recipients"`
}

// quotaState is the bookkeeping for one session: the global send timestamp
// sequence, per-recipient sequences and the duplicate-fingerprint map.
// Entries older than 24h are purged on every write.
type quotaState struct {
	sends        []time.Time
	perRecipient map[string][]time.Time
	fingerprints map[string]time.Time
}

// RateLimiter tracks sliding-window quotas and computes human-like send
// pacing for every session. Pure bookkeeping; it never performs I/O.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      *Config
	sessions map[string]*quotaState

	// test hooks
	now       func() time.Time
	randFloat func() float64

	// idleCheck reports whether a session's send queue is empty with no
	// active worker; the sweeper only evicts bookkeeping for such sessions.
	idleCheck func(sessionID string) bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(cfg *Config) *RateLimiter {
	return &RateLimiter{
		cfg:       cfg,
		sessions:  make(map[string]*quotaState),
		now:       time.Now,
		randFloat: rand.Float64,
		stop:      make(chan struct{}),
	}
}

// SetIdleCheck wires the send queue's idleness probe used by the sweeper.
func (rl *RateLimiter) SetIdleCheck(fn func(sessionID string) bool) {
	rl.mu.Lock()
	rl.idleCheck = fn
	rl.mu.Unlock()
}

func (rl *RateLimiter) state(sessionID string) *quotaState {
	st, ok := rl.sessions[sessionID]
	if !ok {
		st = &quotaState{
			perRecipient: make(map[string][]time.Time),
			fingerprints: make(map[string]time.Time),
		}
		rl.sessions[sessionID] = st
	}
	return st
}

// CanSend evaluates, in order: global minute/hour/day windows, the
// per-recipient daily cap, duplicate suppression and the new-recipient
// caution rule. The first failing check wins.
func (rl *RateLimiter) CanSend(sessionID, recipient, message string) RateDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.state(sessionID)

	if d, violated := rl.checkWindow(st, now, time.Minute, rl.cfg.MessagesPerMinute, ReasonMinuteLimit); violated {
		return d
	}
	if countSince(st.sends, now.Add(-time.Hour)) >= rl.cfg.MessagesPerHour {
		return RateDecision{Reason: ReasonHourLimit, WaitTime: rl.cfg.RateLimitWaitDefault}
	}
	if countSince(st.sends, now.Add(-24*time.Hour)) >= rl.cfg.MessagesPerDay {
		return RateDecision{Reason: ReasonDayLimit, WaitTime: rl.cfg.RateLimitWaitDefault}
	}

	history := st.perRecipient[recipient]
	if countSince(history, now.Add(-24*time.Hour)) >= rl.cfg.PerRecipientDaily {
		return RateDecision{Reason: ReasonRecipientLimit, WaitTime: rl.cfg.RateLimitWaitDefault}
	}

	if fp := fingerprint(message); fp != "" {
		if last, ok := st.fingerprints[fp]; ok && now.Sub(last) < rl.cfg.DuplicateCooldown {
			return RateDecision{Reason: ReasonDuplicateMessage, WaitTime: rl.cfg.RateLimitWaitDefault}
		}
	}

	if len(history) == 0 && countSince(st.sends, now.Add(-time.Minute)) > rl.cfg.NewContactCautionAt {
		return RateDecision{Reason: ReasonNewContactCaution, WaitTime: rl.cfg.RateLimitWaitDefault}
	}

	return RateDecision{Allowed: true}
}

// checkWindow rejects when the window is full, deriving the wait from the
// oldest timestamp still inside the window plus a fixed buffer.
func (rl *RateLimiter) checkWindow(st *quotaState, now time.Time, window time.Duration, limit int, reason string) (RateDecision, bool) {
	cutoff := now.Add(-window)
	if countSince(st.sends, cutoff) < limit {
		return RateDecision{}, false
	}
	wait := rl.cfg.RateLimitWaitDefault
	for _, ts := range st.sends {
		if ts.After(cutoff) {
			wait = ts.Add(window).Sub(now) + rl.cfg.RateLimitWaitBuffer
			break
		}
	}
	return RateDecision{Reason: reason, WaitTime: wait}, true
}

// CalculateDelay derives the pre-send pause: a randomized base, a typing
// simulation term proportional to message length, surcharges for media and
// group recipients, and a progressive penalty once the trailing-minute
// volume exceeds the burst threshold.
func (rl *RateLimiter) CalculateDelay(sessionID, message string, opts SendOptions) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg := rl.cfg
	delay := cfg.MinSendDelay
	if spread := cfg.MaxSendDelay - cfg.MinSendDelay; spread > 0 {
		delay += time.Duration(rl.randFloat() * float64(spread))
	}

	typing := time.Duration(len([]rune(message))) * cfg.TypingDelayPerChr
	if typing > cfg.TypingDelayCap {
		typing = cfg.TypingDelayCap
	}
	delay += typing

	if opts.HasMedia {
		delay += cfg.MediaSurcharge
	}
	if opts.IsGroup {
		delay += cfg.GroupSurcharge
	}

	st := rl.state(sessionID)
	recent := countSince(st.sends, rl.now().Add(-time.Minute))
	if recent > cfg.BurstPenaltyAfter {
		delay += time.Duration(recent-cfg.BurstPenaltyAfter) * cfg.BurstPenaltyStep
	}
	return delay
}

// RecordSend appends the send to every tracked sequence and purges entries
// older than 24 hours for the session.
func (rl *RateLimiter) RecordSend(sessionID, recipient, message string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.state(sessionID)
	st.sends = append(st.sends, now)
	st.perRecipient[recipient] = append(st.perRecipient[recipient], now)
	if fp := fingerprint(message); fp != "" {
		st.fingerprints[fp] = now
	}
	purgeState(st, now.Add(-24*time.Hour))
}

// Reset drops all quota bookkeeping for a session.
func (rl *RateLimiter) Reset(sessionID string) {
	rl.mu.Lock()
	delete(rl.sessions, sessionID)
	rl.mu.Unlock()
	log.Debug().Str("sessionID", sessionID).Msg("Rate limit state reset")
}

// Status snapshots current window usage for a session.
func (rl *RateLimiter) Status(sessionID string) RateStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.state(sessionID)
	return RateStatus{
		Minute:     RateWindowStatus{Used: countSince(st.sends, now.Add(-time.Minute)), Limit: rl.cfg.MessagesPerMinute},
		Hour:       RateWindowStatus{Used: countSince(st.sends, now.Add(-time.Hour)), Limit: rl.cfg.MessagesPerHour},
		Day:        RateWindowStatus{Used: countSince(st.sends, now.Add(-24*time.Hour)), Limit: rl.cfg.MessagesPerDay},
		Recipients: len(st.perRecipient),
	}
}

// StartSweeper runs the hourly cleanup in the background until Stop.
func (rl *RateLimiter) StartSweeper() {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// sweep purges stale entries everywhere and evicts bookkeeping for sessions
// that are provably idle: empty queue, no active worker, no send inside the
// last 24 hours.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-24 * time.Hour)
	evicted := 0
	for id, st := range rl.sessions {
		purgeState(st, cutoff)
		if len(st.sends) == 0 && rl.idleCheck != nil && rl.idleCheck(id) {
			delete(rl.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Evicted idle rate limit state")
	}
}

func purgeState(st *quotaState, cutoff time.Time) {
	st.sends = dropBefore(st.sends, cutoff)
	for r, seq := range st.perRecipient {
		seq = dropBefore(seq, cutoff)
		if len(seq) == 0 {
			delete(st.perRecipient, r)
		} else {
			st.perRecipient[r] = seq
		}
	}
	for fp, ts := range st.fingerprints {
		if ts.Before(cutoff) {
			delete(st.fingerprints, fp)
		}
	}
}

func dropBefore(seq []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(seq) && !seq[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return seq
	}
	return append(seq[:0:0], seq[i:]...)
}

func countSince(seq []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i].After(cutoff) {
			n++
		} else {
			break
		}
	}
	return n
}

// fingerprint normalizes a message body for duplicate suppression: case
// folded, whitespace stripped, truncated to 50 characters. Distinct long
// messages sharing a prefix will collide; accepted limitation.
func fingerprint(message string) string {
	folded := strings.ToLower(message)
	var b strings.Builder
	count := 0
	for _, r := range folded {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
		count++
		if count == 50 {
			break
		}
	}
	return b.String()
}
