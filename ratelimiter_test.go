package main

import (
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(cfg *Config) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(cfg)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := &current
	rl.now = func() time.Time { return *now }
	rl.randFloat = func() float64 { return 0 }
	return rl, now
}

func recipient(i int) string {
	return fmt.Sprintf("55119%07d@s.whatsapp.net", i)
}

func TestMinuteWindowRejectsOverLimit(t *testing.T) {
	cfg := testConfig()
	rl, now := newTestLimiter(cfg)

	start := *now
	for i := 0; i < cfg.MessagesPerMinute; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		rl.RecordSend("tenant", recipient(i), fmt.Sprintf("message number %d", i))
	}

	*now = start.Add(30 * time.Second)
	d := rl.CanSend("tenant", recipient(0), "one more message")
	if d.Allowed {
		t.Fatal("expected rejection after filling the minute window")
	}
	if d.Reason != ReasonMinuteLimit {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonMinuteLimit)
	}
	// Oldest send leaves the window at start+60s; add the configured buffer.
	want := 30*time.Second + cfg.RateLimitWaitBuffer
	if d.WaitTime != want {
		t.Fatalf("wait = %v, want %v", d.WaitTime, want)
	}

	*now = start.Add(90 * time.Second)
	if d := rl.CanSend("tenant", recipient(0), "after the window"); !d.Allowed {
		t.Fatalf("expected allowance after window passed, got %q", d.Reason)
	}
}

func TestHourAndDayWindows(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerMinute = 1000
	cfg.MessagesPerHour = 30
	rl, _ := newTestLimiter(cfg)

	for i := 0; i < 30; i++ {
		rl.RecordSend("tenant", recipient(i), fmt.Sprintf("hour msg %d", i))
	}
	d := rl.CanSend("tenant", recipient(100), "over the hour cap")
	if d.Allowed || d.Reason != ReasonHourLimit {
		t.Fatalf("decision = %+v, want hour limit rejection", d)
	}
	if d.WaitTime != cfg.RateLimitWaitDefault {
		t.Fatalf("wait = %v, want default %v", d.WaitTime, cfg.RateLimitWaitDefault)
	}

	cfg2 := testConfig()
	cfg2.MessagesPerMinute = 1000
	cfg2.MessagesPerHour = 1000
	cfg2.MessagesPerDay = 40
	rl2, now2 := newTestLimiter(cfg2)
	start := *now2
	for i := 0; i < 40; i++ {
		*now2 = start.Add(time.Duration(i) * time.Minute)
		rl2.RecordSend("tenant", recipient(i), fmt.Sprintf("day msg %d", i))
	}
	d = rl2.CanSend("tenant", recipient(100), "over the day cap")
	if d.Allowed || d.Reason != ReasonDayLimit {
		t.Fatalf("decision = %+v, want day limit rejection", d)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	cfg := testConfig()
	rl, now := newTestLimiter(cfg)

	rl.RecordSend("tenant", recipient(1), "Hello World, special offer!")

	d := rl.CanSend("tenant", recipient(2), "hello   WORLD, special offer!")
	if d.Allowed || d.Reason != ReasonDuplicateMessage {
		t.Fatalf("decision = %+v, want duplicate rejection", d)
	}

	*now = now.Add(cfg.DuplicateCooldown + time.Minute)
	if d := rl.CanSend("tenant", recipient(2), "hello world, special offer!"); !d.Allowed {
		t.Fatalf("expected allowance after cooldown, got %q", d.Reason)
	}
}

func TestAttachmentOnlyMessagesAreNotDuplicates(t *testing.T) {
	rl, _ := newTestLimiter(testConfig())

	rl.RecordSend("tenant", recipient(1), "")
	if d := rl.CanSend("tenant", recipient(2), ""); !d.Allowed {
		t.Fatalf("empty-body sends must not trip duplicate suppression, got %q", d.Reason)
	}
}

func TestPerRecipientDailyCap(t *testing.T) {
	cfg := testConfig()
	rl, now := newTestLimiter(cfg)

	start := *now
	for i := 0; i < cfg.PerRecipientDaily; i++ {
		*now = start.Add(time.Duration(i) * time.Minute)
		rl.RecordSend("tenant", recipient(7), fmt.Sprintf("follow-up %d", i))
	}

	d := rl.CanSend("tenant", recipient(7), "one follow-up too many")
	if d.Allowed || d.Reason != ReasonRecipientLimit {
		t.Fatalf("decision = %+v, want per-recipient rejection", d)
	}

	if d := rl.CanSend("tenant", recipient(8), "fresh conversation"); !d.Allowed {
		t.Fatalf("other recipients must be unaffected, got %q", d.Reason)
	}
}

func TestNewRecipientCaution(t *testing.T) {
	cfg := testConfig()
	rl, _ := newTestLimiter(cfg)

	for i := 0; i <= cfg.NewContactCautionAt; i++ {
		rl.RecordSend("tenant", recipient(i), fmt.Sprintf("burst msg %d", i))
	}

	d := rl.CanSend("tenant", recipient(999), "hi, we have not talked before")
	if d.Allowed || d.Reason != ReasonNewContactCaution {
		t.Fatalf("decision = %+v, want new-recipient caution", d)
	}

	if d := rl.CanSend("tenant", recipient(0), "we have history"); !d.Allowed {
		t.Fatalf("known recipients bypass the caution rule, got %q", d.Reason)
	}
}

func TestCalculateDelayComponents(t *testing.T) {
	cfg := testConfig()
	cfg.MinSendDelay = 3 * time.Second
	cfg.MaxSendDelay = 8 * time.Second
	cfg.TypingDelayPerChr = 50 * time.Millisecond
	cfg.MediaSurcharge = 2 * time.Second
	cfg.GroupSurcharge = 1500 * time.Millisecond
	rl, _ := newTestLimiter(cfg)

	msg20 := "aaaaaaaaaaaaaaaaaaaa" // 20 runes -> 1s typing

	got := rl.CalculateDelay("tenant", msg20, SendOptions{})
	if want := 4 * time.Second; got != want {
		t.Fatalf("plain delay = %v, want %v", got, want)
	}

	got = rl.CalculateDelay("tenant", msg20, SendOptions{HasMedia: true, IsGroup: true})
	if want := 7500 * time.Millisecond; got != want {
		t.Fatalf("media+group delay = %v, want %v", got, want)
	}

	long := make([]rune, 500)
	for i := range long {
		long[i] = 'x'
	}
	got = rl.CalculateDelay("tenant", string(long), SendOptions{})
	if want := 3*time.Second + cfg.TypingDelayCap; got != want {
		t.Fatalf("capped typing delay = %v, want %v", got, want)
	}
}

func TestBurstPenalty(t *testing.T) {
	cfg := testConfig()
	cfg.MinSendDelay = 3 * time.Second
	cfg.BurstPenaltyStep = 500 * time.Millisecond
	rl, _ := newTestLimiter(cfg)

	for i := 0; i < 15; i++ {
		rl.RecordSend("tenant", recipient(i), fmt.Sprintf("burst %d", i))
	}

	got := rl.CalculateDelay("tenant", "", SendOptions{})
	if want := 3*time.Second + 5*500*time.Millisecond; got != want {
		t.Fatalf("burst delay = %v, want %v", got, want)
	}
}

func TestResetClearsState(t *testing.T) {
	rl, _ := newTestLimiter(testConfig())

	for i := 0; i < 5; i++ {
		rl.RecordSend("tenant", recipient(i), fmt.Sprintf("msg %d", i))
	}
	rl.Reset("tenant")

	status := rl.Status("tenant")
	if status.Day.Used != 0 || status.Recipients != 0 {
		t.Fatalf("status after reset = %+v, want empty", status)
	}
	if d := rl.CanSend("tenant", recipient(0), "msg 0"); !d.Allowed {
		t.Fatalf("duplicate history must be gone after reset, got %q", d.Reason)
	}
}

func TestStatusCountsWindows(t *testing.T) {
	cfg := testConfig()
	rl, now := newTestLimiter(cfg)

	start := *now
	rl.RecordSend("tenant", recipient(1), "old message")
	*now = start.Add(2 * time.Hour)
	rl.RecordSend("tenant", recipient(2), "recent message")

	status := rl.Status("tenant")
	if status.Minute.Used != 1 || status.Hour.Used != 1 || status.Day.Used != 2 {
		t.Fatalf("status = %+v, want minute=1 hour=1 day=2", status)
	}
	if status.Minute.Limit != cfg.MessagesPerMinute {
		t.Fatalf("minute limit = %d, want %d", status.Minute.Limit, cfg.MessagesPerMinute)
	}
	if status.Recipients != 2 {
		t.Fatalf("recipients = %d, want 2", status.Recipients)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	if fingerprint("Hello  World") != fingerprint("hello world") {
		t.Fatal("case and whitespace must not change the fingerprint")
	}
	if fingerprint("abc") == fingerprint("abd") {
		t.Fatal("distinct short messages must not collide")
	}
	long := "the quick brown fox jumps over the lazy dog again and again"
	if got := len([]rune(fingerprint(long))); got > 50 {
		t.Fatalf("fingerprint length = %d, want at most 50", got)
	}
}
