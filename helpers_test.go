package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// testConfig returns a fully populated configuration with fast timings so
// tests never wait on production defaults.
func testConfig() *Config {
	return &Config{
		MessagesPerMinute:    20,
		MessagesPerHour:      300,
		MessagesPerDay:       1000,
		PerRecipientDaily:    10,
		DuplicateCooldown:    time.Hour,
		NewContactCautionAt:  10,
		RateLimitWaitBuffer:  2 * time.Second,
		RateLimitWaitDefault: 5 * time.Minute,

		MinSendDelay:      0,
		MaxSendDelay:      0,
		TypingDelayPerChr: 0,
		TypingDelayCap:    5 * time.Second,
		MediaSurcharge:    0,
		GroupSurcharge:    0,
		BurstPenaltyAfter: 10,
		BurstPenaltyStep:  0,

		InitTimeout:        2 * time.Second,
		ReconnectBaseDelay: time.Hour,
		MaxReconnects:      5,
		HealthInterval:     time.Hour,
		KeepAliveInterval:  time.Hour,
		InactivityTimeout:  30 * time.Minute,
		ErrorThreshold:     10,
		AuthRetryDelay:     time.Hour,

		SyncBatchSize:     50,
		SyncMaxConcurrent: 3,
		SyncBatchPause:    time.Millisecond,
		SyncFetchRetries:  3,
		SyncFetchTimeout:  time.Second,
		SyncRetryDelay:    time.Millisecond,
		EnrichTimeout:     50 * time.Millisecond,
		SyncJobTTL:        time.Minute,

		WebhookFormat:  "json",
		WebhookTimeout: time.Second,
	}
}

// fakeConn is an in-memory Connection for supervisor and sync tests.
type fakeConn struct {
	mu           sync.Mutex
	events       chan LifecycleEvent
	connectErr   error
	connectCalls int
	connState    string
	destroyed    bool
	logoutCalls  int

	getContacts func(ctx context.Context) ([]RemoteContact, error)
	getAvatar   func(ctx context.Context, id string) (string, error)
	getAbout    func(ctx context.Context, id string) (string, error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:    make(chan LifecycleEvent, 16),
		connState: ConnectionStateConnected,
	}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeConn) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeConn) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

func (f *fakeConn) GetConnectionState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState, nil
}

func (f *fakeConn) setConnState(state string) {
	f.mu.Lock()
	f.connState = state
	f.mu.Unlock()
}

func (f *fakeConn) stats() (connects, logouts int, destroyed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.logoutCalls, f.destroyed
}

func (f *fakeConn) GetContacts(ctx context.Context) ([]RemoteContact, error) {
	if f.getContacts != nil {
		return f.getContacts(ctx)
	}
	return nil, nil
}

func (f *fakeConn) GetProfilePictureURL(ctx context.Context, id string) (string, error) {
	if f.getAvatar != nil {
		return f.getAvatar(ctx, id)
	}
	return "", nil
}

func (f *fakeConn) GetAbout(ctx context.Context, id string) (string, error) {
	if f.getAbout != nil {
		return f.getAbout(ctx, id)
	}
	return "", nil
}

func (f *fakeConn) SendMessage(ctx context.Context, recipient string, msg OutboundMessage) (SendReceipt, error) {
	return SendReceipt{ID: "MSG-" + recipient}, nil
}

func (f *fakeConn) Events() <-chan LifecycleEvent {
	return f.events
}

// memStore is an in-memory ContactStore for sync tests.
type memStore struct {
	mu         sync.Mutex
	records    map[string]ContactRecord
	failPhones map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		records:    make(map[string]ContactRecord),
		failPhones: make(map[string]bool),
	}
}

func (s *memStore) UpsertContact(ctx context.Context, rec ContactRecord) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPhones[rec.Phone] {
		return false, false, errors.New("storage unavailable")
	}
	key := rec.Phone + "|" + rec.OwnerID
	existing, ok := s.records[key]
	if !ok {
		s.records[key] = rec
		return true, false, nil
	}
	if existing.Name == rec.Name {
		return false, false, nil
	}
	s.records[key] = rec
	return false, true, nil
}

func (s *memStore) ListContacts(ctx context.Context, ownerID string, limit, offset int) ([]ContactRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []ContactRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			all = append(all, rec)
		}
	}
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) get(phone, ownerID string) (ContactRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[phone+"|"+ownerID]
	return rec, ok
}

func makeRemoteContacts(n int) []RemoteContact {
	out := make([]RemoteContact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, RemoteContact{
			ID:     fmt.Sprintf("55%09d@s.whatsapp.net", i),
			Name:   fmt.Sprintf("Contact %d", i),
			IsUser: true,
		})
	}
	return out
}
