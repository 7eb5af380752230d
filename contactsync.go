package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SyncStatus is the lifecycle of one sync job.
type SyncStatus string

const (
	SyncStatusInitializing SyncStatus = "initializing"
	SyncStatusProcessing   SyncStatus = "processing"
	SyncStatusCompleted    SyncStatus = "completed"
	SyncStatusFailed       SyncStatus = "failed"
	SyncStatusCancelled    SyncStatus = "cancelled"
)

// SyncJob is the progress snapshot of one contact sync run.
type SyncJob struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Status     SyncStatus `json:"status"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Saved      int        `json:"saved"`
	Skipped    int        `json:"skipped"`
	Errors     int        `json:"errors"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SyncResult summarizes a finished run.
type SyncResult struct {
	JobID    string        `json:"jobId"`
	Total    int           `json:"total"`
	Synced   int           `json:"synced"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"durationMs"`
}

type syncJobState struct {
	job        SyncJob
	cancel     chan struct{}
	cancelOnce sync.Once
}

// ContactSynchronizer pulls the remote contact list in batches with bounded
// concurrency, enriches each contact and upserts it into the local store.
// At most one active job per session.
type ContactSynchronizer struct {
	mu     sync.Mutex
	cfg    *Config
	store  ContactStore
	notify NotifyFunc
	active map[string]*syncJobState // by session ID
	jobs   map[string]*syncJobState // by job ID, garbage collected after a TTL
}

func NewContactSynchronizer(cfg *Config, store ContactStore) *ContactSynchronizer {
	return &ContactSynchronizer{
		cfg:    cfg,
		store:  store,
		active: make(map[string]*syncJobState),
		jobs:   make(map[string]*syncJobState),
	}
}

// SetNotifier registers the event fan-out hook for sync lifecycle events.
func (cs *ContactSynchronizer) SetNotifier(fn NotifyFunc) {
	cs.mu.Lock()
	cs.notify = fn
	cs.mu.Unlock()
}

func (cs *ContactSynchronizer) emit(sessionID, eventType string, payload map[string]interface{}) {
	cs.mu.Lock()
	fn := cs.notify
	cs.mu.Unlock()
	if fn != nil {
		go fn(sessionID, eventType, payload)
	}
}

// register reserves the session's active slot. A second registration while a
// job is active returns ErrSyncAlreadyRunning.
func (cs *ContactSynchronizer) register(sessionID string) (*syncJobState, error) {
	st := &syncJobState{
		job: SyncJob{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Status:    SyncStatusInitializing,
			StartedAt: time.Now(),
		},
		cancel: make(chan struct{}),
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if running := cs.active[sessionID]; running != nil {
		return nil, ErrSyncAlreadyRunning
	}
	cs.active[sessionID] = st
	cs.jobs[st.job.ID] = st
	return st, nil
}

// release frees the active slot and schedules the job snapshot for removal
// once its retention window elapses.
func (cs *ContactSynchronizer) release(st *syncJobState) {
	cs.mu.Lock()
	delete(cs.active, st.job.SessionID)
	cs.mu.Unlock()
	time.AfterFunc(cs.cfg.SyncJobTTL, func() {
		cs.mu.Lock()
		delete(cs.jobs, st.job.ID)
		cs.mu.Unlock()
	})
}

// SyncContacts runs a full synchronization for one session and blocks until
// it completes, fails or is cancelled. A second call for the same session
// while a job is active returns ErrSyncAlreadyRunning.
func (cs *ContactSynchronizer) SyncContacts(ctx context.Context, sessionID, ownerID string, conn Connection) (SyncResult, error) {
	st, err := cs.register(sessionID)
	if err != nil {
		return SyncResult{}, err
	}
	defer cs.release(st)

	log.Info().Str("sessionID", sessionID).Str("jobID", st.job.ID).Msg("Contact sync started")
	cs.emit(sessionID, "SyncStarted", map[string]interface{}{"jobId": st.job.ID})

	result, err := cs.run(ctx, st, ownerID, conn)
	if err != nil {
		if !errors.Is(err, ErrSyncCancelled) {
			cs.emit(sessionID, "SyncFailed", map[string]interface{}{"jobId": st.job.ID, "error": err.Error()})
		}
		return result, err
	}
	cs.emit(sessionID, "SyncCompleted", map[string]interface{}{
		"jobId":  st.job.ID,
		"total":  result.Total,
		"synced": result.Synced,
		"errors": result.Errors,
	})
	return result, nil
}

// StartSync launches a synchronization in the background and returns the job
// ID for progress polling.
func (cs *ContactSynchronizer) StartSync(sessionID, ownerID string, conn Connection) (string, error) {
	st, err := cs.register(sessionID)
	if err != nil {
		return "", err
	}

	log.Info().Str("sessionID", sessionID).Str("jobID", st.job.ID).Msg("Contact sync started")
	cs.emit(sessionID, "SyncStarted", map[string]interface{}{"jobId": st.job.ID})

	go func() {
		defer cs.release(st)
		result, err := cs.run(context.Background(), st, ownerID, conn)
		if err != nil {
			if !errors.Is(err, ErrSyncCancelled) {
				cs.emit(sessionID, "SyncFailed", map[string]interface{}{"jobId": st.job.ID, "error": err.Error()})
			}
			return
		}
		cs.emit(sessionID, "SyncCompleted", map[string]interface{}{
			"jobId":  st.job.ID,
			"total":  result.Total,
			"synced": result.Synced,
			"errors": result.Errors,
		})
	}()
	return st.job.ID, nil
}

func (cs *ContactSynchronizer) run(ctx context.Context, st *syncJobState, ownerID string, conn Connection) (SyncResult, error) {
	contacts, err := cs.fetchContacts(ctx, st, conn)
	if err != nil {
		status := SyncStatusFailed
		if errors.Is(err, ErrSyncCancelled) {
			status = SyncStatusCancelled
		}
		cs.finish(st, status, err)
		return cs.result(st), err
	}

	cs.mu.Lock()
	st.job.Total = len(contacts)
	st.job.Status = SyncStatusProcessing
	cs.mu.Unlock()

	batches := partition(contacts, cs.cfg.SyncBatchSize)
	log.Debug().
		Str("jobID", st.job.ID).
		Int("contacts", len(contacts)).
		Int("batches", len(batches)).
		Msg("Contact list fetched")

	for start := 0; start < len(batches); start += cs.cfg.SyncMaxConcurrent {
		if err := cs.interrupted(ctx, st); err != nil {
			cs.finish(st, SyncStatusCancelled, err)
			return cs.result(st), err
		}

		end := start + cs.cfg.SyncMaxConcurrent
		if end > len(batches) {
			end = len(batches)
		}

		var wg sync.WaitGroup
		for _, batch := range batches[start:end] {
			wg.Add(1)
			go func(batch []RemoteContact) {
				defer wg.Done()
				cs.processBatch(ctx, st, ownerID, conn, batch)
			}(batch)
		}
		wg.Wait()

		if end < len(batches) {
			select {
			case <-time.After(cs.cfg.SyncBatchPause):
			case <-st.cancel:
			case <-ctx.Done():
			}
		}
	}

	if err := cs.interrupted(ctx, st); err != nil {
		cs.finish(st, SyncStatusCancelled, err)
		return cs.result(st), err
	}

	cs.finish(st, SyncStatusCompleted, nil)
	res := cs.result(st)
	log.Info().
		Str("jobID", st.job.ID).
		Int("total", res.Total).
		Int("synced", res.Synced).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("Contact sync completed")
	return res, nil
}

// fetchContacts retries the remote list fetch with exponential backoff; each
// attempt runs under its own timeout.
func (cs *ContactSynchronizer) fetchContacts(ctx context.Context, st *syncJobState, conn Connection) ([]RemoteContact, error) {
	var lastErr error
	for attempt := 0; attempt < cs.cfg.SyncFetchRetries; attempt++ {
		if err := cs.interrupted(ctx, st); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, cs.cfg.SyncFetchTimeout)
		contacts, err := conn.GetContacts(fctx)
		cancel()
		if err == nil {
			return contacts, nil
		}
		lastErr = err
		log.Warn().Err(err).
			Str("jobID", st.job.ID).
			Int("attempt", attempt+1).
			Msg("Contact fetch failed")
		if attempt < cs.cfg.SyncFetchRetries-1 {
			select {
			case <-time.After(backoffDelay(cs.cfg.SyncRetryDelay, attempt)):
			case <-st.cancel:
				return nil, ErrSyncCancelled
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, ErrContactFetchTimeout
	}
	return nil, lastErr
}

func (cs *ContactSynchronizer) processBatch(ctx context.Context, st *syncJobState, ownerID string, conn Connection, batch []RemoteContact) {
	for _, rc := range batch {
		if cs.interrupted(ctx, st) != nil {
			return
		}
		saved, skipped, err := cs.processContact(ctx, st.job.SessionID, ownerID, conn, rc)

		cs.mu.Lock()
		st.job.Processed++
		switch {
		case err != nil:
			st.job.Errors++
		case skipped:
			st.job.Skipped++
		case saved:
			st.job.Saved++
		}
		cs.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Str("jobID", st.job.ID).Msg("Contact processing failed")
		}
	}
}

// processContact validates, enriches and upserts a single contact. Groups
// and non-user entries are skipped; enrichment failures degrade to empty
// values instead of failing the contact.
func (cs *ContactSynchronizer) processContact(ctx context.Context, sessionID, ownerID string, conn Connection, rc RemoteContact) (saved bool, skipped bool, err error) {
	if rc.ID == "" || rc.IsGroup || !rc.IsUser {
		return false, true, nil
	}
	phone := normalizePhone(rc.ID)
	if phone == "" {
		return false, true, nil
	}

	avatarURL := cs.enrich(ctx, func(ectx context.Context) (string, error) {
		return conn.GetProfilePictureURL(ectx, rc.ID)
	})
	statusText := cs.enrich(ctx, func(ectx context.Context) (string, error) {
		return conn.GetAbout(ectx, rc.ID)
	})

	name := rc.Name
	if name == "" {
		name = rc.PushName
	}

	_, _, err = cs.store.UpsertContact(ctx, ContactRecord{
		JID:        rc.ID,
		Name:       name,
		Phone:      phone,
		IsSaved:    rc.IsSaved,
		IsBusiness: rc.BusinessName != "",
		IsBlocked:  rc.IsBlocked,
		AvatarURL:  avatarURL,
		StatusText: statusText,
		Metadata:   syncMetadata(sessionID),
		OwnerID:    ownerID,
	})
	if err != nil {
		return false, false, &BatchProcessingError{ContactID: rc.ID, Err: err}
	}
	return true, false, nil
}

// syncMetadata records where and when a contact was last synced from.
func syncMetadata(sessionID string) string {
	meta, err := json.Marshal(map[string]string{
		"syncedAt":  time.Now().UTC().Format(time.RFC3339),
		"sessionId": sessionID,
	})
	if err != nil {
		return ""
	}
	return string(meta)
}

// enrich runs one optional lookup under the enrichment timeout, degrading to
// an empty value on any failure.
func (cs *ContactSynchronizer) enrich(ctx context.Context, fn func(ctx context.Context) (string, error)) string {
	ectx, cancel := context.WithTimeout(ctx, cs.cfg.EnrichTimeout)
	defer cancel()
	value, err := fn(ectx)
	if err != nil {
		return ""
	}
	return value
}

func (cs *ContactSynchronizer) interrupted(ctx context.Context, st *syncJobState) error {
	select {
	case <-st.cancel:
		return ErrSyncCancelled
	case <-ctx.Done():
		return ErrSyncCancelled
	default:
		return nil
	}
}

func (cs *ContactSynchronizer) finish(st *syncJobState, status SyncStatus, err error) {
	now := time.Now()
	cs.mu.Lock()
	st.job.Status = status
	st.job.FinishedAt = &now
	if err != nil {
		st.job.Error = err.Error()
	}
	cs.mu.Unlock()
}

func (cs *ContactSynchronizer) result(st *syncJobState) SyncResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	duration := time.Since(st.job.StartedAt)
	if st.job.FinishedAt != nil {
		duration = st.job.FinishedAt.Sub(st.job.StartedAt)
	}
	return SyncResult{
		JobID:    st.job.ID,
		Total:    st.job.Total,
		Synced:   st.job.Saved,
		Skipped:  st.job.Skipped,
		Errors:   st.job.Errors,
		Duration: duration,
	}
}

// GetSyncProgress returns a job snapshot by job ID while it is retained.
func (cs *ContactSynchronizer) GetSyncProgress(jobID string) (SyncJob, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	st, ok := cs.jobs[jobID]
	if !ok {
		return SyncJob{}, false
	}
	return st.job, true
}

// GetActiveSyncs snapshots every in-flight job.
func (cs *ContactSynchronizer) GetActiveSyncs() []SyncJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]SyncJob, 0, len(cs.active))
	for _, st := range cs.active {
		out = append(out, st.job)
	}
	return out
}

// CancelSync requests cancellation of the session's active job. The job
// finishes its in-flight batch group before stopping.
func (cs *ContactSynchronizer) CancelSync(sessionID string) error {
	cs.mu.Lock()
	st := cs.active[sessionID]
	cs.mu.Unlock()
	if st == nil {
		return ErrNoActiveSync
	}
	st.cancelOnce.Do(func() { close(st.cancel) })
	log.Info().Str("sessionID", sessionID).Str("jobID", st.job.ID).Msg("Contact sync cancellation requested")
	return nil
}

// partition splits contacts into fixed-size batches; the last batch may be
// short.
func partition(contacts []RemoteContact, size int) [][]RemoteContact {
	if size <= 0 {
		size = 1
	}
	var batches [][]RemoteContact
	for start := 0; start < len(contacts); start += size {
		end := start + size
		if end > len(contacts) {
			end = len(contacts)
		}
		batches = append(batches, contacts[start:end])
	}
	return batches
}

// normalizePhone extracts the bare phone number from a JID, dropping the
// server suffix and any device part.
func normalizePhone(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	var b strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
