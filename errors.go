package main

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for session, queue and sync failures. Rate-limit and
// duplicate rejections are returned as RateDecision values, not errors, so
// the send queue can back off and retry; everything here is a hard outcome.
var (
	ErrInitializationTimeout = errors.New("session initialization timed out")
	ErrAuthFailure           = errors.New("authentication failed")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotReady       = errors.New("session not ready")
	ErrSessionReset          = errors.New("session reset")
	ErrSessionDestroyed      = errors.New("session destroyed")
	ErrContactFetchTimeout   = errors.New("contact fetch timed out")
	ErrSyncCancelled         = errors.New("contact sync cancelled")
	ErrSyncAlreadyRunning    = errors.New("contact sync already running")
	ErrNoActiveSync          = errors.New("no active contact sync for session")
)

// ConnectionLostError tags a disconnect with the remote-supplied reason.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost: %s", e.Reason)
}

// RateLimitedError is surfaced to API callers when a send cannot be queued
// synchronously; WaitTime is the retry-after hint from the violated window.
type RateLimitedError struct {
	Reason   string
	WaitTime time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry in %s", e.Reason, e.WaitTime)
}

// BatchProcessingError wraps a per-contact failure inside a sync batch. It
// increments the job's error counter but never aborts the batch.
type BatchProcessingError struct {
	ContactID string
	Err       error
}

func (e *BatchProcessingError) Error() string {
	return fmt.Sprintf("contact %s: %v", e.ContactID, e.Err)
}

func (e *BatchProcessingError) Unwrap() error { return e.Err }
