package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SendFunc performs the actual transmission for one queued item.
type SendFunc func(ctx context.Context) (SendReceipt, error)

// SendOutcome is delivered exactly once on an item's completion handle.
type SendOutcome struct {
	Receipt SendReceipt
	Err     error
}

// QueuedItem is one pending send, owned by the queue until dispatched or
// failed by a session reset.
type QueuedItem struct {
	ID         string
	SessionID  string
	Recipient  string
	Message    OutboundMessage
	Opts       SendOptions
	EnqueuedAt time.Time

	send SendFunc
	done chan SendOutcome
}

// Done resolves once the item has been sent or failed.
func (it *QueuedItem) Done() <-chan SendOutcome { return it.done }

type sessionQueue struct {
	items   []*QueuedItem
	working bool
	// wake is closed on reset so a sleeping worker re-evaluates immediately
	// instead of finishing its backoff first.
	wake chan struct{}
}

// SendQueue holds one FIFO per session, drained by at most one worker at a
// time. The worker consults the rate limiter before every transmission and
// keeps a rejected item at the head, so ordering is never violated.
type SendQueue struct {
	mu      sync.Mutex
	limiter *RateLimiter
	queues  map[string]*sessionQueue

	// onSent, when set, observes every dispatched item (send reports).
	onSent func(item *QueuedItem, receipt SendReceipt, err error)
}

func NewSendQueue(limiter *RateLimiter) *SendQueue {
	return &SendQueue{
		limiter: limiter,
		queues:  make(map[string]*sessionQueue),
	}
}

// SetSendObserver registers the send-report hook.
func (q *SendQueue) SetSendObserver(fn func(item *QueuedItem, receipt SendReceipt, err error)) {
	q.mu.Lock()
	q.onSent = fn
	q.mu.Unlock()
}

// Enqueue appends an item to the session's FIFO and starts a worker if none
// is draining it. The returned item's Done channel always resolves.
func (q *SendQueue) Enqueue(sessionID, recipient string, msg OutboundMessage, send SendFunc, opts SendOptions) *QueuedItem {
	item := &QueuedItem{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Recipient:  recipient,
		Message:    msg,
		Opts:       opts,
		EnqueuedAt: time.Now(),
		send:       send,
		done:       make(chan SendOutcome, 1),
	}

	q.mu.Lock()
	sq, ok := q.queues[sessionID]
	if !ok {
		sq = &sessionQueue{wake: make(chan struct{})}
		q.queues[sessionID] = sq
	}
	sq.items = append(sq.items, item)
	startWorker := !sq.working
	if startWorker {
		sq.working = true
	}
	q.mu.Unlock()

	log.Debug().
		Str("sessionID", sessionID).
		Str("itemID", item.ID).
		Str("recipient", recipient).
		Bool("startWorker", startWorker).
		Msg("Send queued")

	if startWorker {
		go q.work(sessionID, sq)
	}
	return item
}

// work drains one session's FIFO. The worker owns exactly the queue it was
// started for: it exits when that FIFO empties or when the registry no
// longer points at it, so a queue recreated after a reset is only ever
// drained by its own worker.
func (q *SendQueue) work(sessionID string, sq *sessionQueue) {
	for {
		q.mu.Lock()
		if q.queues[sessionID] != sq {
			q.mu.Unlock()
			return
		}
		if len(sq.items) == 0 {
			sq.working = false
			q.mu.Unlock()
			return
		}
		item := sq.items[0]
		wake := sq.wake
		q.mu.Unlock()

		decision := q.limiter.CanSend(sessionID, item.Recipient, item.Message.Text)
		if !decision.Allowed {
			log.Debug().
				Str("sessionID", sessionID).
				Str("itemID", item.ID).
				Str("reason", decision.Reason).
				Dur("wait", decision.WaitTime).
				Msg("Send deferred by rate limiter")
			sleepOrWake(decision.WaitTime, wake)
			continue
		}

		delay := q.limiter.CalculateDelay(sessionID, item.Message.Text, item.Opts)
		sleepOrWake(delay, wake)

		// A reset may have drained the queue while we were pacing.
		if !q.headIs(sessionID, sq, item) {
			continue
		}

		receipt, err := item.send(context.Background())

		q.mu.Lock()
		alive := q.queues[sessionID] == sq && len(sq.items) > 0 && sq.items[0] == item
		if alive {
			sq.items = sq.items[1:]
		}
		observer := q.onSent
		q.mu.Unlock()

		if !alive {
			// The item was already failed by a reset; discard the result.
			continue
		}

		if err == nil {
			q.limiter.RecordSend(sessionID, item.Recipient, item.Message.Text)
			item.done <- SendOutcome{Receipt: receipt}
		} else {
			log.Warn().Err(err).
				Str("sessionID", sessionID).
				Str("itemID", item.ID).
				Str("recipient", item.Recipient).
				Msg("Send failed")
			item.done <- SendOutcome{Err: err}
		}
		if observer != nil {
			observer(item, receipt, err)
		}
	}
}

func (q *SendQueue) headIs(sessionID string, sq *sessionQueue, item *QueuedItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queues[sessionID] == sq && len(sq.items) > 0 && sq.items[0] == item
}

// Reset removes the session's FIFO and fails every pending item with the
// given cause. The worker, if sleeping, is woken and exits on its own.
func (q *SendQueue) Reset(sessionID string, cause error) {
	q.mu.Lock()
	sq, ok := q.queues[sessionID]
	if ok {
		delete(q.queues, sessionID)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	close(sq.wake)
	for _, item := range sq.items {
		item.done <- SendOutcome{Err: cause}
	}
	if len(sq.items) > 0 {
		log.Info().
			Str("sessionID", sessionID).
			Int("failed", len(sq.items)).
			Msg("Pending sends failed by queue reset")
	}
}

// Idle reports whether the session has an empty FIFO and no active worker.
func (q *SendQueue) Idle(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[sessionID]
	return !ok || (len(sq.items) == 0 && !sq.working)
}

// Pending returns the number of queued items for a session.
func (q *SendQueue) Pending(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[sessionID]
	if !ok {
		return 0
	}
	return len(sq.items)
}

func sleepOrWake(d time.Duration, wake <-chan struct{}) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	}
}
