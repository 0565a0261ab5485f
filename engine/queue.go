/*
queue.go - NotificationQueue, FIFO single-flight delivery with retry

PURPOSE:
  Decouples the sync pass from notification channels. The pass enqueues
  exactly one Notification per purchase group and moves on; a single drain
  goroutine delivers them in order with per-item bounded retry.

DELIVERY GUARANTEE:
  At-least-once with bounded retries. An item failing all attempts is
  dropped and logged as permanently failed - it is NOT re-enqueued on the
  next pass (the purchase itself is already safely in the ledger).

LIFECYCLE:
  Exactly one drain goroutine runs while the queue is non-empty and not
  paused. Pause/Resume/Clear give operators control; Close stops delivery
  for shutdown and waits for the in-flight item.
*/
package engine

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sender delivers one notification to a channel. Implementations format
// the text; the queue never sees wire formats.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// QueueStats is the introspection view of the queue.
type QueueStats struct {
	Depth      int           `json:"depth"`
	OldestAge  time.Duration `json:"oldest_age"`
	Processing bool          `json:"processing"`
	Paused     bool          `json:"paused"`
	Delivered  int           `json:"delivered"`
	Dropped    int           `json:"dropped"`
}

type queueItem struct {
	n          Notification
	attempts   int
	enqueuedAt time.Time
}

// NotificationQueue is a FIFO of pending notifications with a single
// delivery loop. Safe for concurrent use.
type NotificationQueue struct {
	sender      Sender
	maxAttempts int
	baseDelay   time.Duration

	mu         sync.Mutex
	items      []queueItem
	processing bool
	paused     bool
	closed     bool
	delivered  int
	dropped    int

	wg sync.WaitGroup
}

// NewNotificationQueue creates a queue delivering through sender with the
// given per-item retry budget.
func NewNotificationQueue(sender Sender, maxAttempts int, baseDelay time.Duration) *NotificationQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &NotificationQueue{
		sender:      sender,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Enqueue appends n and starts the drain loop if idle.
func (q *NotificationQueue) Enqueue(n Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, queueItem{n: n, enqueuedAt: time.Now()})
	q.kickLocked()
	return nil
}

// kickLocked starts the drain goroutine if none is running. Caller holds mu.
func (q *NotificationQueue) kickLocked() {
	if q.processing || q.paused || q.closed || len(q.items) == 0 {
		return
	}
	q.processing = true
	q.wg.Add(1)
	go q.drain()
}

// drain delivers items until the queue empties, pauses, or closes.
func (q *NotificationQueue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.paused || q.closed || len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.deliver(item)
	}
}

// deliver tries one item up to maxAttempts times with doubling delay.
func (q *NotificationQueue) deliver(item queueItem) {
	for item.attempts < q.maxAttempts {
		item.attempts++

		err := q.sender.Send(context.Background(), item.n)
		if err == nil {
			q.mu.Lock()
			q.delivered++
			q.mu.Unlock()
			return
		}

		if item.attempts >= q.maxAttempts {
			break
		}

		delay := q.baseDelay << (item.attempts - 1)
		log.Printf("[NotificationQueue] send for %s failed (attempt %d/%d): %v (next in %v)",
			item.n.PurchaseID, item.attempts, q.maxAttempts, err, delay)
		time.Sleep(delay)

		q.mu.Lock()
		stop := q.closed
		q.mu.Unlock()
		if stop {
			return
		}
	}

	log.Printf("[NotificationQueue] permanently failed after %d attempts: purchase %s customer %s",
		item.attempts, item.n.PurchaseID, item.n.CustomerID)
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
}

// Pause stops delivery after the in-flight item finishes.
func (q *NotificationQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts delivery of any pending items.
func (q *NotificationQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.kickLocked()
}

// Clear drops all pending items without delivering them.
func (q *NotificationQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Close stops the queue permanently and waits for the drain loop.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns a snapshot of queue state.
func (q *NotificationQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Depth:      len(q.items),
		Processing: q.processing,
		Paused:     q.paused,
		Delivered:  q.delivered,
		Dropped:    q.dropped,
	}
	if len(q.items) > 0 {
		stats.OldestAge = time.Since(q.items[0].enqueuedAt)
	}
	return stats
}
