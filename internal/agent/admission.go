package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"personabot/internal/domain"
)

// Ticket represents held concurrency slots: one global and one for the
// channel. It is released exactly once; further releases are no-ops.
type Ticket struct {
	channelID string
	ctrl      *Admission
	released  atomic.Bool
}

// Release returns both slots and kicks pending queue drains.
func (t *Ticket) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.ctrl.release(t.channelID)
}

type queuedMessage struct {
	msg        domain.InboundMessage
	enqueuedAt time.Time
}

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	GlobalLimit  int           // max concurrent requests across all channels
	ChannelLimit int           // max concurrent requests per channel
	QueueTTL     time.Duration // 0 = queued messages never expire
	Logger       *slog.Logger
}

// Admission gates concurrent message processing with a global counting
// resource and one lazily-created counting resource per channel. Overflow
// messages are queued per channel, never dropped, and drained in FIFO order
// by a single worker per channel.
type Admission struct {
	global       *semaphore.Weighted
	channelLimit int64
	queueTTL     time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	channels map[string]*semaphore.Weighted
	queues   map[string][]queuedMessage
	draining map[string]bool

	root     context.Context
	onQueued func(msg domain.InboundMessage)
	drain    func(msg domain.InboundMessage, ticket *Ticket)
}

func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 20
	}
	if cfg.ChannelLimit <= 0 {
		cfg.ChannelLimit = 3
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Admission{
		global:       semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		channelLimit: int64(cfg.ChannelLimit),
		queueTTL:     cfg.QueueTTL,
		logger:       lgr,
		channels:     make(map[string]*semaphore.Weighted),
		queues:       make(map[string][]queuedMessage),
		draining:     make(map[string]bool),
	}
}

// Bind wires the controller to its consumer. onQueued fires once per queued
// message; drain processes a dequeued message while holding the given ticket
// and must release it. Must be called before TryAcquire.
func (a *Admission) Bind(ctx context.Context, onQueued func(domain.InboundMessage), drain func(domain.InboundMessage, *Ticket)) {
	a.root = ctx
	a.onQueued = onQueued
	a.drain = drain
}

// TryAcquire attempts to admit msg. It needs both a global and a channel
// slot; when either is unavailable the message is queued on its channel and
// queued=true is returned. The queued notice is emitted exactly once, here,
// never again during the drain.
func (a *Admission) TryAcquire(msg domain.InboundMessage) (ticket *Ticket, queued bool) {
	if !a.global.TryAcquire(1) {
		a.enqueue(msg)
		return nil, true
	}
	if !a.channelSem(msg.ChannelID).TryAcquire(1) {
		a.global.Release(1)
		a.enqueue(msg)
		return nil, true
	}
	return &Ticket{channelID: msg.ChannelID, ctrl: a}, false
}

func (a *Admission) channelSem(channelID string) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.channels[channelID]
	if !ok {
		sem = semaphore.NewWeighted(a.channelLimit)
		a.channels[channelID] = sem
	}
	return sem
}

func (a *Admission) enqueue(msg domain.InboundMessage) {
	a.mu.Lock()
	a.queues[msg.ChannelID] = append(a.queues[msg.ChannelID], queuedMessage{
		msg:        msg,
		enqueuedAt: time.Now(),
	})
	depth := len(a.queues[msg.ChannelID])
	a.mu.Unlock()

	a.logger.Info("message queued",
		"channel_id", msg.ChannelID,
		"message_id", msg.MessageID,
		"queue_depth", depth,
	)
	if a.onQueued != nil {
		a.onQueued(msg)
	}

	// A release between the failed TryAcquire and the append above saw an
	// empty queue and kicked nothing; make sure a worker exists. It blocks
	// on slot acquisition until capacity frees up.
	a.maybeDrain(msg.ChannelID)
}

// QueueDepth reports how many messages wait for the channel. Used by status
// reporting and tests.
func (a *Admission) QueueDepth(channelID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[channelID])
}

func (a *Admission) release(channelID string) {
	a.mu.Lock()
	sem := a.channels[channelID]
	a.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
	a.global.Release(1)

	a.drainPending()
}

// drainPending kicks the drain worker for every channel with queued
// messages. A release on one channel can free the global slot a queue on a
// different channel is waiting for.
func (a *Admission) drainPending() {
	a.mu.Lock()
	pending := make([]string, 0, len(a.queues))
	for ch, q := range a.queues {
		if len(q) > 0 && !a.draining[ch] {
			pending = append(pending, ch)
		}
	}
	a.mu.Unlock()

	for _, ch := range pending {
		a.maybeDrain(ch)
	}
}

// maybeDrain starts the single drain worker for a channel when its queue is
// non-empty and no worker is running.
func (a *Admission) maybeDrain(channelID string) {
	a.mu.Lock()
	if a.draining[channelID] || len(a.queues[channelID]) == 0 || a.drain == nil {
		a.mu.Unlock()
		return
	}
	a.draining[channelID] = true
	a.mu.Unlock()

	go a.drainLoop(channelID)
}

// drainLoop processes queued messages for one channel in FIFO order, one at
// a time. It acquires slots with blocking waits, so a drained message runs as
// soon as capacity frees up, and processes the message synchronously before
// looking at the next one.
func (a *Admission) drainLoop(channelID string) {
	for {
		a.mu.Lock()
		queue := a.queues[channelID]
		if len(queue) == 0 {
			a.draining[channelID] = false
			a.mu.Unlock()
			return
		}
		item := queue[0]
		a.queues[channelID] = queue[1:]
		a.mu.Unlock()

		if err := a.global.Acquire(a.root, 1); err != nil {
			a.stopDrain(channelID)
			return
		}
		if err := a.channelSem(channelID).Acquire(a.root, 1); err != nil {
			a.global.Release(1)
			a.stopDrain(channelID)
			return
		}

		// Expiry is judged when the message could actually run, after the
		// slot wait, not when it was dequeued.
		if a.queueTTL > 0 && time.Since(item.enqueuedAt) > a.queueTTL {
			a.logger.Warn("dropping expired queued message",
				"channel_id", channelID,
				"message_id", item.msg.MessageID,
				"waited", time.Since(item.enqueuedAt),
			)
			a.channelSem(channelID).Release(1)
			a.global.Release(1)
			continue
		}

		ticket := &Ticket{channelID: channelID, ctrl: a}
		a.drain(item.msg, ticket)
	}
}

func (a *Admission) stopDrain(channelID string) {
	a.mu.Lock()
	a.draining[channelID] = false
	a.mu.Unlock()
}
