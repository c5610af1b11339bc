package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/metrics"
)

// Notification is the payload handed to external delivery channels.
type Notification struct {
	Reason    string                 `json:"reason"`
	Severity  security.Severity      `json:"severity"`
	Recipient string                 `json:"recipient"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notifier is the fire-and-forget contract services depend on. Notify must
// never block the caller and never return delivery status.
type Notifier interface {
	Notify(n Notification)
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to its channels from a single worker
// goroutine behind a bounded queue. A full queue drops the notification
// with a warning rather than blocking the request path; delivery failures
// are logged and never propagated.
type Dispatcher struct {
	queue    chan Notification
	channels []Channel
	logger   *zap.Logger
	metrics  *metrics.Registry
	cooldown time.Duration

	mu       sync.Mutex
	limiters map[string]*cooldownEntry
	closed   bool

	done chan struct{}
}

// cooldownEntry pairs a limiter with its last use so idle pairs can be
// evicted. An entry idle for a full cooldown has regained its token, so
// dropping and recreating it preserves the suppression semantics.
type cooldownEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDispatcher starts the dispatch worker. cooldown throttles repeat
// notifications per (recipient, reason) pair to keep a misbehaving client
// from turning into an alert storm; zero disables throttling.
func NewDispatcher(channels []Channel, queueSize int, cooldown time.Duration, logger *zap.Logger, reg *metrics.Registry) *Dispatcher {
	d := &Dispatcher{
		queue:    make(chan Notification, queueSize),
		channels: channels,
		logger:   logger,
		metrics:  reg,
		cooldown: cooldown,
		limiters: make(map[string]*cooldownEntry),
		done:     make(chan struct{}),
	}

	go d.run()

	return d
}

// Notify enqueues and returns. Suppressed or overflowing notifications are
// counted and logged, never surfaced to the caller.
func (d *Dispatcher) Notify(n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	if !d.allow(n) {
		d.metrics.NotificationsDropped.Inc()
		d.logger.Debug("notification suppressed by cooldown",
			zap.String("reason", n.Reason),
			zap.String("recipient", n.Recipient))
		return
	}

	// The enqueue happens under the mutex so Close cannot slip between the
	// closed check and the send.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification after shutdown, dropping",
			zap.String("reason", n.Reason),
			zap.String("recipient", n.Recipient))
		return
	}

	select {
	case d.queue <- n:
		d.metrics.NotificationQueue.Set(float64(len(d.queue)))
	default:
		d.metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping",
			zap.String("reason", n.Reason),
			zap.String("recipient", n.Recipient),
			zap.String("severity", string(n.Severity)))
	}
}

// Close stops the worker after draining queued notifications. Notify calls
// arriving after Close are dropped, never a panic. Close is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	<-d.done
}

func (d *Dispatcher) allow(n Notification) bool {
	if d.cooldown <= 0 {
		return true
	}

	key := n.Recipient + "|" + n.Reason
	now := time.Now()

	d.mu.Lock()
	entry, ok := d.limiters[key]
	if !ok {
		entry = &cooldownEntry{limiter: rate.NewLimiter(rate.Every(d.cooldown), 1)}
		d.limiters[key] = entry
	}
	entry.lastSeen = now
	d.mu.Unlock()

	return entry.limiter.Allow()
}

// sweepLimiters drops cooldown entries idle for a full cooldown, keeping the
// map bounded by recently active (recipient, reason) pairs.
func (d *Dispatcher) sweepLimiters() {
	cutoff := time.Now().Add(-d.cooldown)

	d.mu.Lock()
	for key, entry := range d.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(d.limiters, key)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	sweepEvery := d.cooldown
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.NotificationQueue.Set(float64(len(d.queue)))
			d.deliver(n)
		case <-ticker.C:
			d.sweepLimiters()
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ch := range d.channels {
		if err := ch.Send(ctx, n); err != nil {
			d.logger.Error("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("reason", n.Reason),
				zap.String("recipient", n.Recipient),
				zap.Error(err))
			continue
		}
		d.metrics.NotificationsSent.WithLabelValues(ch.Name()).Inc()
	}
}
