// Package broadcast fans admin announcements out to every known chat through
// a bounded worker pool, so a large user base never blocks the command that
// triggered the broadcast.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"imeibot/core/logger"
	"imeibot/core/netutil"
	"imeibot/internal/metrics"
)

// Sender delivers one message to one chat. The Telegram adapter implements
// it; tests substitute a fake.
type Sender interface {
	Send(chatID int64, text string) error
}

// Options tunes the pool. Zero values get sane defaults.
type Options struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// Throttle is the pause after each delivery per worker, keeping the
	// pool under the platform's messages-per-second ceiling.
	Throttle time.Duration
}

type job struct {
	chatID int64
	text   string
}

// Pool executes deliveries asynchronously with retries for transient
// network failures.
type Pool struct {
	opts   Options
	sender Sender
	jobs   chan job
	wg     sync.WaitGroup

	// mu orders Enqueue against Close: jobs is only closed once every
	// in-flight Enqueue has released its read lock and stopped is set.
	mu      sync.RWMutex
	stopped bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPool starts the workers immediately.
func NewPool(sender Sender, opts Options) *Pool {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}

	p := &Pool{
		opts:   opts,
		sender: sender,
		jobs:   make(chan job, opts.QueueSize),
	}
	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// Enqueue schedules one delivery. It reports false when the pool is stopped
// or the queue is saturated; the caller decides whether that matters.
func (p *Pool) Enqueue(chatID int64, text string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- job{chatID: chatID, text: text}:
		return true
	default:
		return false
	}
}

// Counts returns delivered and failed totals.
func (p *Pool) Counts() (sent, failed uint64) {
	return p.sent.Load(), p.failed.Load()
}

// Close stops accepting jobs and waits for queued deliveries to drain.
// Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.deliver(j)
		if p.opts.Throttle > 0 {
			time.Sleep(p.opts.Throttle)
		}
	}
}

func (p *Pool) deliver(j job) {
	attempts := p.opts.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.sender.Send(j.chatID, j.text)
		if err == nil {
			p.sent.Add(1)
			metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
			return
		}
		lastErr = err
		if !netutil.ShouldRetry(err) || attempt == attempts {
			break
		}
		time.Sleep(p.opts.RetryBackoff * time.Duration(attempt))
	}

	p.failed.Add(1)
	metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
	logger.Bot.Warn("broadcast delivery failed",
		slog.String("event", "broadcast.fail"),
		slog.Int64("chat_id", j.chatID),
		slog.String("error", lastErr.Error()),
	)
}
