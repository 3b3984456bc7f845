// Package autopinger keeps the deployment awake by periodically fetching a
// configured liveness URL. Hosting platforms that idle out inactive services
// treat the fetch as traffic.
package autopinger

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	coreconfig "imeibot/core/config"
	"imeibot/core/logger"
	"imeibot/internal/metrics"
)

const pingTimeout = 10 * time.Second

// Status is a point-in-time snapshot of the loop.
type Status struct {
	Enabled      bool
	Running      bool
	Interval     time.Duration
	URL          string
	PingCount    int64
	FailureCount int64
	LastPing     time.Time
	LastError    string
}

// Pinger runs the keep-alive loop. Failures are logged and counted; they
// never stop the loop or escalate to the rest of the process.
type Pinger struct {
	cfg  coreconfig.AutopingerConfig
	http *http.Client

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	pingCount    int64
	failureCount int64
	lastPing     time.Time
	lastError    string
}

// New builds a Pinger; the loop is not started.
func New(cfg coreconfig.AutopingerConfig) *Pinger {
	return &Pinger{
		cfg:  cfg,
		http: &http.Client{Timeout: pingTimeout},
	}
}

// Start launches the loop goroutine. Starting an already running or disabled
// pinger is a no-op.
func (p *Pinger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	if !p.cfg.Enabled || p.cfg.URL == "" {
		logger.Pinger.Info("autopinger disabled", slog.String("event", "pinger.disabled"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	logger.Pinger.Info("autopinger started",
		slog.String("event", "pinger.start"),
		slog.String("url", p.cfg.URL),
		slog.Duration("interval", p.cfg.Interval()),
	)
	go p.loop(ctx)
}

// Stop cancels the loop and waits for the goroutine to exit. Stopping a
// pinger that is not running is a no-op.
func (p *Pinger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	logger.Pinger.Info("autopinger stopped", slog.String("event", "pinger.stop"))
}

// Status returns a consistent snapshot of the loop counters.
func (p *Pinger) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Enabled:      p.cfg.Enabled,
		Running:      p.running,
		Interval:     p.cfg.Interval(),
		URL:          p.cfg.URL,
		PingCount:    p.pingCount,
		FailureCount: p.failureCount,
		LastPing:     p.lastPing,
		LastError:    p.lastError,
	}
}

func (p *Pinger) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	p.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

func (p *Pinger) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		p.record(err)
		return
	}

	resp, err := p.http.Do(req)
	if err != nil {
		p.record(err)
		logger.Pinger.Warn("ping failed",
			slog.String("event", "pinger.fail"),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.record(errorStatus(resp.Status))
		logger.Pinger.Warn("ping unexpected status",
			slog.String("event", "pinger.fail"),
			slog.String("status", resp.Status),
		)
		return
	}

	p.record(nil)
	logger.Pinger.Debug("ping ok", slog.String("event", "pinger.ok"))
}

func (p *Pinger) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingCount++
	p.lastPing = time.Now()
	if err != nil {
		p.failureCount++
		p.lastError = err.Error()
		metrics.PingsTotal.WithLabelValues("fail").Inc()
	} else {
		p.lastError = ""
		metrics.PingsTotal.WithLabelValues("ok").Inc()
	}
}

type errorStatus string

func (e errorStatus) Error() string { return "unexpected status " + string(e) }
