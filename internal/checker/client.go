// Package checker calls the external paid IMEI lookup provider.
package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	coreconfig "imeibot/core/config"
	"imeibot/core/logger"
	"imeibot/core/netutil"
	"log/slog"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultTLSHandshake    = 5 * time.Second
	defaultIdleConnTimeout = 30 * time.Second
	defaultMaxRetries      = 3
	baseBackoff            = 500 * time.Millisecond
	maxResponseBytes       = 1 << 20
)

// Status is the business outcome of a lookup.
type Status string

const (
	// StatusFound means the provider returned data for the identifier.
	StatusFound Status = "found"
	// StatusNotFound means the provider has no record for the identifier.
	StatusNotFound Status = "not_found"
)

// Result is a transient lookup outcome, produced per request and never
// persisted beyond the reply.
type Result struct {
	Identifier  string
	Status      Status
	ServiceName string
	Credit      string
	BalanceLeft string
	Detail      string
}

// Client performs bounded, retrying HTTPS calls against the provider.
type Client struct {
	cfg  coreconfig.ProviderConfig
	http *http.Client
}

// New builds a Client with a transport tuned for the provider API.
func New(cfg coreconfig.ProviderConfig) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshake,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport},
	}
}

// Lookup issues one provider call for the normalized identifier and service,
// retrying transient failures (timeout, unreachable) with exponential backoff
// up to the configured bound. The request never outlives the configured
// deadline; a late provider answer is abandoned, not applied.
func (c *Client) Lookup(ctx context.Context, identifier, serviceID string) (Result, error) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	start := time.Now()
	var lastErr *ProviderError
	for attempt := 1; attempt <= maxRetries; attempt++ {
		res, err := c.call(ctx, identifier, serviceID)
		if err == nil {
			logger.Ctx(ctx, logger.Lookup).Info("lookup done",
				slog.String("event", "lookup.done"),
				slog.String("service_id", serviceID),
				slog.String("status", string(res.Status)),
				slog.Int("attempt", attempt),
				slog.Duration("duration", logger.Took(start)),
			)
			return res, nil
		}

		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			provErr = failure(FailUnreachable, err)
		}
		lastErr = provErr

		if !provErr.Retryable() || attempt == maxRetries {
			break
		}

		delay := baseBackoff << (attempt - 1)
		logger.Ctx(ctx, logger.Lookup).Debug("lookup retry",
			slog.String("event", "lookup.retry"),
			slog.String("service_id", serviceID),
			slog.String("kind", string(provErr.Kind)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, failure(FailTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	logger.Ctx(ctx, logger.Lookup).Warn("lookup failed",
		slog.String("event", "lookup.fail"),
		slog.String("service_id", serviceID),
		slog.String("kind", string(lastErr.Kind)),
		slog.Duration("duration", logger.Took(start)),
	)
	return Result{}, lastErr
}

func (c *Client) call(ctx context.Context, identifier, serviceID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("service", serviceID)
	params.Set("imei", identifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+params.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build provider request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, failure(FailRateLimited, fmt.Errorf("status %s", resp.Status))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, failure(FailAuth, fmt.Errorf("status %s", resp.Status))
	case resp.StatusCode >= 500:
		return Result{}, failure(FailUnreachable, fmt.Errorf("status %s", resp.Status))
	default:
		return Result{}, failure(FailMalformed, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, classifyTransport(err)
	}

	return parseResponse(identifier, body)
}

// parseResponse extracts the lookup outcome from the provider's JSON body.
func parseResponse(identifier string, body []byte) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, failure(FailMalformed, errors.New("response is not valid JSON"))
	}

	doc := gjson.ParseBytes(body)
	status := doc.Get("status")
	if !status.Exists() {
		return Result{}, failure(FailMalformed, errors.New("response missing status field"))
	}

	res := Result{
		Identifier:  identifier,
		ServiceName: doc.Get("service_name").String(),
		Credit:      doc.Get("credit").String(),
		BalanceLeft: doc.Get("balance_left").String(),
		Detail:      doc.Get("result").String(),
	}

	switch status.String() {
	case "not_found", "rejected", "failed":
		res.Status = StatusNotFound
	default:
		res.Status = StatusFound
	}
	return res, nil
}

func classifyTransport(err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) || netutil.IsTimeout(err) {
		return failure(FailTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return failure(FailTimeout, err)
	}
	if netutil.ShouldRetry(err) {
		return failure(FailUnreachable, err)
	}
	return failure(FailUnreachable, err)
}
