package evaluator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/httputil"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

// maxDrainBytes bounds how much of a probe response body is read.
const maxDrainBytes = 64 * 1024

// ProbeResult is what one probe observed. Err is set when no attempt got a
// response; StatusCode is the last status seen otherwise.
type ProbeResult struct {
	StatusCode int
	Attempts   int
	Err        error
}

// Prober issues a reachability probe against target, optionally through a
// proxy. The context carries the overall probe deadline.
type Prober interface {
	Probe(ctx context.Context, target string, proxy *url.URL) ProbeResult
}

// ClientFactory builds the HTTP client for one probe.
type ClientFactory func(proxy *url.URL) httputil.HTTPClient

// HTTPProber sends GET requests, retrying transient failures.
type HTTPProber struct {
	NewClient  ClientFactory
	Clock      timeutil.Clock
	Retries    int
	RetryDelay time.Duration
}

// NewHTTPProber returns a prober whose clients use the given timeouts and
// never follow redirects.
func NewHTTPProber(connectTimeout, totalTimeout time.Duration, retries int, retryDelay time.Duration) *HTTPProber {
	return &HTTPProber{
		NewClient: func(proxy *url.URL) httputil.HTTPClient {
			return httputil.NewProbeClient(httputil.ProbeClientOptions{
				ConnectTimeout: connectTimeout,
				TotalTimeout:   totalTimeout,
				Proxy:          proxy,
			})
		},
		Clock:      timeutil.RealClock{},
		Retries:    retries,
		RetryDelay: retryDelay,
	}
}

// retryable reports whether a status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// Probe performs up to 1+Retries attempts. It stops early on any
// non-retryable status or when ctx ends.
func (p *HTTPProber) Probe(ctx context.Context, target string, proxy *url.URL) ProbeResult {
	client := p.NewClient(proxy)
	var res ProbeResult

	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if err := p.Clock.Sleep(ctx, p.RetryDelay); err != nil {
				if res.StatusCode == 0 {
					res.Err = err
				}
				return res
			}
		}
		res.Attempts++

		status, err := p.once(ctx, client, target)
		if err != nil {
			res.Err = err
			if ctx.Err() != nil {
				return res
			}
			continue
		}
		res.StatusCode = status
		res.Err = nil
		if !retryable(status) {
			return res
		}
	}
	return res
}

func (p *HTTPProber) once(ctx context.Context, client httputil.HTTPClient, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Only the status matters; a broken body does not change the verdict.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	return resp.StatusCode, nil
}
