// Package searchclient fetches and parses Google Scholar citation result
// pages through a third-party scraping proxy (SPEC_FULL.md §4.2). The proxy
// is treated as a black box behind one primitive, fetch_result_page; every
// higher-level operation (search, fetch_citing_pages, count_only,
// verify_last_page) is built on top of it.
package searchclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/store"
)

// Retry/backoff constants for fetch_result_page (§4.2: "exponential backoff
// capped at 8s; a 150s total wall-clock retry budget").
const (
	retryBackoffCap  = 8 * time.Second
	retryTotalBudget = 150 * time.Second
	httpTimeout      = 45 * time.Second

	pollInterval    = 2 * time.Second
	pollMaxAttempts = 15

	directFetchRetries = 2
)

// Config configures the proxy endpoint and credentials.
type Config struct {
	ProxyEndpoint string // e.g. "https://realtime.oxylabs.io/v1/queries"
	ProxyUsername string
	ProxyPassword string

	// AllowDirectFetch enables the last-resort direct scrape once the proxy
	// retry budget is exhausted. The original treats this as "expected to
	// fail" and keeps it only as a diagnostic last gasp.
	AllowDirectFetch bool
}

// Client fetches raw Scholar result pages via the configured proxy, logging
// every attempt to APICallLogStore.
type Client struct {
	cfg     Config
	http    *resty.Client
	logs    *store.APICallLogStore
	logger  *slog.Logger
}

// New builds a Client. logs may be nil in tests that don't care about the
// observability trail.
func New(cfg Config, logs *store.APICallLogStore, logger *slog.Logger) *Client {
	httpClient := resty.New().SetTimeout(httpTimeout)

	return &Client{cfg: cfg, http: httpClient, logs: logs, logger: logger}
}

type proxyPayload struct {
	Source string `json:"source"`
	URL    string `json:"url"`
}

type proxyJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type proxyResult struct {
	Content string `json:"content"`
	HTML    string `json:"html"`
	Body    string `json:"body"`
}

type proxyResponse struct {
	Error   string        `json:"error"`
	Results []proxyResult `json:"results"`
	Job     *proxyJob     `json:"job"`
}

func (r proxyResult) content() string {
	switch {
	case r.Content != "":
		return r.Content
	case r.HTML != "":
		return r.HTML
	default:
		return r.Body
	}
}

// FetchResultPage is the one primitive every other operation is built on:
// it retrieves url through the proxy, retrying with exponential backoff
// until either it succeeds or the 150s total budget is exhausted, then
// optionally falls back to a direct fetch as a last resort.
func (c *Client) FetchResultPage(ctx context.Context, url string) (string, error) {
	deadline := time.Now().Add(retryTotalBudget)

	var lastErr error

	for attempt := 0; time.Now().Before(deadline); attempt++ {
		html, err := c.fetchViaProxy(ctx, url)
		if err == nil {
			return html, nil
		}

		lastErr = err
		c.logger.Warn("proxy fetch attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))

		backoff := backoffFor(attempt)
		remaining := time.Until(deadline)

		if remaining <= 0 {
			break
		}

		if backoff > remaining {
			backoff = remaining
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	if c.cfg.AllowDirectFetch {
		if html, err := c.fetchDirect(ctx, url); err == nil {
			return html, nil
		} else {
			c.logger.Warn("direct fetch fallback also failed", slog.Any("error", err))
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("searchclient: retry budget exhausted with no attempts")
	}

	return "", fmt.Errorf("searchclient: fetch_result_page exhausted retry budget: %w", lastErr)
}

// backoffFor implements "1s, 2s, 4s, 8s, 8s, 8s..." (§4.2).
func backoffFor(attempt int) time.Duration {
	shift := attempt
	if shift > 3 {
		shift = 3
	}

	d := time.Duration(1<<uint(shift)) * time.Second
	if d > retryBackoffCap {
		d = retryBackoffCap
	}

	return d
}

func (c *Client) fetchViaProxy(ctx context.Context, url string) (string, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.ProxyUsername + ":" + c.cfg.ProxyPassword))

	var body proxyResponse

	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+auth).
		SetHeader("Content-Type", "application/json").
		SetBody(proxyPayload{Source: "google", URL: url}).
		SetResult(&body).
		Post(c.cfg.ProxyEndpoint)

	c.recordAttempt("fetch_proxy", err == nil && resp != nil && !resp.IsError(), statusOf(resp), time.Since(start))

	if err != nil {
		return "", fmt.Errorf("proxy transport: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("proxy http %d", resp.StatusCode())
	}

	if body.Error != "" {
		return "", fmt.Errorf("proxy error: %s", body.Error)
	}

	if len(body.Results) > 0 {
		if content := body.Results[0].content(); content != "" {
			return content, nil
		}
	}

	if body.Job != nil && body.Job.ID != "" {
		if body.Job.Status == "faulted" {
			return "", fmt.Errorf("proxy job faulted")
		}

		return c.pollJob(ctx, body.Job.ID)
	}

	return "", fmt.Errorf("proxy: unrecognized response shape")
}

func (c *Client) pollJob(ctx context.Context, jobID string) (string, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.ProxyUsername + ":" + c.cfg.ProxyPassword))

	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(pollInterval):
			}
		}

		var status struct {
			Status string `json:"status"`
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Basic "+auth).
			SetResult(&status).
			Get(fmt.Sprintf("%s/%s", c.cfg.ProxyEndpoint, jobID))
		if err != nil {
			continue
		}

		if resp.IsError() {
			continue
		}

		switch status.Status {
		case "done":
			var results proxyResponse

			resultsResp, err := c.http.R().
				SetContext(ctx).
				SetHeader("Authorization", "Basic "+auth).
				SetResult(&results).
				Get(fmt.Sprintf("%s/%s/results", c.cfg.ProxyEndpoint, jobID))
			if err != nil || resultsResp.IsError() {
				return "", fmt.Errorf("proxy job results fetch failed: %w", err)
			}

			if len(results.Results) > 0 {
				if content := results.Results[0].content(); content != "" {
					return content, nil
				}
			}

			return "", fmt.Errorf("proxy job done but no content")
		case "faulted":
			return "", fmt.Errorf("proxy job faulted during processing")
		}
	}

	return "", fmt.Errorf("proxy job polling timeout after %d attempts", pollMaxAttempts)
}

func (c *Client) fetchDirect(ctx context.Context, url string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < directFetchRetries; attempt++ {
		timeout := 15*time.Second + time.Duration(attempt)*15*time.Second

		start := time.Now()

		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36").
			SetHeader("Accept", "text/html,application/xhtml+xml").
			SetHeader("Accept-Language", "en-US,en;q=0.9").
			SetTimeout(timeout).
			Get(url)

		c.recordAttempt("direct_fetch", err == nil && resp != nil && !resp.IsError(), statusOf(resp), time.Since(start))

		if err == nil && !resp.IsError() {
			html := resp.String()

			if looksBlocked(html) {
				lastErr = fmt.Errorf("direct fetch blocked (captcha or short response)")
			} else {
				return html, nil
			}
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("direct fetch http %d", resp.StatusCode())
		}

		if attempt < directFetchRetries-1 {
			backoff := time.Duration(5*(attempt+1)) * time.Second

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("direct fetch exhausted %d attempts: %w", directFetchRetries, lastErr)
}

func looksBlocked(html string) bool {
	if len(html) < 500 {
		return true
	}

	lower := strings.ToLower(html)

	return strings.Contains(lower, "unusual traffic") ||
		strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha")
}

func statusOf(resp *resty.Response) string {
	if resp == nil {
		return "no_response"
	}

	return resp.Status()
}

func (c *Client) recordAttempt(kind string, success bool, status string, latency time.Duration) {
	if c.logs == nil {
		return
	}

	entry := &model.APICallLog{
		Kind:      kind,
		Success:   success,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
	}

	if err := c.logs.Record(context.Background(), entry); err != nil {
		c.logger.Warn("api call log record failed", slog.Any("error", err))
	}
}
