package fetcher

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter // per host
}

// HTTPFetcher implements Fetcher with per-host rate limits and retries on
// transport errors, 429 and 5xx responses.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// DefaultRateLimiters returns limits for the open data portals feeds are
// usually published on.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"opentransportdata.swiss":      rate.NewLimiter(1, 2),
		"data.opentransportdata.swiss": rate.NewLimiter(1, 2),
		"data.geo.admin.ch":            rate.NewLimiter(5, 5),
		"download.gtfs.de":             rate.NewLimiter(1, 2),
	}
}

// NewHTTPFetcher creates an HTTPFetcher. Zero options select defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "oev-cli/1.0"
	}
	if opts.RateLimiters == nil {
		opts.RateLimiters = DefaultRateLimiters()
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: opts.RateLimiters,
		fallback: rate.NewLimiter(10, 10),
	}
}

func (f *HTTPFetcher) limiterFor(req *http.Request) *rate.Limiter {
	if lim, ok := f.limiters[req.URL.Hostname()]; ok {
		return lim
	}
	return f.fallback
}

// Download fetches rawURL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, eris.Wrap(err, "http: parse url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("http: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches rawURL into dest.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL, dest string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck
	return writeFile(dest, body)
}

func (f *HTTPFetcher) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req)
	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "http: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, req.URL.Redacted())
		default:
			return resp, nil
		}

		zap.L().Warn("http: request failed, retrying",
			zap.String("url", req.URL.Redacted()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		if !sleep(ctx, backoff(attempt)) {
			return nil, eris.Wrap(ctx.Err(), "http: retry cancelled")
		}
	}
	return nil, eris.Wrap(lastErr, "http: all retries exhausted")
}

// backoff doubles from one second, capped at 30s, with up to 50% jitter.
func backoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int64N(int64(d)/2))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
