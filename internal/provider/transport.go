package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"
)

// backoffUnit scales the wait between attempts. Tests shrink it.
var backoffUnit = time.Second

// maxRetryAfter caps how long a server may ask us to wait.
const maxRetryAfter = 30 * time.Second

// newProviderClient builds the pooled HTTP client shared by provider APIs.
// A zero timeout means two minutes, long enough for large completions.
func newProviderClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// transientStatus reports whether a response status is worth another attempt.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// backoff returns the wait before attempt n (n >= 1): quadratic growth with
// up to 50% jitter, or the server's Retry-After when it sent one.
func backoff(n int, resp *http.Response) time.Duration {
	if d, ok := retryAfter(resp); ok {
		return d
	}
	base := time.Duration(n*n) * backoffUnit
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	} else {
		return 0, false
	}
	return min(max(d, 0), maxRetryAfter), true
}

// sendWithRetry posts the request built by newReq, repeating it on network
// failures and transient statuses up to retries extra times. The last
// response is handed back unread even when its status is an error, so the
// caller decodes the provider's error body itself.
func sendWithRetry(ctx context.Context, client *http.Client, retries int, newReq func() (*http.Request, error), log *slog.Logger) (*http.Response, error) {
	var prev *http.Response
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, prev)
			log.Warn("provider call retrying", "attempt", attempt+1, "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			if attempt >= retries {
				return nil, fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
			}
			log.Warn("provider unreachable", "error", err)
			prev = nil
		case transientStatus(resp.StatusCode) && attempt < retries:
			resp.Body.Close()
			log.Warn("provider busy", "status", resp.StatusCode)
			prev = resp
		default:
			return resp, nil
		}
	}
}
