package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
)

const maxDrainBytes = 64 << 10

type HTTPChecker struct {
	client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return NewHTTPCheckerWithClient(&http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   &tls.Config{},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	})
}

func NewHTTPCheckerWithClient(client *http.Client) *HTTPChecker {
	return &HTTPChecker{client: client}
}

// Check records the status code and latency of any response, whatever the
// code. Deciding whether the code is healthy is left to the status policy.
func (h *HTTPChecker) Check(ctx context.Context, target Target) core.ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("User-Agent", "uptime-sentinel/1.0")

	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return core.Failure(target.MonitorID, start, describeError(ctx, err, target.Timeout))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return core.HTTPSuccess(target.MonitorID, start, resp.StatusCode, latency)
}

func describeError(ctx context.Context, err error, timeout time.Duration) string {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "probe cancelled"
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("dns lookup failed: %s", dnsErr.Err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Sprintf("timeout after %s", timeout)
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}
