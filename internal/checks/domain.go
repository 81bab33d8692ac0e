package checks

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/likexian/whois"
)

type DomainChecker struct {
	lookup func(domain string, timeout time.Duration) (string, error)
}

func NewDomainChecker() *DomainChecker {
	return &DomainChecker{
		lookup: func(domain string, timeout time.Duration) (string, error) {
			return whois.NewClient().SetTimeout(timeout).Whois(domain)
		},
	}
}

func (d *DomainChecker) Check(ctx context.Context, target Target) core.ProbeResult {
	start := time.Now()

	u, err := url.Parse(target.URL)
	if err != nil || u.Hostname() == "" {
		return core.Failure(target.MonitorID, start, "invalid URL")
	}
	domain := strings.TrimPrefix(u.Hostname(), "www.")

	timeout := target.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	type answer struct {
		data string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		data, err := d.lookup(domain, timeout)
		done <- answer{data, err}
	}()

	var res answer
	select {
	case <-ctx.Done():
		return core.Failure(target.MonitorID, start, fmt.Sprintf("whois lookup timed out after %s", target.Timeout))
	case res = <-done:
	}
	latency := time.Since(start)

	if res.err != nil {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("whois lookup failed: %v", res.err))
	}

	expiry := extractExpiryDate(res.data)
	if expiry.IsZero() {
		return core.Failure(target.MonitorID, start, "could not extract expiry date from whois data")
	}
	if time.Now().After(expiry) {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("domain expired on %s", expiry.Format("2006-01-02")))
	}

	return core.Success(target.MonitorID, start, latency)
}

func extractExpiryDate(whoisData string) time.Time {
	// Common patterns for expiry date in WHOIS data
	patterns := []string{
		"registry expiry date:",
		"registrar registration expiration date:",
		"expiry date:",
		"expiration date:",
		"expires:",
		"expiry:",
		"paid-till:",
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02-Jan-2006",
		"2006.01.02",
	}

	for _, line := range strings.Split(whoisData, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		for _, pattern := range patterns {
			if !strings.HasPrefix(lower, pattern) {
				continue
			}
			dateStr := strings.TrimSpace(line[len(pattern):])
			for _, format := range formats {
				if t, err := time.Parse(format, dateStr); err == nil {
					return t
				}
			}
		}
	}

	return time.Time{}
}
