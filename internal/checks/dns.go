package checks

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/miekg/dns"
)

const defaultResolver = "8.8.8.8:53"

// DNSChecker resolves the A record of the monitor URL host.
type DNSChecker struct {
	resolver string
}

func NewDNSChecker(resolver string) *DNSChecker {
	if resolver == "" {
		resolver = defaultResolver
	}
	return &DNSChecker{resolver: resolver}
}

func (d *DNSChecker) Check(ctx context.Context, target Target) core.ProbeResult {
	start := time.Now()

	u, err := url.Parse(target.URL)
	if err != nil || u.Hostname() == "" {
		return core.Failure(target.MonitorID, start, "invalid URL")
	}

	c := new(dns.Client)
	c.Timeout = target.Timeout

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(u.Hostname()), dns.TypeA)

	r, _, err := c.ExchangeContext(ctx, m, d.resolver)
	latency := time.Since(start)
	if err != nil {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("dns query failed: %v", err))
	}

	if r.Rcode != dns.RcodeSuccess {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("dns query failed with code: %s", dns.RcodeToString[r.Rcode]))
	}

	answers := 0
	for _, ans := range r.Answer {
		if _, ok := ans.(*dns.A); ok {
			answers++
		}
	}
	if answers == 0 {
		return core.Failure(target.MonitorID, start, "no A records found")
	}

	return core.Success(target.MonitorID, start, latency)
}
