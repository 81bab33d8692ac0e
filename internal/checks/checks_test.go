package checks

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeout(t *testing.T) {
	tests := []struct {
		name     string
		max      time.Duration
		interval time.Duration
		want     time.Duration
	}{
		{"half interval below max", 10 * time.Second, 6 * time.Second, 3 * time.Second},
		{"capped at max", 10 * time.Second, 60 * time.Second, 10 * time.Second},
		{"zero interval uses max", 10 * time.Second, 0, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timeout(tt.max, tt.interval))
		})
	}
}

func TestHTTPCheckerRecordsAnyStatus(t *testing.T) {
	for _, code := range []int{200, 301, 404, 500, 503} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		exec := NewExecutor(time.Second, map[core.MonitorKind]Runner{
			core.KindHTTP: NewHTTPCheckerWithClient(&http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			}),
		})
		res := exec.Probe(context.Background(), Target{MonitorID: "m1", URL: srv.URL, Timeout: time.Second})
		srv.Close()

		assert.Equal(t, core.OutcomeSuccess, res.Outcome, "code %d", code)
		require.NotNil(t, res.StatusCode)
		assert.Equal(t, code, *res.StatusCode)
		assert.NotNil(t, res.LatencyMs)
		assert.Nil(t, res.Reason)
		assert.Equal(t, "m1", res.MonitorID)
		assert.NotEmpty(t, res.ID)
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec := NewExecutor(time.Second, map[core.MonitorKind]Runner{core.KindHTTP: NewHTTPChecker()})
	res := exec.Probe(context.Background(), Target{MonitorID: "m1", URL: srv.URL, Timeout: 50 * time.Millisecond})

	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Nil(t, res.LatencyMs)
	assert.Nil(t, res.StatusCode)
	assert.Contains(t, res.FailureReason(), "timeout")
}

func TestHTTPCheckerConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	exec := NewExecutor(time.Second, map[core.MonitorKind]Runner{core.KindHTTP: NewHTTPChecker()})
	res := exec.Probe(context.Background(), Target{MonitorID: "m1", URL: "http://" + addr, Timeout: time.Second})

	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Equal(t, "connection refused", res.FailureReason())
}

func TestExecutorUnknownKindAndPanic(t *testing.T) {
	exec := NewExecutor(time.Second, map[core.MonitorKind]Runner{
		core.KindDNS: RunnerFunc(func(ctx context.Context, target Target) core.ProbeResult {
			panic("boom")
		}),
	})

	res := exec.Probe(context.Background(), Target{MonitorID: "m1", Kind: core.KindTLS})
	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.FailureReason(), "no runner")

	res = exec.Probe(context.Background(), Target{MonitorID: "m1", Kind: core.KindDNS})
	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.FailureReason(), "panicked")
	assert.Equal(t, "m1", res.MonitorID)
}

func TestTargetFor(t *testing.T) {
	exec := NewExecutor(10*time.Second, nil)
	target := exec.TargetFor(&core.Monitor{ID: "m1", Kind: core.KindHTTP, URL: "http://x", Interval: 4}, time.Second)
	assert.Equal(t, 2*time.Second, target.Timeout)
	assert.Equal(t, "http://x", target.URL)
}

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSChecker(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		name := req.Question[0].Name
		switch {
		case strings.HasPrefix(name, "up."):
			rr, _ := dns.NewRR(name + " 60 IN A 10.0.0.1")
			m.Answer = append(m.Answer, rr)
		case strings.HasPrefix(name, "missing."):
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	checker := NewDNSChecker(addr)
	ctx := context.Background()

	res := checker.Check(ctx, Target{MonitorID: "m1", URL: "https://up.example.com/health", Timeout: time.Second})
	assert.Equal(t, core.OutcomeSuccess, res.Outcome)
	assert.Nil(t, res.StatusCode)

	res = checker.Check(ctx, Target{MonitorID: "m1", URL: "https://missing.example.com", Timeout: time.Second})
	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.FailureReason(), "NXDOMAIN")

	res = checker.Check(ctx, Target{MonitorID: "m1", URL: "https://empty.example.com", Timeout: time.Second})
	assert.Equal(t, core.OutcomeFailure, res.Outcome)
	assert.Equal(t, "no A records found", res.FailureReason())
}

func TestTLSChecker(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res := NewTLSChecker().WithRootCAs(pool).Check(ctx, Target{MonitorID: "m1", URL: srv.URL})
	assert.Equal(t, core.OutcomeSuccess, res.Outcome, res.FailureReason())

	untrusted := NewTLSChecker().WithRootCAs(x509.NewCertPool()).Check(ctx, Target{MonitorID: "m1", URL: srv.URL})
	assert.Equal(t, core.OutcomeFailure, untrusted.Outcome)
	assert.Contains(t, untrusted.FailureReason(), "tls handshake failed")
}

func TestDomainChecker(t *testing.T) {
	future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	past := time.Now().AddDate(-1, 0, 0).Format("2006-01-02")

	tests := []struct {
		name    string
		data    string
		err     error
		outcome core.Outcome
	}{
		{"valid", "Domain Name: EXAMPLE.COM\nRegistry Expiry Date: " + future + "\n", nil, core.OutcomeSuccess},
		{"expired", "Expiration Date: " + past, nil, core.OutcomeFailure},
		{"unparseable", "nothing useful", nil, core.OutcomeFailure},
		{"lookup error", "", errors.New("no whois server"), core.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var asked string
			d := &DomainChecker{lookup: func(domain string, timeout time.Duration) (string, error) {
				asked = domain
				return tt.data, tt.err
			}}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			res := d.Check(ctx, Target{MonitorID: "m1", URL: "https://www.example.com/x", Timeout: time.Second})
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, "example.com", asked)
		})
	}
}

func TestExtractExpiryDate(t *testing.T) {
	got := extractExpiryDate("  registrar registration expiration date: 2030-04-01T00:00:00Z\n")
	assert.Equal(t, time.Date(2030, 4, 1, 0, 0, 0, 0, time.UTC), got)

	got = extractExpiryDate("paid-till: 2031.02.03")
	assert.Equal(t, 2031, got.Year())

	assert.True(t, extractExpiryDate("").IsZero())
}
