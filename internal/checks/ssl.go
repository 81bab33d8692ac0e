package checks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
)

// TLSChecker completes a handshake and checks the leaf certificate window.
type TLSChecker struct {
	rootCAs *x509.CertPool
}

func NewTLSChecker() *TLSChecker {
	return &TLSChecker{}
}

// WithRootCAs overrides the system trust store.
func (s *TLSChecker) WithRootCAs(pool *x509.CertPool) *TLSChecker {
	s.rootCAs = pool
	return s
}

func (s *TLSChecker) Check(ctx context.Context, target Target) core.ProbeResult {
	start := time.Now()

	u, err := url.Parse(target.URL)
	if err != nil || u.Hostname() == "" {
		return core.Failure(target.MonitorID, start, "invalid URL")
	}

	hostname := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName: hostname,
			RootCAs:    s.rootCAs,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostname, port))
	latency := time.Since(start)
	if err != nil {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("tls handshake failed: %v", err))
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return core.Failure(target.MonitorID, start, "no certificates presented")
	}

	cert := certs[0]
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return core.Failure(target.MonitorID, start, "certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return core.Failure(target.MonitorID, start, "certificate has expired")
	}

	return core.Success(target.MonitorID, start, latency)
}
