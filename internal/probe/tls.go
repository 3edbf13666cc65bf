package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// --- TLS Prober ---

const (
	defaultTLSPort    = "443"
	defaultTLSTimeout = 10 * time.Second

	// criticalDays and below is always a P1 failure.
	criticalDays = 3
)

// DefaultWarningDays is used when a target configures no thresholds.
var DefaultWarningDays = []int{7, 14, 30}

// TLSProber reads the peer certificate's expiry. The chain is not validated:
// the check cares about expiry, not trust.
type TLSProber struct {
	Port    string
	Timeout time.Duration
	Now     func() time.Time
}

func (p *TLSProber) Probe(ctx context.Context, req Request) Outcome {
	host := hostname(req.URL)
	if host == "" {
		return failure(model.SeverityP1, "TLS check failed: no hostname in %q", req.URL)
	}

	port := p.Port
	if port == "" {
		port = defaultTLSPort
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTLSTimeout
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(model.SeverityP1, "TLS handshake timeout after %s", timeout)
		}
		return failure(model.SeverityP1, "TLS handshake failed: %v", err)
	}
	defer conn.Close()
	latency := time.Since(start)

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return failure(model.SeverityP1, "TLS handshake returned no peer certificate")
	}

	days := daysUntil(certs[0].NotAfter, now())
	out := ClassifyExpiry(days, ParseWarningDays(req.Check.TLSWarningDaysCSV))
	out.LatencyMs = latency.Milliseconds()
	return out
}

// ClassifyExpiry maps days left on a certificate to an outcome.
// thresholds must be sorted ascending.
func ClassifyExpiry(daysLeft int, thresholds []int) Outcome {
	if daysLeft <= criticalDays {
		return failure(model.SeverityP1, "TLS certificate expires in %d days", daysLeft)
	}
	if len(thresholds) > 0 && daysLeft <= thresholds[len(thresholds)-1] {
		return failure(model.SeverityP2, "TLS certificate expires in %d days (warning threshold %d)", daysLeft, thresholds[len(thresholds)-1])
	}
	return Outcome{
		OK:       true,
		Severity: model.SeverityP3,
		Detail:   fmt.Sprintf("TLS certificate valid for %d more days", daysLeft),
	}
}

// ParseWarningDays reads a CSV of positive day counts, sorted ascending.
// Invalid entries are skipped; an empty result yields DefaultWarningDays.
func ParseWarningDays(csv string) []int {
	var days []int
	for _, part := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			continue
		}
		days = append(days, n)
	}
	if len(days) == 0 {
		return append([]int(nil), DefaultWarningDays...)
	}
	sort.Ints(days)
	return days
}

func daysUntil(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}
