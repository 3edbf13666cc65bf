package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// --- HTTP Prober ---

// HTTPProber succeeds when the URL answers with a status in [200, 400).
type HTTPProber struct {
	Client     *http.Client
	RetryDelay time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context, req Request) Outcome {
	n := req.attempts()
	var last httpAttempt
	tried := 0

	for i := 1; i <= n; i++ {
		tried = i
		last = doAttempt(ctx, p.Client, http.MethodGet, req.URL, nil, nil, false)
		if last.err == nil && successStatus(last.status) {
			return Outcome{
				OK:        true,
				LatencyMs: last.latency.Milliseconds(),
				Severity:  model.SeverityP3,
				Detail:    fmt.Sprintf("HTTP %d", last.status),
			}
		}
		if i < n && !sleep(ctx, p.RetryDelay) {
			break
		}
	}

	out := failure(model.SeverityP2, "HTTP check failed after %d attempts: %s", tried, last.describe())
	out.LatencyMs = last.latency.Milliseconds()
	return out
}

// --- Keyword Prober ---

// KeywordProber additionally requires the body to contain the expected keyword.
type KeywordProber struct {
	Client     *http.Client
	RetryDelay time.Duration
}

func (p *KeywordProber) Probe(ctx context.Context, req Request) Outcome {
	keyword := req.Check.ExpectedKeyword
	if keyword == "" {
		return failure(model.SeverityP2, "keyword check misconfigured: no expected keyword")
	}

	n := req.attempts()
	var last httpAttempt
	reason := ""
	tried := 0

	for i := 1; i <= n; i++ {
		tried = i
		last = doAttempt(ctx, p.Client, http.MethodGet, req.URL, nil, nil, true)
		switch {
		case last.err != nil || !successStatus(last.status):
			reason = last.describe()
		case !strings.Contains(last.body, keyword):
			reason = fmt.Sprintf("keyword %q not found (HTTP %d)", keyword, last.status)
		default:
			return Outcome{
				OK:        true,
				LatencyMs: last.latency.Milliseconds(),
				Severity:  model.SeverityP3,
				Detail:    fmt.Sprintf("HTTP %d, keyword found", last.status),
			}
		}
		if i < n && !sleep(ctx, p.RetryDelay) {
			break
		}
	}

	out := failure(model.SeverityP2, "content check failed after %d attempts: %s", tried, reason)
	out.LatencyMs = last.latency.Milliseconds()
	return out
}
