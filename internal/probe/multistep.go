package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// --- Multi-step Prober ---

// Step is one request in a multi-step script.
type Step struct {
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"`
	Body            string            `json:"body,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ExpectedStatus  int               `json:"expectedStatus,omitempty"`
	ExpectedKeyword string            `json:"expectedKeyword,omitempty"`
}

// ParseSteps decodes a script. An empty script falls back to a single GET of
// fallbackURL expecting 200.
func ParseSteps(script, fallbackURL string) ([]Step, error) {
	if strings.TrimSpace(script) == "" {
		return []Step{{URL: fallbackURL}}, nil
	}
	var steps []Step
	if err := json.Unmarshal([]byte(script), &steps); err != nil {
		return nil, fmt.Errorf("parse multi-step config: %w", err)
	}
	if len(steps) == 0 {
		return []Step{{URL: fallbackURL}}, nil
	}
	return steps, nil
}

// MultiStepProber runs the steps in order; the first failing step fails the check.
type MultiStepProber struct {
	Client     *http.Client
	RetryDelay time.Duration
}

func (p *MultiStepProber) Probe(ctx context.Context, req Request) Outcome {
	steps, err := ParseSteps(req.Check.MultiStepConfig, req.URL)
	if err != nil {
		return failure(model.SeverityP2, "multi-step check misconfigured: %v", err)
	}

	var total time.Duration
	for i, step := range steps {
		latency, reason, ok := p.runStep(ctx, step, req.attempts())
		total += latency
		if !ok {
			out := failure(model.SeverityP1, "multi-step failed at step %d (%s): %s", i+1, step.URL, reason)
			out.LatencyMs = total.Milliseconds()
			return out
		}
	}

	return Outcome{
		OK:        true,
		LatencyMs: total.Milliseconds(),
		Severity:  model.SeverityP3,
		Detail:    fmt.Sprintf("multi-step passed (%d steps)", len(steps)),
	}
}

func (p *MultiStepProber) runStep(ctx context.Context, step Step, attempts int) (time.Duration, string, bool) {
	method := strings.ToUpper(step.Method)
	if method == "" {
		method = http.MethodGet
	}
	want := step.ExpectedStatus
	if want == 0 {
		want = http.StatusOK
	}

	var last httpAttempt
	reason := ""
	for i := 1; i <= attempts; i++ {
		var body io.Reader
		if step.Body != "" {
			body = strings.NewReader(step.Body)
		}
		last = doAttempt(ctx, p.Client, method, step.URL, body, step.Headers, step.ExpectedKeyword != "")

		switch {
		case last.err != nil:
			reason = last.describe()
		case last.status != want:
			reason = fmt.Sprintf("HTTP %d, expected %d", last.status, want)
		case step.ExpectedKeyword != "" && !strings.Contains(last.body, step.ExpectedKeyword):
			reason = fmt.Sprintf("keyword %q not found", step.ExpectedKeyword)
		default:
			return last.latency, "", true
		}

		if i < attempts && !sleep(ctx, p.RetryDelay) {
			break
		}
	}
	return last.latency, reason, false
}
