package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/makt28/vigil/internal/model"
)

const (
	// DefaultRetryDelay separates attempts inside one check.
	DefaultRetryDelay = 250 * time.Millisecond

	// attemptTimeout bounds a single HTTP attempt.
	attemptTimeout = 10 * time.Second

	// maxBodyBytes caps how much of a response body is scanned for keywords.
	maxBodyBytes = 1 << 20
)

// Request is the input of one check.
type Request struct {
	URL     string
	Retries int
	Check   model.CheckSpec
}

// attempts returns retries+1, never less than one.
func (r Request) attempts() int {
	if r.Retries < 0 {
		return 1
	}
	return r.Retries + 1
}

// Outcome is the result of one check.
type Outcome struct {
	OK        bool
	LatencyMs int64
	Severity  model.Severity
	Detail    string
}

// Status maps the outcome onto the wire verdict.
func (o Outcome) Status() model.CheckStatus {
	if o.OK {
		return model.StatusGood
	}
	return model.StatusBad
}

func failure(sev model.Severity, format string, args ...any) Outcome {
	return Outcome{OK: false, Severity: sev, Detail: fmt.Sprintf(format, args...)}
}

// Prober is implemented by every check type.
type Prober interface {
	Probe(ctx context.Context, req Request) Outcome
}

// Options tunes the probers built by NewProber.
type Options struct {
	Client     *http.Client
	RetryDelay time.Duration
}

func (o Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: attemptTimeout}
}

func (o Options) retryDelay() time.Duration {
	if o.RetryDelay == 0 {
		return DefaultRetryDelay
	}
	return o.RetryDelay
}

// NewProber returns the prober for a check type. An empty type means HTTP.
func NewProber(checkType model.CheckType, opts Options) (Prober, error) {
	switch checkType {
	case model.CheckHTTP, "":
		return &HTTPProber{Client: opts.client(), RetryDelay: opts.retryDelay()}, nil
	case model.CheckKeyword:
		return &KeywordProber{Client: opts.client(), RetryDelay: opts.retryDelay()}, nil
	case model.CheckDNS:
		return &DNSProber{}, nil
	case model.CheckTLS:
		return &TLSProber{}, nil
	case model.CheckMultiStep:
		return &MultiStepProber{Client: opts.client(), RetryDelay: opts.retryDelay()}, nil
	default:
		return nil, fmt.Errorf("probe: unknown check type %q", checkType)
	}
}

// Run builds the prober for req and executes it. An unknown check type is
// reported as a failed outcome rather than an error.
func Run(ctx context.Context, req Request, opts Options) Outcome {
	p, err := NewProber(req.Check.Type, opts)
	if err != nil {
		return failure(model.SeverityP2, "%v", err)
	}
	return p.Probe(ctx, req)
}

// httpAttempt is the result of one request inside a retry loop.
type httpAttempt struct {
	status  int
	body    string
	latency time.Duration
	err     error
}

// doAttempt performs one request. Network errors are captured, not returned.
func doAttempt(ctx context.Context, client *http.Client, method, url string, body io.Reader, headers map[string]string, readBody bool) httpAttempt {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return httpAttempt{err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return httpAttempt{latency: time.Since(start), err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	a := httpAttempt{status: resp.StatusCode}
	if readBody {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			a.err = fmt.Errorf("read body: %w", err)
		}
		a.body = string(data)
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	}
	a.latency = time.Since(start)
	return a
}

func (a httpAttempt) describe() string {
	if a.err != nil {
		return a.err.Error()
	}
	return fmt.Sprintf("HTTP %d", a.status)
}

// sleep waits d or until ctx is done. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func successStatus(code int) bool {
	return code >= 200 && code < 400
}
