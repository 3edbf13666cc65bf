package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/protocol"
)

// DefaultValidationTimeout bounds how long a request waits for its response.
const DefaultValidationTimeout = 20 * time.Second

type pendingRequest struct {
	peer   Peer
	result chan *model.Vote
}

// Correlator matches validate responses to outstanding requests by callback id.
// A validator disconnecting does not release its outstanding requests; they
// run to their timeout like any unanswered request.
type Correlator struct {
	timeout time.Duration

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	timeoutSource func() time.Duration
}

func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &Correlator{
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
}

// SetTimeoutSource makes every later Request read its timeout from f, so a
// reloaded setting applies without a restart. Non-positive values fall back
// to the fixed timeout.
func (c *Correlator) SetTimeoutSource(f func() time.Duration) {
	c.mu.Lock()
	c.timeoutSource = f
	c.mu.Unlock()
}

func (c *Correlator) currentTimeout() time.Duration {
	c.mu.Lock()
	f := c.timeoutSource
	c.mu.Unlock()
	if f != nil {
		if d := f(); d > 0 {
			return d
		}
	}
	return c.timeout
}

// Request sends req to peer and blocks until a verified response arrives, the
// timeout fires, the send fails, or ctx is done. Anything but a verified
// response yields nil.
func (c *Correlator) Request(ctx context.Context, peer Peer, req protocol.ValidateRequest) *model.Vote {
	id, err := uuid.NewV7()
	if err != nil {
		slog.Error("generate callback id", "error", err)
		return nil
	}
	req.CallbackID = id.String()

	msg, err := protocol.Encode(protocol.TypeValidate, req)
	if err != nil {
		slog.Error("encode validate request", "error", err)
		return nil
	}

	// Buffered so Resolve never blocks on a waiter that already gave up.
	p := &pendingRequest{peer: peer, result: make(chan *model.Vote, 1)}
	c.mu.Lock()
	c.pending[req.CallbackID] = p
	c.mu.Unlock()

	if err := peer.Conn.Send(msg); err != nil {
		c.forget(req.CallbackID)
		slog.Debug("validate request send failed", "validator_id", peer.ValidatorID, "error", err)
		return nil
	}

	timer := time.NewTimer(c.currentTimeout())
	defer timer.Stop()

	select {
	case vote := <-p.result:
		return vote
	case <-timer.C:
		c.forget(req.CallbackID)
		return nil
	case <-ctx.Done():
		c.forget(req.CallbackID)
		return nil
	}
}

// Resolve completes the request named by resp.CallbackID. Responses arriving
// on a connection other than the one the request went to are ignored. The
// entry is removed before completion, so late and duplicate responses are
// dropped. A response whose signature does not verify against the peer's
// stored key completes the request with nil. Reports whether an entry was
// consumed.
func (c *Correlator) Resolve(from Conn, resp protocol.ValidateResponse) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.CallbackID]
	if !ok || p.peer.Conn != from {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, resp.CallbackID)
	c.mu.Unlock()

	p.result <- voteFrom(p.peer, resp)
	return true
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func voteFrom(peer Peer, resp protocol.ValidateResponse) *model.Vote {
	if !protocol.Verify(protocol.ReplyChallenge(resp.CallbackID), peer.PublicKey, resp.SignedMessage) {
		slog.Debug("dropping unverified validate response", "validator_id", peer.ValidatorID)
		return nil
	}
	if !resp.Status.Valid() {
		slog.Debug("dropping validate response with unknown status", "validator_id", peer.ValidatorID, "status", resp.Status)
		return nil
	}
	sev := resp.Severity
	if !sev.Valid() {
		sev = model.SeverityP3
	}
	return &model.Vote{
		ValidatorID: peer.ValidatorID,
		Status:      resp.Status,
		LatencyMs:   resp.Latency,
		Severity:    sev,
		Details:     resp.Details,
	}
}
