package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/makt28/vigil/internal/probe"
	"github.com/makt28/vigil/internal/protocol"
)

const (
	writeTimeout      = 10 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Agent is a validator: it keeps a connection to the hub, signs up with its
// key and answers validate requests by running probes.
type Agent struct {
	HubURL       string
	IP           string
	Key          ed25519.PrivateKey
	ProbeOptions probe.Options
	Dialer       *websocket.Dialer
	MinBackoff   time.Duration
	MaxBackoff   time.Duration

	mu          sync.RWMutex
	validatorID string
}

// New creates an agent for hubURL signing with key.
func New(hubURL string, key ed25519.PrivateKey) *Agent {
	return &Agent{HubURL: hubURL, IP: "127.0.0.1", Key: key}
}

// PublicKey returns the base58 public key the agent signs up with.
func (a *Agent) PublicKey() string {
	return protocol.EncodePublicKey(a.Key.Public().(ed25519.PublicKey))
}

// ValidatorID returns the id assigned by the hub, empty before signup.
func (a *Agent) ValidatorID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validatorID
}

// Run connects to the hub and reconnects with exponential backoff until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	minBackoff, maxBackoff := a.MinBackoff, a.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}

	backoff := minBackoff
	for {
		signedUp, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if signedUp {
			backoff = minBackoff
		}
		slog.Warn("hub connection lost, reconnecting", "hub", a.HubURL, "retry_in", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// conn serializes writes to one websocket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(t protocol.MessageType, v any) error {
	raw, err := protocol.Encode(t, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// session runs one connection until it fails. It reports whether the hub
// accepted the signup.
func (a *Agent) session(ctx context.Context) (bool, error) {
	dialer := a.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, a.HubURL, nil)
	if err != nil {
		return false, fmt.Errorf("agent: dial: %w", err)
	}
	c := &conn{ws: ws}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		ws.Close()
		wg.Wait()
	}()
	go func() {
		<-sessCtx.Done()
		ws.Close()
	}()

	callbackID, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("agent: callback id: %w", err)
	}
	publicKey := a.PublicKey()
	signup := protocol.SignupRequest{
		IP:            a.IP,
		PublicKey:     publicKey,
		SignedMessage: protocol.Sign(protocol.SignupChallenge(callbackID.String(), publicKey), a.Key),
		CallbackID:    callbackID.String(),
	}
	if err := c.send(protocol.TypeSignup, signup); err != nil {
		return false, fmt.Errorf("agent: send signup: %w", err)
	}

	signedUp := false
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return signedUp, fmt.Errorf("agent: read: %w", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			slog.Debug("ignoring malformed hub message", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeSignup:
			var resp protocol.SignupResponse
			if err := json.Unmarshal(env.Data, &resp); err != nil || resp.CallbackID != signup.CallbackID {
				continue
			}
			a.mu.Lock()
			a.validatorID = resp.ValidatorID
			a.mu.Unlock()
			signedUp = true
			slog.Info("signed up with hub", "validator_id", resp.ValidatorID, "public_key", publicKey)

		case protocol.TypeValidate:
			var req protocol.ValidateRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				slog.Debug("ignoring malformed validate request", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.send(protocol.TypeValidate, a.Validate(sessCtx, req)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					slog.Warn("failed to send validate response", "callback_id", req.CallbackID, "error", err)
				}
			}()
		}
	}
}

// Validate runs the requested check and builds the signed reply.
func (a *Agent) Validate(ctx context.Context, req protocol.ValidateRequest) protocol.ValidateResponse {
	out := probe.Run(ctx, probe.Request{URL: req.URL, Retries: req.Retries, Check: req.CheckSpec()}, a.ProbeOptions)
	slog.Debug("check complete",
		"url", req.URL,
		"check_type", req.CheckType,
		"ok", out.OK,
		"latency_ms", out.LatencyMs,
		"detail", out.Detail,
	)
	return protocol.ValidateResponse{
		CallbackID:    req.CallbackID,
		Status:        out.Status(),
		Latency:       out.LatencyMs,
		WebsiteID:     req.WebsiteID,
		ValidatorID:   a.ValidatorID(),
		SignedMessage: protocol.Sign(protocol.ReplyChallenge(req.CallbackID), a.Key),
		Severity:      out.Severity,
		Details:       out.Detail,
	}
}
