package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/protocol"
	"github.com/makt28/vigil/internal/storage"
)

// UnknownLocation is assigned to new validators until geolocation fills it in.
const UnknownLocation = "unknown"

// ErrUnverified is returned by Signup when the signed challenge does not verify.
var ErrUnverified = errors.New("hub: signup signature did not verify")

// Conn is the write side of a validator connection.
type Conn interface {
	Send(msg []byte) error
}

// ValidatorStore is the subset of storage the registry needs.
type ValidatorStore interface {
	FindValidatorByPublicKey(ctx context.Context, publicKey string) (*model.Validator, error)
	CreateValidator(ctx context.Context, v *model.Validator) error
}

// Peer is a live, signed-up validator connection.
type Peer struct {
	Conn        Conn      `json:"-"`
	ValidatorID string    `json:"validator_id"`
	PublicKey   string    `json:"public_key"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is the set of live validators, keyed by connection.
type Registry struct {
	store ValidatorStore

	mu    sync.RWMutex
	peers map[Conn]*Peer
}

func NewRegistry(store ValidatorStore) *Registry {
	return &Registry{
		store: store,
		peers: make(map[Conn]*Peer),
	}
}

// Signup verifies the signed challenge, resolves or creates the validator
// record, registers the connection and replies over it. An unverifiable
// signup returns ErrUnverified and sends nothing.
func (r *Registry) Signup(ctx context.Context, conn Conn, req protocol.SignupRequest) (*Peer, error) {
	challenge := protocol.SignupChallenge(req.CallbackID, req.PublicKey)
	if !protocol.Verify(challenge, req.PublicKey, req.SignedMessage) {
		slog.Debug("dropping unverified signup", "ip", req.IP)
		return nil, ErrUnverified
	}

	v, err := r.store.FindValidatorByPublicKey(ctx, req.PublicKey)
	if errors.Is(err, storage.ErrNotFound) {
		v = &model.Validator{
			PublicKey: req.PublicKey,
			IP:        req.IP,
			Location:  UnknownLocation,
		}
		err = r.store.CreateValidator(ctx, v)
	}
	if err != nil {
		return nil, fmt.Errorf("hub: signup: %w", err)
	}

	peer := &Peer{
		Conn:        conn,
		ValidatorID: v.ID,
		PublicKey:   v.PublicKey,
		IP:          req.IP,
		ConnectedAt: time.Now(),
	}
	r.mu.Lock()
	r.peers[conn] = peer
	r.mu.Unlock()

	reply, err := protocol.Encode(protocol.TypeSignup, protocol.SignupResponse{
		ValidatorID: v.ID,
		CallbackID:  req.CallbackID,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(reply); err != nil {
		r.Remove(conn)
		return nil, fmt.Errorf("hub: signup reply: %w", err)
	}

	slog.Info("validator signed up", "validator_id", v.ID, "ip", req.IP)
	return peer, nil
}

// Remove drops the entry for conn, if any.
func (r *Registry) Remove(conn Conn) {
	r.mu.Lock()
	peer, ok := r.peers[conn]
	delete(r.peers, conn)
	r.mu.Unlock()
	if ok {
		slog.Info("validator disconnected", "validator_id", peer.ValidatorID)
	}
}

// Lookup returns the live entry for conn.
func (r *Registry) Lookup(conn Conn) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[conn]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Pick returns min(n, Count()) distinct live peers chosen uniformly at random.
func (r *Registry) Pick(n int) []Peer {
	r.mu.RLock()
	all := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		all = append(all, *p)
	}
	r.mu.RUnlock()

	if n > len(all) {
		n = len(all)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Peer, n)
	for i, j := range rand.Perm(len(all))[:n] {
		out[i] = all[j]
	}
	return out
}

// List returns all live peers ordered by connection time.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
