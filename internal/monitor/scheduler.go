package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/hub"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/protocol"
	"github.com/makt28/vigil/internal/storage"
)

// Pool is the live validator set.
type Pool interface {
	Pick(n int) []hub.Peer
	Count() int
}

// Requester sends one probe request and waits for a verified vote. A nil vote
// means the validator timed out or its reply failed verification.
type Requester interface {
	Request(ctx context.Context, peer hub.Peer, req protocol.ValidateRequest) *model.Vote
}

// Sweeper processes due alert deliveries.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Scheduler runs the monitoring cycle on a fixed tick and reacts to config changes.
type Scheduler struct {
	cfgMgr    *config.Manager
	store     storage.Store
	pool      Pool
	requester Requester
	incidents *Incidents
	deliverer Sweeper
	now       func() time.Time

	mu      sync.Mutex
	nextRun map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfgMgr *config.Manager, store storage.Store, pool Pool, requester Requester, incidents *Incidents, deliverer Sweeper) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfgMgr:    cfgMgr,
		store:     store,
		pool:      pool,
		requester: requester,
		incidents: incidents,
		deliverer: deliverer,
		now:       time.Now,
		nextRun:   make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop. Each tick starts a cycle in its own goroutine,
// so a slow cycle never delays the next tick.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels in-flight cycles and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	tick := s.cfgMgr.Get().Monitor.Tick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	slog.Info("scheduler started", "tick", tick)

	onChange := s.cfgMgr.Subscribe()
	for {
		select {
		case <-s.stopCh:
			slog.Info("scheduler stopped")
			return
		case <-onChange:
			if next := s.cfgMgr.Get().Monitor.Tick(); next != tick {
				tick = next
				ticker.Reset(tick)
				slog.Info("config changed, tick updated", "tick", tick)
			}
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.RunCycle(s.ctx)
			}()
		}
	}
}

// RunCycle runs one monitoring pass, then the escalation sweep, then the
// delivery sweep. Each phase logs its failure and the cycle moves on.
func (s *Scheduler) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitoring cycle panicked", "panic", r)
		}
	}()

	s.incidents.SetReminderFloor(s.cfgMgr.Get().Alerts.ReminderMinutes)

	if err := s.MonitoringPass(ctx); err != nil {
		slog.Error("monitoring pass failed", "error", err)
	}
	if err := s.incidents.EscalationSweep(ctx); err != nil {
		slog.Error("escalation sweep failed", "error", err)
	}
	if err := s.deliverer.Sweep(ctx); err != nil {
		slog.Error("delivery sweep failed", "error", err)
	}
}

// MonitoringPass probes every eligible target once. Targets are handled in
// order and a failing target never aborts the pass.
func (s *Scheduler) MonitoringPass(ctx context.Context) error {
	if s.pool.Count() == 0 {
		return nil
	}

	targets, err := s.store.ListEnabledTargets(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list targets: %w", err)
	}

	cfg := s.cfgMgr.Get().Monitor
	for i := range targets {
		if ctx.Err() != nil {
			return nil
		}
		target := targets[i]
		if target.Muted(s.now()) {
			continue
		}
		if !s.claim(target.ID, cfg) {
			continue
		}
		s.round(ctx, target, cfg)
	}
	return nil
}

// NextRun returns the next time target may be probed, if one is set.
func (s *Scheduler) NextRun(targetID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.nextRun[targetID]
	return t, ok
}

// claim reserves the target for this cycle by writing a provisional
// next-eligible time. It returns false if the target is not yet due.
func (s *Scheduler) claim(targetID string, cfg config.MonitorConfig) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextRun[targetID]; ok && next.After(now) {
		return false
	}
	s.nextRun[targetID] = now.Add(cfg.ValidationTimeout() + cfg.FastRecheck())
	return true
}

func (s *Scheduler) release(targetID string) {
	s.mu.Lock()
	delete(s.nextRun, targetID)
	s.mu.Unlock()
}

func (s *Scheduler) schedule(targetID string, after time.Duration) {
	s.mu.Lock()
	s.nextRun[targetID] = s.now().Add(after)
	s.mu.Unlock()
}

func (s *Scheduler) round(ctx context.Context, target model.Target, cfg config.MonitorConfig) {
	log := slog.With("target_id", target.ID, "url", target.URL)

	peers := s.pool.Pick(max(target.ValidatorsPerRound, 1))
	if len(peers) == 0 {
		s.release(target.ID)
		return
	}

	req := protocol.NewValidateRequest(target.ID, target.URL, target.Retries, target.Check)
	votes := s.fanOut(ctx, peers, req)
	if len(votes) == 0 {
		log.Warn("no verified responses, scheduling fast recheck", "asked", len(peers))
		s.schedule(target.ID, cfg.FastRecheck())
		return
	}

	if err := s.store.RecordRound(ctx, ticksFor(target.ID, "", votes, s.now()), cfg.CreditPerCheck); err != nil {
		// Incident state only moves on rounds whose ticks are stored.
		log.Error("failed to record round, scheduling fast recheck", "error", err)
		s.schedule(target.ID, cfg.FastRecheck())
		return
	}

	ids := make([]string, len(votes))
	for i, v := range votes {
		ids[i] = v.ValidatorID
	}
	regions, err := s.store.ValidatorLocations(ctx, ids)
	if err != nil {
		log.Error("failed to load validator locations", "error", err)
		regions = nil
	}

	d := Decide(votes, regions, target.Quorum)
	log.Debug("quorum decision",
		"down", d.IsDown,
		"bad", d.BadCount,
		"bad_regions", d.BadRegionCount,
		"sample", d.SampleCount,
		"quorum", d.Quorum,
		"severity", d.Severity,
		"root_cause", d.RootCauseHint,
	)
	if err := s.incidents.Apply(ctx, target, d); err != nil {
		log.Error("failed to apply decision", "error", err)
	}

	switch {
	case d.IsDown:
		s.schedule(target.ID, cfg.FastRecheck())
	case d.BadCount > 0:
		s.schedule(target.ID, cfg.NormalRecheck())
	default:
		s.schedule(target.ID, cfg.StableRecheck())
	}

	s.probeComponents(ctx, target, peers, cfg)
}

// probeComponents probes each enabled component with the round's validators.
// Components only produce ticks.
func (s *Scheduler) probeComponents(ctx context.Context, target model.Target, peers []hub.Peer, cfg config.MonitorConfig) {
	components, err := s.store.ListEnabledComponents(ctx, target.ID)
	if err != nil {
		slog.Error("failed to list components", "target_id", target.ID, "error", err)
		return
	}

	for i := range components {
		c := components[i]
		url, err := c.ResolveURL(target.URL)
		if err != nil {
			slog.Warn("skipping component with unresolvable url", "component_id", c.ID, "error", err)
			continue
		}

		req := protocol.NewValidateRequest(target.ID, url, target.Retries, c.Check)
		votes := s.fanOut(ctx, peers, req)
		if len(votes) == 0 {
			continue
		}
		if err := s.store.RecordRound(ctx, ticksFor(target.ID, c.ID, votes, s.now()), cfg.CreditPerCheck); err != nil {
			slog.Error("failed to record component round", "component_id", c.ID, "error", err)
		}
	}
}

// fanOut sends req to every peer in parallel and returns the surviving votes
// in peer order.
func (s *Scheduler) fanOut(ctx context.Context, peers []hub.Peer, req protocol.ValidateRequest) []model.Vote {
	results := make([]*model.Vote, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		g.Go(func() error {
			results[i] = s.requester.Request(gctx, p, req)
			return nil
		})
	}
	_ = g.Wait()

	votes := make([]model.Vote, 0, len(results))
	for _, v := range results {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	return votes
}

func ticksFor(targetID, componentID string, votes []model.Vote, at time.Time) []model.Tick {
	ticks := make([]model.Tick, len(votes))
	for i, v := range votes {
		ticks[i] = model.Tick{
			TargetID:    targetID,
			ComponentID: componentID,
			ValidatorID: v.ValidatorID,
			Status:      v.Status,
			LatencyMs:   v.LatencyMs,
			Severity:    v.Severity,
			Details:     v.Details,
			CreatedAt:   at,
		}
	}
	return ticks
}
