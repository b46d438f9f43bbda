// Package scheduler runs the per-owner trigger state machine.
//
// An owner moves Idle -> Armed on the first evaluation that finds them
// Triggered, which creates one release entry per asset for the new
// episode. A check-in observed while Armed cancels the entries that have
// not started (Armed -> Disarmed) and returns the owner to Idle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/deadhand/internal/audit"
	"github.com/fentz26/deadhand/internal/clock"
	"github.com/fentz26/deadhand/internal/liveness"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/fentz26/deadhand/internal/observability"
	"github.com/fentz26/deadhand/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the scheduler needs. *store.Store implements it.
type Store interface {
	GetLastCheckin(ctx context.Context, ownerID string) (*time.Time, error)
	SetLastCheckin(ctx context.Context, ownerID string, at time.Time) error
	ListOwners(ctx context.Context) ([]string, error)

	GetSwitch(ctx context.Context, ownerID string) (*models.OwnerSwitch, error)
	ArmSwitch(ctx context.Context, ownerID string, at time.Time) (int64, bool, error)
	DisarmSwitch(ctx context.Context, ownerID string, at time.Time) ([]models.ReleaseEntry, bool, error)
	ResetSwitch(ctx context.Context, ownerID string) error

	ListAssetsByOwner(ctx context.Context, ownerID string) ([]models.Asset, error)
	HasSucceeded(ctx context.Context, assetID string) (bool, error)
	InsertReleaseIfAbsent(ctx context.Context, e *models.ReleaseEntry) (bool, error)
}

// Observation is the result of evaluating one owner.
type Observation struct {
	OwnerID     string               `json:"owner_id"`
	ObservedAt  time.Time            `json:"observed_at"`
	Liveness    models.LivenessState `json:"liveness"`
	LastCheckin *time.Time           `json:"last_checkin,omitempty"`
	Switch      models.SwitchState   `json:"switch"`
	Episode     int64                `json:"episode"`
	TriggeredAt *time.Time           `json:"triggered_at,omitempty"`
	Armed       int                  `json:"armed"`     // entries created by this evaluation
	Cancelled   int                  `json:"cancelled"` // entries cancelled by this evaluation
}

// Scheduler evaluates owner liveness and arms or disarms their releases.
type Scheduler struct {
	store   Store
	pdr     *audit.PDRWriter
	clock   clock.Clock
	config  *Config
	log     *slog.Logger
	metrics *observability.Instruments
	retry   retry.Policy

	// owners serializes evaluations of the same owner.
	owners sync.Map // owner ID -> *sync.Mutex

	mu    sync.Mutex
	stats Stats

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats counts scheduler activity since start.
type Stats struct {
	Evaluations int64     `json:"evaluations"`
	Episodes    int64     `json:"episodes"`
	Disarms     int64     `json:"disarms"`
	Errors      int64     `json:"errors"`
	LastRun     time.Time `json:"last_run"`
}

// New creates a new scheduler.
func New(st Store, pdr *audit.PDRWriter, clk clock.Clock, cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:  st,
		pdr:    pdr,
		clock:  clk,
		config: cfg,
		log:    slog.Default(),
		retry:  retry.DefaultPolicy,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetLogger replaces the logger.
func (s *Scheduler) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetMetrics attaches engine instruments.
func (s *Scheduler) SetMetrics(m *observability.Instruments) {
	s.metrics = m
}

// SetRetryPolicy replaces the backoff used for store calls.
func (s *Scheduler) SetRetryPolicy(p retry.Policy) {
	s.retry = p
}

// GraceWindow returns the configured liveness threshold.
func (s *Scheduler) GraceWindow() time.Duration {
	return s.config.GraceWindow
}

// Start begins the evaluation loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Info("scheduler started", "interval", s.config.Interval.String())
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.EvaluateAll(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("evaluate owners", "error", err)
			}
		}
	}
}

// EvaluateAll evaluates every owner with a check-in record. Owners are
// processed in parallel; one owner's failure is logged and does not stop
// the others.
func (s *Scheduler) EvaluateAll(ctx context.Context) error {
	var owners []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		owners, err = s.store.ListOwners(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.config.concurrency())
	for _, owner := range owners {
		owner := owner
		g.Go(func() error {
			if _, err := s.Evaluate(ctx, owner); err != nil {
				s.log.Error("evaluate owner", "owner_id", owner, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	s.mu.Lock()
	s.stats.LastRun = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// Evaluate runs one liveness evaluation and state-machine step for owner.
func (s *Scheduler) Evaluate(ctx context.Context, ownerID string) (Observation, error) {
	unlock := s.lockOwner(ownerID)
	defer unlock()
	return s.evaluateLocked(ctx, ownerID, true)
}

// CheckIn records a liveness signal for owner at the current clock time
// and evaluates the owner, disarming it if it was Armed.
func (s *Scheduler) CheckIn(ctx context.Context, ownerID string) (Observation, error) {
	unlock := s.lockOwner(ownerID)
	defer unlock()

	now := s.clock.Now()
	err := s.do(ctx, func(ctx context.Context) error {
		return s.store.SetLastCheckin(ctx, ownerID, now)
	})
	if err != nil {
		return Observation{}, fmt.Errorf("record check-in: %w", err)
	}
	s.pdr.Record(audit.ActionCheckin, map[string]interface{}{
		"owner_id": ownerID,
		"at":       now,
	}, "recorded", ownerID, "")
	s.log.Debug("check-in recorded", "owner_id", ownerID)

	return s.evaluateLocked(ctx, ownerID, true)
}

// Gate evaluates owner and, while no other evaluation of the owner can
// run, calls fn with the result. The pipeline claims entries inside fn so
// a concurrent check-in is either applied before the claim or observed
// after it. Gate only creates entries when it opens a new episode; assets
// added to an episode already Armed are picked up by Evaluate.
func (s *Scheduler) Gate(ctx context.Context, ownerID string, fn func(Observation) error) error {
	unlock := s.lockOwner(ownerID)
	defer unlock()

	obs, err := s.evaluateLocked(ctx, ownerID, false)
	if err != nil {
		return err
	}
	return fn(obs)
}

// evaluateLocked runs one state-machine step. With rearm set, an owner
// that is already Armed has its assets rescanned for missing entries.
func (s *Scheduler) evaluateLocked(ctx context.Context, ownerID string, rearm bool) (Observation, error) {
	now := s.clock.Now()
	obs := Observation{OwnerID: ownerID, ObservedAt: now}

	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		obs.LastCheckin, err = s.store.GetLastCheckin(ctx, ownerID)
		return err
	})
	if err != nil {
		return s.fail(obs, fmt.Errorf("get last check-in: %w", err))
	}
	obs.Liveness = liveness.Evaluate(obs.LastCheckin, now, s.config.GraceWindow)

	sw, err := s.getSwitch(ctx, ownerID)
	if err != nil {
		return s.fail(obs, err)
	}

	// A disarm interrupted between cancel and reset is finished here.
	if sw.State == models.SwitchDisarmed {
		if err := s.do(ctx, func(ctx context.Context) error { return s.store.ResetSwitch(ctx, ownerID) }); err != nil {
			return s.fail(obs, fmt.Errorf("reset switch: %w", err))
		}
		sw.State = models.SwitchIdle
	}

	switch obs.Liveness {
	case models.LivenessTriggered:
		opened := false
		if sw.State == models.SwitchIdle {
			if sw, err = s.arm(ctx, ownerID, now); err != nil {
				return s.fail(obs, err)
			}
			opened = true
		}
		if sw.State == models.SwitchArmed && (opened || rearm) {
			n, err := s.armAssets(ctx, sw)
			obs.Armed = n
			if err != nil {
				s.fill(&obs, sw)
				return s.fail(obs, err)
			}
		}

	case models.LivenessAlive:
		if sw.State == models.SwitchArmed {
			cancelled, err := s.disarm(ctx, ownerID, sw.Episode, now)
			if err != nil {
				return s.fail(obs, err)
			}
			obs.Cancelled = cancelled
			sw.State = models.SwitchIdle
			sw.DisarmedAt = &now
		}
	}

	s.fill(&obs, sw)
	s.mu.Lock()
	s.stats.Evaluations++
	s.mu.Unlock()
	return obs, nil
}

func (s *Scheduler) fill(obs *Observation, sw *models.OwnerSwitch) {
	obs.Switch = sw.State
	obs.Episode = sw.Episode
	obs.TriggeredAt = sw.TriggeredAt
}

func (s *Scheduler) fail(obs Observation, err error) (Observation, error) {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	return obs, err
}

func (s *Scheduler) getSwitch(ctx context.Context, ownerID string) (*models.OwnerSwitch, error) {
	var sw *models.OwnerSwitch
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		sw, err = s.store.GetSwitch(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get switch: %w", err)
	}
	return sw, nil
}

// arm opens a new trigger episode for owner at now.
func (s *Scheduler) arm(ctx context.Context, ownerID string, now time.Time) (*models.OwnerSwitch, error) {
	var (
		episode int64
		armed   bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		episode, armed, err = s.store.ArmSwitch(ctx, ownerID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("arm switch: %w", err)
	}

	if armed {
		s.mu.Lock()
		s.stats.Episodes++
		s.mu.Unlock()

		s.pdr.Record(audit.ActionArm, map[string]interface{}{
			"owner_id": ownerID,
			"episode":  episode,
			"at":       now,
		}, "armed", ownerID, fmt.Sprintf("episode %d", episode))
		s.log.Info("switch armed", "owner_id", ownerID, "episode", episode)
	}

	return s.getSwitch(ctx, ownerID)
}

// armAssets creates the release entries of the current episode. Assets
// that already succeeded, or that already have an entry for the episode
// or an unfinished one, are skipped, so repeated calls are no-ops.
func (s *Scheduler) armAssets(ctx context.Context, sw *models.OwnerSwitch) (int, error) {
	if sw.TriggeredAt == nil {
		return 0, fmt.Errorf("armed switch of %s has no trigger time", sw.OwnerID)
	}

	var assets []models.Asset
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		assets, err = s.store.ListAssetsByOwner(ctx, sw.OwnerID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list assets: %w", err)
	}

	created := 0
	for _, a := range assets {
		var done bool
		err := s.do(ctx, func(ctx context.Context) error {
			var err error
			done, err = s.store.HasSucceeded(ctx, a.ID)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("check execution log of %s: %w", a.ID, err)
		}
		if done {
			continue
		}

		entry := &models.ReleaseEntry{
			AssetID:     a.ID,
			OwnerID:     sw.OwnerID,
			Episode:     sw.Episode,
			ReleaseTime: sw.TriggeredAt.Add(a.Delay),
		}
		var inserted bool
		err = s.do(ctx, func(ctx context.Context) error {
			var err error
			inserted, err = s.store.InsertReleaseIfAbsent(ctx, entry)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("insert release for %s: %w", a.ID, err)
		}
		if !inserted {
			continue
		}
		created++
		s.log.Info("release armed",
			"owner_id", sw.OwnerID,
			"asset_id", a.ID,
			"entry_id", entry.ID,
			"episode", sw.Episode,
			"release_time", entry.ReleaseTime,
		)
	}

	s.metrics.ReleasesArmed(ctx, created)
	return created, nil
}

// disarm cancels the Armed entries of owner and returns the switch to Idle.
func (s *Scheduler) disarm(ctx context.Context, ownerID string, episode int64, now time.Time) (int, error) {
	var (
		cancelled []models.ReleaseEntry
		disarmed  bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		cancelled, disarmed, err = s.store.DisarmSwitch(ctx, ownerID, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("disarm switch: %w", err)
	}

	if disarmed {
		ids := make([]string, 0, len(cancelled))
		for _, e := range cancelled {
			ids = append(ids, e.ID)
		}
		s.pdr.Record(audit.ActionDisarm, map[string]interface{}{
			"owner_id":  ownerID,
			"episode":   episode,
			"cancelled": ids,
			"at":        now,
		}, "disarmed", ownerID, fmt.Sprintf("episode %d, %d entries cancelled", episode, len(cancelled)))
		s.log.Info("switch disarmed", "owner_id", ownerID, "episode", episode, "cancelled", len(cancelled))
		s.metrics.ReleasesCancelled(ctx, len(cancelled))

		s.mu.Lock()
		s.stats.Disarms++
		s.mu.Unlock()
	}

	if err := s.do(ctx, func(ctx context.Context) error { return s.store.ResetSwitch(ctx, ownerID) }); err != nil {
		return len(cancelled), fmt.Errorf("reset switch: %w", err)
	}
	return len(cancelled), nil
}

func (s *Scheduler) do(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, s.retry, fn)
}

func (s *Scheduler) lockOwner(ownerID string) func() {
	v, _ := s.owners.LoadOrStore(ownerID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// GetStats returns current scheduler statistics.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
