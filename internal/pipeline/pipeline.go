// Package pipeline drains due release entries and dispatches them to
// action executors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/deadhand/internal/audit"
	"github.com/fentz26/deadhand/internal/clock"
	"github.com/fentz26/deadhand/internal/executor"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/fentz26/deadhand/internal/observability"
	"github.com/fentz26/deadhand/internal/retry"
	"github.com/fentz26/deadhand/internal/scheduler"
	"github.com/fentz26/deadhand/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the pipeline needs. *store.Store implements it.
type Store interface {
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.ReleaseEntry, error)
	GetRelease(ctx context.Context, id string) (*models.ReleaseEntry, error)
	ClaimRelease(ctx context.Context, id string, expected models.ReleaseStatus, token string) (bool, error)
	TransitionRelease(ctx context.Context, id, token string, to models.ReleaseStatus, lastErr string) error
	RequeueRelease(ctx context.Context, id, token, lastErr string, countAttempt bool) (models.ReleaseStatus, error)
	RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)

	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	Unlock(ctx context.Context, id string) error

	HasSucceeded(ctx context.Context, assetID string) (bool, error)
	AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error
}

// Gate evaluates an owner and runs fn while the owner's state cannot
// change. *scheduler.Scheduler implements it.
type Gate interface {
	Gate(ctx context.Context, ownerID string, fn func(scheduler.Observation) error) error
}

// Config defines the pipeline configuration.
type Config struct {
	// PollInterval is how often Poll runs in the loop.
	PollInterval time.Duration
	// MaxRetries bounds retryable failures per entry.
	MaxRetries int
	// ExecTimeout bounds one executor call.
	ExecTimeout time.Duration
	// Concurrency limits how many owners are drained in parallel.
	Concurrency int
	// BatchSize caps the entries taken per poll (0 means the store default).
	BatchSize int
	// StaleAfter is how long an entry may stay Executing before it is
	// considered abandoned. Defaults to twice ExecTimeout, at least a minute.
	StaleAfter time.Duration
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec timeout must be positive")
	}
	return nil
}

func (c *Config) staleAfter() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	d := 2 * c.ExecTimeout
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// Result is what happened to one due entry in a poll.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultRetry     Result = "retry"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled" // asset already executed or owner disarmed mid-flight
	ResultSkipped   Result = "skipped"   // lost the claim or the owner is no longer armed
	ResultError     Result = "error"     // store failure, entry left for a later poll
)

// Summary counts the results of one poll.
type Summary struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Recovered int `json:"recovered"`
}

func (s *Summary) add(r Result) {
	switch r {
	case ResultSucceeded:
		s.Succeeded++
	case ResultRetry:
		s.Retried++
	case ResultFailed:
		s.Failed++
	case ResultCancelled:
		s.Cancelled++
	case ResultSkipped:
		s.Skipped++
	case ResultError:
		s.Errors++
	}
}

// Pipeline executes due release entries.
type Pipeline struct {
	store    Store
	gate     Gate
	registry *executor.Registry
	pdr      *audit.PDRWriter
	clock    clock.Clock
	config   *Config
	log      *slog.Logger
	metrics  *observability.Instruments
	retry    retry.Policy

	mu    sync.Mutex
	last  Summary
	polls int64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new pipeline. gate may be nil, in which case entries are
// claimed without re-evaluating the owner.
func New(st Store, gate Gate, reg *executor.Registry, pdr *audit.PDRWriter, clk clock.Clock, cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("executor registry is required")
	}
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		store:    st,
		gate:     gate,
		registry: reg,
		pdr:      pdr,
		clock:    clk,
		config:   cfg,
		log:      slog.Default(),
		retry:    retry.DefaultPolicy,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetLogger replaces the logger.
func (p *Pipeline) SetLogger(l *slog.Logger) {
	if l != nil {
		p.log = l
	}
}

// SetMetrics attaches engine instruments.
func (p *Pipeline) SetMetrics(m *observability.Instruments) {
	p.metrics = m
}

// SetRetryPolicy replaces the backoff used for store calls.
func (p *Pipeline) SetRetryPolicy(r retry.Policy) {
	p.retry = r
}

// Start begins the poll loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Info("pipeline started", "interval", p.config.PollInterval.String())
}

// Stop gracefully stops the pipeline. No new entries are claimed; entries
// already claimed run their executor to completion, bounded by ExecTimeout,
// and have their outcome recorded before Stop returns.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info("pipeline stopped")
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(p.ctx); err != nil && p.ctx.Err() == nil {
				p.log.Error("poll", "error", err)
			}
		}
	}
}

// Poll drains every Armed entry whose release time has passed. Entries
// are taken in release-time order, ties broken by asset ID. Owners are
// drained in parallel; the entries of one owner are processed in order.
func (p *Pipeline) Poll(ctx context.Context) (Summary, error) {
	started := time.Now()
	defer func() { p.metrics.PollDuration(ctx, time.Since(started)) }()

	var sum Summary

	recovered, err := p.recoverStale(ctx)
	if err != nil {
		p.log.Warn("recover stale claims", "error", err)
	}
	sum.Recovered = int(recovered)

	now := p.clock.Now()
	var due []models.ReleaseEntry
	err = p.do(ctx, func(ctx context.Context) error {
		var err error
		due, err = p.store.ListDueReleases(ctx, now, p.config.BatchSize)
		return err
	})
	if err != nil {
		return sum, fmt.Errorf("list due releases: %w", err)
	}
	sum.Due = len(due)

	var owners []string
	byOwner := make(map[string][]models.ReleaseEntry)
	for _, e := range due {
		if _, ok := byOwner[e.OwnerID]; !ok {
			owners = append(owners, e.OwnerID)
		}
		byOwner[e.OwnerID] = append(byOwner[e.OwnerID], e)
	}

	var mu sync.Mutex
	var g errgroup.Group
	limit := p.config.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, owner := range owners {
		entries := byOwner[owner]
		g.Go(func() error {
			for _, e := range entries {
				if ctx.Err() != nil {
					break
				}
				r := p.process(ctx, e)
				mu.Lock()
				sum.add(r)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	p.last = sum
	p.polls++
	p.mu.Unlock()

	if sum.Due > 0 {
		p.log.Info("poll complete",
			"due", sum.Due,
			"succeeded", sum.Succeeded,
			"retried", sum.Retried,
			"failed", sum.Failed,
			"cancelled", sum.Cancelled,
			"skipped", sum.Skipped,
			"errors", sum.Errors,
		)
	}
	return sum, nil
}

// recoverStale returns abandoned Executing entries to Armed.
func (p *Pipeline) recoverStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.config.staleAfter())
	n, err := p.store.RecoverStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Warn("recovered abandoned claims", "count", n)
	}
	return n, nil
}

// process claims one entry and carries it to its next status. Failures
// are logged and reported as a Result; they never abort the poll.
func (p *Pipeline) process(ctx context.Context, e models.ReleaseEntry) Result {
	log := p.log.With("owner_id", e.OwnerID, "asset_id", e.AssetID, "entry_id", e.ID, "episode", e.Episode)
	token := uuid.New().String()

	claimed, err := p.claim(ctx, e, token)
	if err != nil {
		log.Error("claim release", "error", err)
		return ResultError
	}
	if !claimed {
		log.Debug("release not claimed")
		return ResultSkipped
	}

	// From here on the entry is ours and must leave Executing.
	ctx = context.WithoutCancel(ctx)

	// The claim may have raced with a requeue; read the current attempt count.
	var current *models.ReleaseEntry
	err = p.do(ctx, func(ctx context.Context) error {
		var err error
		current, err = p.store.GetRelease(ctx, e.ID)
		return err
	})
	if err != nil || current == nil {
		log.Error("reload claimed release", "error", err)
		return p.requeue(ctx, log, e, token, "reload failed", false)
	}
	e = *current

	if e.Attempts >= p.config.MaxRetries && e.Attempts > 0 {
		return p.exhaust(ctx, log, e, token)
	}

	var done bool
	err = p.do(ctx, func(ctx context.Context) error {
		var err error
		done, err = p.store.HasSucceeded(ctx, e.AssetID)
		return err
	})
	if err != nil {
		log.Error("check execution log", "error", err)
		return p.requeue(ctx, log, e, token, "", false)
	}
	if done {
		return p.skipExecuted(ctx, log, e, token)
	}

	var asset *models.Asset
	err = p.do(ctx, func(ctx context.Context) error {
		var err error
		asset, err = p.store.GetAsset(ctx, e.AssetID)
		return err
	})
	if err != nil {
		log.Error("load asset", "error", err)
		return p.requeue(ctx, log, e, token, "", false)
	}
	if asset == nil {
		return p.finish(ctx, log, e, token, models.ActionDelete, executor.Terminal(fmt.Errorf("asset %s not found", e.AssetID)))
	}

	exec, ok := p.registry.Lookup(asset.Action)
	if !ok {
		return p.finish(ctx, log, e, token, asset.Action, executor.Terminal(fmt.Errorf("no executor for action %s", asset.Action)))
	}

	log.Info("executing release", "action", asset.Action, "executor", exec.Name(), "attempt", e.Attempts+1)
	execErr := p.execute(ctx, exec, *asset, e.OwnerID)
	return p.finish(ctx, log, e, token, asset.Action, execErr)
}

// claim moves e from Armed to Executing if its owner is still armed.
func (p *Pipeline) claim(ctx context.Context, e models.ReleaseEntry, token string) (bool, error) {
	claimed := false
	tryClaim := func(ctx context.Context) error {
		return p.do(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = p.store.ClaimRelease(ctx, e.ID, models.ReleaseArmed, token)
			return err
		})
	}

	if p.gate == nil {
		return claimed, tryClaim(ctx)
	}
	err := p.gate.Gate(ctx, e.OwnerID, func(obs scheduler.Observation) error {
		if obs.Switch != models.SwitchArmed {
			return nil
		}
		return tryClaim(ctx)
	})
	return claimed, err
}

// execute calls the executor under the configured timeout. A panic is
// reported as a retryable error.
func (p *Pipeline) execute(ctx context.Context, exec executor.Executor, asset models.Asset, ownerID string) (err error) {
	execCtx, cancel := context.WithTimeout(ctx, p.config.ExecTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = executor.Retryable(fmt.Errorf("executor %s panicked: %v", exec.Name(), r))
		}
	}()

	err = exec.Execute(execCtx, asset, ownerID)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = executor.Retryable(fmt.Errorf("executor %s timed out after %s: %w", exec.Name(), p.config.ExecTimeout, err))
	}
	return err
}

// finish records the outcome of an executor call and moves the entry on.
func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, e models.ReleaseEntry, token string, action models.Action, execErr error) Result {
	if execErr == nil {
		if err := p.appendLog(ctx, e, models.OutcomeSucceeded, ""); err != nil {
			// The claim is left for stale recovery.
			log.Error("record success", "error", err)
			return ResultError
		}
		if err := p.transition(ctx, e, token, models.ReleaseSucceeded, ""); err != nil {
			log.Error("mark succeeded", "error", err)
			return ResultError
		}
		p.unlock(ctx, log, e.AssetID)
		p.metrics.Execution(ctx, action, models.OutcomeSucceeded)
		p.pdr.Record(audit.ActionExecute, map[string]interface{}{
			"entry_id": e.ID,
			"asset_id": e.AssetID,
			"action":   action,
			"attempt":  e.Attempts + 1,
		}, "succeeded", e.AssetID, fmt.Sprintf("%s executed for owner %s", action, e.OwnerID))
		log.Info("release succeeded", "action", action)
		return ResultSucceeded
	}

	detail := execErr.Error()
	if executor.IsRetryable(execErr) {
		if err := p.appendLog(ctx, e, models.OutcomeRetryable, detail); err != nil {
			log.Error("record retryable failure", "error", err)
		}
		p.metrics.Execution(ctx, action, models.OutcomeRetryable)
		log.Warn("release failed, will retry", "action", action, "attempt", e.Attempts+1, "error", execErr)
		return p.requeue(ctx, log, e, token, detail, true)
	}

	if err := p.appendLog(ctx, e, models.OutcomeTerminal, detail); err != nil {
		log.Error("record terminal failure", "error", err)
	}
	if err := p.transition(ctx, e, token, models.ReleaseFailed, detail); err != nil {
		log.Error("mark failed", "error", err)
		return ResultError
	}
	p.unlock(ctx, log, e.AssetID)
	p.metrics.Execution(ctx, action, models.OutcomeTerminal)
	p.pdr.Record(audit.ActionFail, map[string]interface{}{
		"entry_id": e.ID,
		"asset_id": e.AssetID,
		"action":   action,
	}, "terminal_error", e.AssetID, detail)
	log.Error("release failed", "action", action, "error", execErr)
	return ResultFailed
}

// exhaust fails an entry whose retry budget is spent.
func (p *Pipeline) exhaust(ctx context.Context, log *slog.Logger, e models.ReleaseEntry, token string) Result {
	detail := fmt.Sprintf("retries exhausted after %d attempts", e.Attempts)
	if e.LastError != "" {
		detail += ": " + e.LastError
	}
	if err := p.appendLog(ctx, e, models.OutcomeExhausted, detail); err != nil {
		log.Error("record exhausted retries", "error", err)
	}
	if err := p.transition(ctx, e, token, models.ReleaseFailed, detail); err != nil {
		log.Error("mark failed", "error", err)
		return ResultError
	}
	p.unlock(ctx, log, e.AssetID)
	p.pdr.Record(audit.ActionFail, map[string]interface{}{
		"entry_id": e.ID,
		"asset_id": e.AssetID,
		"attempts": e.Attempts,
	}, "retries_exhausted", e.AssetID, detail)
	log.Error("release failed", "attempts", e.Attempts, "error", e.LastError)
	return ResultFailed
}

// skipExecuted cancels an entry for an asset that already succeeded.
func (p *Pipeline) skipExecuted(ctx context.Context, log *slog.Logger, e models.ReleaseEntry, token string) Result {
	if err := p.transition(ctx, e, token, models.ReleaseCancelled, "asset already executed"); err != nil {
		log.Error("cancel executed release", "error", err)
		return ResultError
	}
	p.unlock(ctx, log, e.AssetID)
	p.pdr.Record(audit.ActionSkip, map[string]interface{}{
		"entry_id": e.ID,
		"asset_id": e.AssetID,
	}, "skipped", e.AssetID, "asset already executed")
	log.Warn("release skipped, asset already executed")
	return ResultCancelled
}

// requeue returns a claimed entry to Armed. Only executor failures count
// against the retry budget. If the owner left the entry's episode while it
// was executing, the entry is cancelled instead.
func (p *Pipeline) requeue(ctx context.Context, log *slog.Logger, e models.ReleaseEntry, token, detail string, countAttempt bool) Result {
	var status models.ReleaseStatus
	err := p.do(ctx, func(ctx context.Context) error {
		var err error
		status, err = p.store.RequeueRelease(ctx, e.ID, token, detail, countAttempt)
		if errors.Is(err, store.ErrNotClaimable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Error("requeue release", "error", err)
		return ResultError
	}
	if status == models.ReleaseCancelled {
		p.pdr.Record(audit.ActionCancel, map[string]interface{}{
			"entry_id": e.ID,
			"asset_id": e.AssetID,
			"episode":  e.Episode,
		}, "cancelled", e.AssetID, "owner disarmed during execution")
		log.Info("release cancelled, owner disarmed during execution")
		return ResultCancelled
	}
	return ResultRetry
}

func (p *Pipeline) transition(ctx context.Context, e models.ReleaseEntry, token string, to models.ReleaseStatus, detail string) error {
	return p.do(ctx, func(ctx context.Context) error {
		err := p.store.TransitionRelease(ctx, e.ID, token, to, detail)
		if errors.Is(err, store.ErrNotClaimable) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *Pipeline) appendLog(ctx context.Context, e models.ReleaseEntry, outcome models.ExecutionOutcome, detail string) error {
	rec := &models.ExecutionRecord{
		AssetID:     e.AssetID,
		EntryID:     e.ID,
		AttemptedAt: p.clock.Now(),
		Outcome:     outcome,
		ErrorDetail: detail,
	}
	return p.do(ctx, func(ctx context.Context) error {
		return p.store.AppendExecution(ctx, rec)
	})
}

func (p *Pipeline) unlock(ctx context.Context, log *slog.Logger, assetID string) {
	if err := p.do(ctx, func(ctx context.Context) error { return p.store.Unlock(ctx, assetID) }); err != nil {
		log.Error("unlock asset", "error", err)
	}
}

func (p *Pipeline) do(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, p.retry, fn)
}

// Stats reports the pipeline's progress.
type Stats struct {
	Polls int64   `json:"polls"`
	Last  Summary `json:"last"`
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Polls: p.polls, Last: p.last}
}
