package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSweepSchedule = "@every 10m"
	DefaultIdleTTL       = 24 * time.Hour
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a five-field cron expression or a descriptor such
// as "@every 10m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// TokenPruner is implemented by token stores that can expire old tokens.
type TokenPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Schedule string

	// IdleTTL evicts idle sessions last active longer ago. Zero disables
	// eviction.
	IdleTTL time.Duration

	// TokenTTL prunes persisted tokens not updated for this long when the
	// token store supports it. Zero keeps tokens forever.
	TokenTTL time.Duration

	Logger zerolog.Logger
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Evicted      []string
	PrunedTokens int
}

// Sweeper periodically evicts idle sessions from a scheduler.
type Sweeper struct {
	sched  *Scheduler
	config SweeperConfig
	pruner TokenPruner
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for sched.
func NewSweeper(sched *Scheduler, config SweeperConfig) (*Sweeper, error) {
	if config.Schedule == "" {
		config.Schedule = DefaultSweepSchedule
	}
	if _, err := ParseSchedule(config.Schedule); err != nil {
		return nil, err
	}

	sw := &Sweeper{
		sched:  sched,
		config: config,
		logger: config.Logger,
		now:    time.Now,
		cron:   cron.New(cron.WithParser(scheduleParser)),
	}
	if pruner, ok := sched.tokens.(TokenPruner); ok {
		sw.pruner = pruner
	}

	if _, err := sw.cron.AddFunc(config.Schedule, func() {
		if _, err := sw.SweepNow(context.Background()); err != nil {
			sw.logger.Error().Err(err).Msg("Session sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}

	return sw, nil
}

// Start begins periodic sweeping.
func (sw *Sweeper) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return errors.New("sweeper is already running")
	}
	sw.cron.Start()
	sw.running = true

	sw.logger.Info().
		Str("schedule", sw.config.Schedule).
		Dur("idle_ttl", sw.config.IdleTTL).
		Msg("Session sweeper started")
	return nil
}

// Stop halts sweeping and waits for a sweep in progress.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.running {
		return
	}
	<-sw.cron.Stop().Done()
	sw.running = false

	sw.logger.Info().Msg("Session sweeper stopped")
}

// SweepNow runs one sweep immediately.
func (sw *Sweeper) SweepNow(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := sw.now()

	if sw.config.IdleTTL > 0 {
		report.Evicted = sw.sched.EvictIdle(now.Add(-sw.config.IdleTTL))
	}

	if sw.config.TokenTTL > 0 && sw.pruner != nil {
		n, err := sw.pruner.Prune(ctx, now.Add(-sw.config.TokenTTL))
		if err != nil {
			return report, err
		}
		report.PrunedTokens = n
	}

	if len(report.Evicted) > 0 || report.PrunedTokens > 0 {
		sw.logger.Info().
			Int("evicted", len(report.Evicted)).
			Int("pruned_tokens", report.PrunedTokens).
			Msg("Session sweep completed")
	}
	return report, nil
}
