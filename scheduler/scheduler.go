// Package scheduler fires schedule rules. On every tick it finds the
// active schedule rules with a due instant inside the window since the
// previous tick and hands one synthetic event per rule to the trigger
// hooks.
//
// Missed windows are not backfilled: after downtime, or a tick that ran
// late, the window is clamped to one interval, so a rule fires at most
// once per window and instants older than that are skipped.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
	"github.com/liamcoop/eventrules/rules"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = time.Minute

// Lister provides the active rules.
type Lister interface {
	ListActive(ctx context.Context) ([]*rules.Rule, error)
}

// Firer receives due schedules. Implementations must not block on the
// actions they trigger.
type Firer interface {
	Schedule(ctx context.Context, t event.ScheduleTrigger)
}

type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Scheduler struct {
	rules    Lister
	firer    Firer
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

func New(lister Lister, firer Firer, cfg Config) (*Scheduler, error) {
	if lister == nil || firer == nil {
		return nil, errors.New("scheduler: rule lister and firer are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With("component", "scheduler")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		rules:    lister,
		firer:    firer,
		interval: cfg.Interval,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}, nil
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Tick fires every active schedule rule due in (previous tick, now] and
// returns the IDs of the fired rules. The first tick covers one interval
// back from now. Once a rule is found due it fires even if ctx is
// cancelled.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.lastTick
	if from.IsZero() || now.Sub(from) > s.interval {
		from = now.Add(-s.interval)
	}
	if !now.After(from) {
		return nil, nil
	}

	active, err := s.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.lastTick = now

	due := make([]*rules.Rule, 0)
	for _, r := range active {
		if r.TriggerType != rules.TriggerSchedule {
			continue
		}
		sched, err := rules.ParseSchedule(r.CronExpression(), r.Timezone())
		if err != nil {
			logger.ConfigurationError("skipping schedule rule", "ruleId", r.ID, "error", err)
			continue
		}
		if next := sched.Next(from); !next.After(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].Seq < due[j].Seq
	})

	fireCtx := context.WithoutCancel(ctx)
	fired := make([]string, 0, len(due))
	for _, r := range due {
		s.firer.Schedule(fireCtx, event.ScheduleTrigger{
			RuleID:     r.ID,
			Expression: r.CronExpression(),
			FiredAt:    now.UTC(),
		})
		s.metrics.ScheduleFired()
		fired = append(fired, r.ID)
	}
	if len(fired) > 0 {
		s.log.Debug("schedules fired", "count", len(fired), "windowStart", from, "windowEnd", now)
	}
	return fired, nil
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				s.log.Error("schedule tick failed", "error", err)
			}
		}
	}
}
