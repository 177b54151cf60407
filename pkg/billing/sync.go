package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// SyncConfig controls the periodic self-heal sweep.
type SyncConfig struct {
	Interval    time.Duration `env:"BILLING_SYNC_INTERVAL" envDefault:"1h"`
	StaleAfter  time.Duration `env:"BILLING_SYNC_STALE_AFTER" envDefault:"24h"`
	Concurrency int           `env:"BILLING_SYNC_CONCURRENCY" envDefault:"4"`
	BatchSize   int           `env:"BILLING_SYNC_BATCH_SIZE" envDefault:"500"`
}

// SyncWindow is a human-friendly description of which subscriptions to sweep.
// Day offsets are relative to now and select on CurrentPeriodEnd.
type SyncWindow struct {
	// DaysLeft selects periods ending within the next N days.
	DaysLeft int
	// DaysAgo selects periods that ended within the last N days.
	DaysAgo int
	// DayStart and DayEnd select periods ending between now+DayStart and now+DayEnd days.
	DayStart, DayEnd int
	StaleAfter       time.Duration
	UserIDs          []uuid.UUID
	IncludeTerminal  bool
	Limit            int
}

// Filter turns the window into a store query.
func (w SyncWindow) Filter(now time.Time) SyncFilter {
	day := 24 * time.Hour
	f := SyncFilter{
		UserIDs:         w.UserIDs,
		IncludeTerminal: w.IncludeTerminal,
		Limit:           w.Limit,
	}

	var from, to *time.Time
	switch {
	case w.DayStart != 0 || w.DayEnd != 0:
		from = timePtr(now.Add(time.Duration(w.DayStart) * day))
		to = timePtr(now.Add(time.Duration(w.DayEnd) * day))
	case w.DaysLeft > 0:
		from = timePtr(now)
		to = timePtr(now.Add(time.Duration(w.DaysLeft) * day))
	case w.DaysAgo > 0:
		from = timePtr(now.Add(-time.Duration(w.DaysAgo) * day))
		to = timePtr(now)
	}
	f.PeriodEndFrom, f.PeriodEndTo = from, to

	if w.StaleAfter > 0 {
		f.UpdatedBefore = timePtr(now.Add(-w.StaleAfter))
	}
	return f
}

// SyncReport summarizes one sweep.
type SyncReport struct {
	Visited int `json:"visited"`
	Applied int `json:"applied"`
	Stale   int `json:"stale"`
	Ignored int `json:"ignored"`
	Failed  int `json:"failed"`
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithSyncerLogger sets the logger for sync runs.
func WithSyncerLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSyncerMetrics records per-run sync counters.
func WithSyncerMetrics(m *Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncerClock overrides the clock used for staleness and snapshot stamps.
func WithSyncerClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// Syncer re-fetches subscriptions from the provider and applies them as snapshots,
// repairing any state a lost webhook left behind.
type Syncer struct {
	provider Provider
	store    Store
	engine   *Engine
	cfg      SyncConfig
	metrics  *Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewSyncer creates a Syncer. Panics if a dependency is nil.
func NewSyncer(provider Provider, store Store, engine *Engine, cfg SyncConfig, opts ...SyncerOption) *Syncer {
	if provider == nil || store == nil || engine == nil {
		panic("billing: syncer requires provider, store and engine")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	s := &Syncer{
		provider: provider,
		store:    store,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StaleFilter selects live subscriptions not refreshed within StaleAfter.
func (s *Syncer) StaleFilter() SyncFilter {
	return SyncWindow{StaleAfter: s.cfg.StaleAfter, Limit: s.cfg.BatchSize}.Filter(s.now().UTC())
}

// Sync refreshes every subscription matching filter. Individual failures are counted,
// not returned; the error is non-nil only when listing fails or ctx is canceled.
func (s *Syncer) Sync(ctx context.Context, filter SyncFilter) (SyncReport, error) {
	subs, err := s.store.ListSubscriptionsForSync(ctx, filter)
	if err != nil {
		return SyncReport{}, err
	}

	var (
		mu     sync.Mutex
		report SyncReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			outcome, err := s.syncOne(gctx, sub)

			mu.Lock()
			defer mu.Unlock()
			report.Visited++
			switch {
			case err != nil:
				report.Failed++
			case outcome == OutcomeApplied:
				report.Applied++
			case outcome == OutcomeStale:
				report.Stale++
			default:
				report.Ignored++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "subscription sweep finished",
		slog.Int("visited", report.Visited),
		slog.Int("applied", report.Applied),
		slog.Int("stale", report.Stale),
		slog.Int("failed", report.Failed))
	return report, ctx.Err()
}

// RefreshUser re-fetches all live subscriptions of one user and returns the current one.
func (s *Syncer) RefreshUser(ctx context.Context, userID uuid.UUID) (*UserSubscription, error) {
	subs, err := s.store.ListSubscriptionsForSync(ctx, SyncFilter{UserIDs: []uuid.UUID{userID}})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNoSubscription
	}

	var errs []error
	for _, sub := range subs {
		if _, err := s.syncOne(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s.store.CurrentSubscription(ctx, userID)
}

func (s *Syncer) syncOne(ctx context.Context, sub UserSubscription) (Outcome, error) {
	snap, err := s.provider.FetchSubscription(ctx, sub.ExternalID)
	if err != nil {
		s.metrics.synced("failed")
		s.logger.WarnContext(ctx, "failed to fetch subscription",
			logger.UserID(sub.UserID.String()),
			logger.SubscriptionID(sub.ExternalID),
			logger.Error(err))
		return OutcomeFailed, err
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = s.now().UTC()
	}

	outcome, err := s.engine.ApplySnapshot(ctx, sub.UserID, snap)
	if err != nil {
		s.metrics.synced("failed")
		return outcome, err
	}
	s.metrics.synced(string(outcome))
	return outcome, nil
}
