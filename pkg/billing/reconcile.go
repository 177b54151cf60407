package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Outcome is the result of processing one provider event or snapshot.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger. Nil is ignored.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineMetrics records webhook outcomes.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier registers a post-commit notifier for access changes and payment failures.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithArchiver stores every verified, non-duplicate payload.
func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// WithEngineGrace sets the past_due grace used to compute access changes.
func WithEngineGrace(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithEngineClock overrides the time source, mainly for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine turns verified provider events into local state changes.
// Each event is deduplicated and applied inside one per-user atomic unit;
// provider calls and notifications happen only after that unit commits.
type Engine struct {
	provider Provider
	store    Store
	intents  IntentStore
	notifier Notifier
	archiver Archiver
	metrics  *Metrics
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates a reconciliation engine. Panics if any dependency is nil.
func NewEngine(provider Provider, store Store, intents IntentStore, opts ...EngineOption) *Engine {
	if provider == nil {
		panic("billing: provider is required")
	}
	if store == nil {
		panic("billing: store is required")
	}
	if intents == nil {
		panic("billing: intent store is required")
	}

	e := &Engine{
		provider: provider,
		store:    store,
		intents:  intents,
		grace:    72 * time.Hour,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// effects collects what must happen once the atomic unit has committed.
type effects struct {
	userID        uuid.UUID
	email         string
	before        *UserSubscription
	after         *UserSubscription
	superseded    []UserSubscription
	failure       *PaymentFailure
	sessionID     string
	subExternalID string
	ledgerChanged bool
}

// HandleEvent verifies, deduplicates and applies a raw webhook delivery.
//
// ErrSignature and ErrInvalidEvent mean the payload must be rejected without any state change.
// ErrRetryable means nothing was committed and the provider should redeliver.
// Every other outcome is a success from the provider's point of view.
func (e *Engine) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	name := e.provider.Name()
	ev, err := e.provider.VerifyAndParseEvent(payload, signatureHeader)
	if err != nil {
		e.logger.WarnContext(ctx, "webhook event rejected", logger.Provider(name), logger.Error(err))
		e.metrics.webhookEvent(name, CategoryUnknown, OutcomeRejected)
		return OutcomeRejected, err
	}
	if ev.Provider == "" {
		ev.Provider = name
	}

	log := e.logger.With(
		logger.Provider(ev.Provider),
		logger.EventID(ev.ID),
		logger.EventType(ev.Type),
	)

	outcome, fx, err := e.dispatch(ctx, ev)
	if err != nil {
		log.ErrorContext(ctx, "webhook event processing failed", logger.Error(err))
		e.metrics.webhookEvent(ev.Provider, ev.Category, OutcomeFailed)
		return OutcomeFailed, err
	}

	if outcome != OutcomeDuplicate {
		e.archive(ctx, ev, payload)
	}
	e.afterCommit(ctx, fx)

	e.metrics.webhookEvent(ev.Provider, ev.Category, outcome)
	log.InfoContext(ctx, "webhook event handled", logger.Outcome(string(outcome)))
	return outcome, nil
}

// ApplySnapshot writes an authoritative provider snapshot through the same path as
// webhooks, minus deduplication. userID may be uuid.Nil, in which case the owner is
// resolved from the snapshot. Used by the sweep, refresh and checkout fallback.
func (e *Engine) ApplySnapshot(ctx context.Context, userID uuid.UUID, snap *SubscriptionSnapshot) (Outcome, error) {
	if snap == nil || snap.ExternalID == "" {
		return OutcomeIgnored, ErrInvalidEvent
	}

	if userID == uuid.Nil {
		id, err := e.resolveUser(ctx, snap.CustomerExternalID, snap.ExternalID, snap.UserID)
		if errors.Is(err, ErrNotFound) {
			e.logger.WarnContext(ctx, "snapshot for unknown customer ignored",
				logger.Provider(e.provider.Name()),
				logger.SubscriptionID(snap.ExternalID))
			return OutcomeIgnored, nil
		}
		if err != nil {
			return OutcomeFailed, errors.Join(ErrRetryable, err)
		}
		userID = id
	}

	f, err := e.fieldsFromSnapshot(ctx, snap)
	if err != nil {
		return OutcomeFailed, errors.Join(ErrRetryable, err)
	}
	if f.Version.IsZero() {
		f.Version = e.now().UTC()
	}

	outcome, fx, err := e.apply(ctx, userID, nil, func(tx UserTx, now time.Time, fx *effects) (Outcome, error) {
		fx.subExternalID = f.ExternalID
		return e.upsert(ctx, tx, f, now, fx)
	})
	if err != nil {
		return outcome, err
	}
	e.afterCommit(ctx, fx)
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, ev *Event) (Outcome, *effects, error) {
	if ev.Category == CategoryUnknown || ev.Category == "" {
		return OutcomeIgnored, nil, nil
	}

	hint := ev.UserID
	if hint == uuid.Nil && ev.Subscription != nil {
		hint = ev.Subscription.UserID
	}
	subExternalID := ev.SubscriptionExternalID
	if subExternalID == "" && ev.Subscription != nil {
		subExternalID = ev.Subscription.ExternalID
	}

	userID, err := e.resolveUser(ctx, ev.CustomerExternalID, subExternalID, hint)
	if errors.Is(err, ErrNotFound) {
		e.logger.WarnContext(ctx, "webhook event for unknown customer ignored",
			logger.Provider(ev.Provider),
			logger.EventID(ev.ID),
			logger.EventType(ev.Type))
		return OutcomeIgnored, nil, nil
	}
	if err != nil {
		return OutcomeFailed, nil, errors.Join(ErrRetryable, err)
	}

	var fields *SubscriptionFields
	if ev.Subscription != nil {
		f, err := e.fieldsFromSnapshot(ctx, ev.Subscription)
		if err != nil {
			return OutcomeFailed, nil, errors.Join(ErrRetryable, err)
		}
		if !ev.OccurredAt.IsZero() {
			f.Version = ev.OccurredAt.UTC()
		}
		if ev.Category == CategorySubscriptionDeleted {
			markDeleted(&f, ev.OccurredAt)
		}
		fields = &f
	}

	var missing *SubscriptionFields
	if ev.Category == CategoryPaymentSucceeded || ev.Category == CategoryPaymentFailed {
		missing, err = e.fetchMissing(ctx, subExternalID)
		if err != nil {
			return OutcomeFailed, nil, err
		}
	}

	dedupe := &ProcessedEvent{EventID: ev.ID, Provider: ev.Provider, Type: ev.Type}
	return e.apply(ctx, userID, dedupe, func(tx UserTx, now time.Time, fx *effects) (Outcome, error) {
		fx.sessionID = ev.CheckoutSessionID
		fx.subExternalID = subExternalID

		if missing != nil {
			if _, err := e.upsert(ctx, tx, *missing, now, fx); err != nil {
				return OutcomeFailed, err
			}
		}

		switch ev.Category {
		case CategorySubscriptionCreated, CategorySubscriptionUpdated:
			if fields == nil {
				return OutcomeIgnored, nil
			}
			return e.upsert(ctx, tx, *fields, now, fx)

		case CategorySubscriptionDeleted:
			if fields == nil {
				return e.deleteExisting(ctx, tx, ev, subExternalID, now, fx)
			}
			return e.upsert(ctx, tx, *fields, now, fx)

		case CategoryPaymentSucceeded:
			if err := e.record(ctx, tx, ev, LedgerPayment, now, fx); err != nil {
				return OutcomeFailed, err
			}
			return e.applyPayment(ctx, tx, ev, subExternalID, triggerPaymentSucceeded, now, fx)

		case CategoryPaymentFailed:
			return e.applyPayment(ctx, tx, ev, subExternalID, triggerPaymentFailed, now, fx)

		case CategoryPaymentRefunded:
			if err := e.record(ctx, tx, ev, LedgerRefund, now, fx); err != nil {
				return OutcomeFailed, err
			}
			return ledgerOutcome(fx), nil

		case CategoryCheckoutCompleted:
			if fields != nil {
				return e.upsert(ctx, tx, *fields, now, fx)
			}
			return OutcomeApplied, nil
		}
		return OutcomeIgnored, nil
	})
}

// fetchMissing returns the provider's current state of a subscription that a payment
// event refers to but the store does not hold yet. Applying it first keeps the payment's
// effect when the payment is delivered before the subscription itself. It returns nil
// when the row exists or the provider no longer knows the subscription. The fetch happens
// before the user lock is taken.
func (e *Engine) fetchMissing(ctx context.Context, subExternalID string) (*SubscriptionFields, error) {
	if subExternalID == "" {
		return nil, nil
	}
	_, err := e.store.FindSubscriptionByExternalID(ctx, subExternalID)
	switch {
	case err == nil:
		return nil, nil
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Join(ErrRetryable, err)
	}

	snap, err := e.provider.FetchSubscription(ctx, subExternalID)
	switch {
	case errors.Is(err, ErrProviderRejected):
		e.logger.WarnContext(ctx, "payment references a subscription unknown to the provider",
			logger.SubscriptionID(subExternalID), logger.Error(err))
		return nil, nil
	case err != nil:
		return nil, errors.Join(ErrRetryable, err)
	}

	f, err := e.fieldsFromSnapshot(ctx, snap)
	if err != nil {
		return nil, errors.Join(ErrRetryable, err)
	}
	if f.Version.IsZero() {
		f.Version = e.now().UTC()
	}
	return &f, nil
}

// apply runs fn inside the user's atomic unit. When dedupe is set the event id is
// recorded in the same unit, so a crash between mark and mutation cannot lose the event.
func (e *Engine) apply(
	ctx context.Context,
	userID uuid.UUID,
	dedupe *ProcessedEvent,
	fn func(tx UserTx, now time.Time, fx *effects) (Outcome, error),
) (Outcome, *effects, error) {
	var (
		outcome Outcome
		fx      *effects
	)
	err := e.store.WithinUser(ctx, userID, func(tx UserTx) error {
		now := e.now().UTC()
		outcome, fx = "", &effects{userID: userID}

		if dedupe != nil {
			rec := *dedupe
			rec.ProcessedAt = now
			fresh, err := tx.MarkEventProcessed(ctx, rec)
			if err != nil {
				return err
			}
			if !fresh {
				outcome, fx = OutcomeDuplicate, nil
				return nil
			}
		}

		subs, err := tx.Subscriptions(ctx)
		if err != nil {
			return err
		}
		fx.before = currentCopy(subs)

		customer, err := tx.Customer(ctx)
		switch {
		case err == nil:
			fx.email = customer.Email
		case !errors.Is(err, ErrNotFound):
			return err
		}

		o, err := fn(tx, now, fx)
		switch {
		case errors.Is(err, ErrStaleEvent):
			outcome = OutcomeStale
			return nil
		case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidPeriod):
			// Validation runs before any write, so committing only records the event id.
			e.logger.WarnContext(ctx, "invalid billing update ignored",
				logger.UserID(userID.String()), logger.Error(err))
			outcome = OutcomeIgnored
			return nil
		case err != nil:
			return err
		}

		if err := e.refreshCustomer(ctx, tx, now, fx.ledgerChanged); err != nil {
			return err
		}
		subs, err = tx.Subscriptions(ctx)
		if err != nil {
			return err
		}
		fx.after = currentCopy(subs)
		outcome = o
		return nil
	})
	if err != nil {
		return OutcomeFailed, nil, errors.Join(ErrRetryable, err)
	}
	return outcome, fx, nil
}

func (e *Engine) upsert(ctx context.Context, tx UserTx, f SubscriptionFields, now time.Time, fx *effects) (Outcome, error) {
	res, err := ApplySubscription(ctx, tx, tx.UserID(), f, now)
	if errors.Is(err, ErrStaleEvent) {
		e.logger.InfoContext(ctx, "stale subscription update discarded",
			logger.UserID(tx.UserID().String()),
			logger.SubscriptionID(f.ExternalID))
		return OutcomeStale, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if res.Previous != nil && !expectedSnapshotMove(res.Previous.Status, res.Subscription.Status) {
		e.logger.InfoContext(ctx, "unusual subscription status change",
			logger.SubscriptionID(f.ExternalID),
			slog.String("from", string(res.Previous.Status)),
			slog.String("to", string(res.Subscription.Status)))
	}
	fx.superseded = append(fx.superseded, res.Superseded...)
	return OutcomeApplied, nil
}

// deleteExisting handles deletion events that carry no subscription body.
func (e *Engine) deleteExisting(ctx context.Context, tx UserTx, ev *Event, externalID string, now time.Time, fx *effects) (Outcome, error) {
	row, err := subscriptionIn(ctx, tx, externalID)
	if err != nil || row == nil {
		return OutcomeIgnored, err
	}
	next, err := transition(row.Status, triggerDeleted)
	if err != nil {
		return OutcomeFailed, err
	}
	f := fieldsOf(*row)
	f.Status = next
	f.Version = ev.OccurredAt.UTC()
	markDeleted(&f, ev.OccurredAt)
	return e.upsert(ctx, tx, f, now, fx)
}

// applyPayment moves the subscription along the lifecycle for a payment outcome.
// Ledger writes, if any, have already happened and are independent of the version guard.
func (e *Engine) applyPayment(ctx context.Context, tx UserTx, ev *Event, externalID string, t trigger, now time.Time, fx *effects) (Outcome, error) {
	row, err := subscriptionIn(ctx, tx, externalID)
	if err != nil {
		return OutcomeFailed, err
	}
	if row == nil {
		return ledgerOutcome(fx), nil
	}
	if ev.OccurredAt.Before(row.Version) {
		if fx.ledgerChanged {
			return OutcomeApplied, nil
		}
		return OutcomeStale, nil
	}

	if t == triggerPaymentFailed && !row.Status.Terminal() {
		fx.failure = &PaymentFailure{
			UserID:                 row.UserID,
			SubscriptionExternalID: row.ExternalID,
			OccurredAt:             ev.OccurredAt.UTC(),
		}
		if row.CurrentPeriodEnd != nil {
			until := row.CurrentPeriodEnd.Add(e.grace)
			fx.failure.GraceUntil = &until
		}
	}

	next, err := transition(row.Status, t)
	if err != nil {
		return OutcomeFailed, err
	}
	if next == row.Status {
		return OutcomeApplied, nil
	}

	f := fieldsOf(*row)
	f.Status = next
	f.Version = ev.OccurredAt.UTC()
	return e.upsert(ctx, tx, f, now, fx)
}

func (e *Engine) record(ctx context.Context, tx UserTx, ev *Event, kind LedgerKind, now time.Time, fx *effects) error {
	if ev.Payment == nil || ev.Payment.Amount.Amount <= 0 {
		return nil
	}
	ref := ev.Payment.Reference
	if ref == "" {
		ref = ev.ID
	}
	entry := LedgerEntry{
		ID:        uuid.New(),
		UserID:    tx.UserID(),
		EventID:   ev.ID,
		Reference: ref,
		Kind:      kind,
		Amount:    ev.Payment.Amount,
		CreatedAt: now,
	}
	if err := tx.PutLedgerEntry(ctx, entry); err != nil {
		return err
	}
	fx.ledgerChanged = true
	return nil
}

func (e *Engine) refreshCustomer(ctx context.Context, tx UserTx, now time.Time, ledgerChanged bool) error {
	if ledgerChanged {
		customer, err := tx.Customer(ctx)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			entries, err := tx.Ledger(ctx)
			if err != nil {
				return err
			}
			customer.LifetimeValue = ComputeLifetimeValue(entries)
			if err := tx.SaveCustomer(ctx, customer); err != nil {
				return err
			}
		}
	}
	return mirrorCustomerStatus(ctx, tx, now)
}

// resolveUser maps provider identifiers to the local user: customer first, then a known
// subscription, then the user id echoed back in metadata.
func (e *Engine) resolveUser(ctx context.Context, customerExternalID, subExternalID string, hint uuid.UUID) (uuid.UUID, error) {
	if customerExternalID != "" {
		c, err := e.store.FindCustomerByExternalID(ctx, customerExternalID)
		if err == nil {
			return c.UserID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return uuid.Nil, err
		}
	}

	if subExternalID != "" {
		s, err := e.store.FindSubscriptionByExternalID(ctx, subExternalID)
		if err == nil {
			return s.UserID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return uuid.Nil, err
		}
	}

	if hint == uuid.Nil {
		return uuid.Nil, ErrNotFound
	}
	c, err := e.store.GetCustomer(ctx, hint)
	if err != nil {
		return uuid.Nil, err
	}
	if customerExternalID != "" && !c.HasExternalID() {
		if _, err := e.store.SetCustomerExternalID(ctx, hint, customerExternalID); err != nil && !errors.Is(err, ErrConflict) {
			return uuid.Nil, err
		}
	}
	return c.UserID, nil
}

func (e *Engine) fieldsFromSnapshot(ctx context.Context, snap *SubscriptionSnapshot) (SubscriptionFields, error) {
	f := SubscriptionFields{
		ExternalID:         snap.ExternalID,
		Status:             snap.Status,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
		CanceledAt:         snap.CanceledAt,
		StartedAt:          snap.StartedAt,
		Version:            snap.ObservedAt,
	}
	if snap.PriceExternalID == "" {
		return f, nil
	}

	price, err := e.store.FindPriceByExternalID(ctx, snap.PriceExternalID)
	switch {
	case err == nil:
		id := price.ID
		f.PriceID = &id
		if price.PlanID != nil {
			planID := *price.PlanID
			f.PlanID = &planID
		}
	case errors.Is(err, ErrNotFound):
		e.logger.WarnContext(ctx, "subscription references unknown price",
			logger.SubscriptionID(snap.ExternalID),
			slog.String("price_external_id", snap.PriceExternalID))
	default:
		return f, err
	}
	return f, nil
}

// afterCommit performs provider calls and notifications that must not run under the user lock.
// Failures are logged; local state is already committed.
func (e *Engine) afterCommit(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	for _, s := range fx.superseded {
		if _, err := e.provider.CancelSubscription(ctx, s.ExternalID, false); err != nil {
			e.logger.WarnContext(ctx, "failed to cancel superseded subscription at provider",
				logger.UserID(fx.userID.String()),
				logger.SubscriptionID(s.ExternalID),
				logger.Error(err))
			continue
		}
		e.logger.InfoContext(ctx, "superseded subscription canceled at provider",
			logger.UserID(fx.userID.String()),
			logger.SubscriptionID(s.ExternalID))
	}

	if fx.sessionID != "" {
		if err := e.intents.CompleteIntent(ctx, fx.sessionID, fx.subExternalID, now); err != nil && !errors.Is(err, ErrNotFound) {
			e.logger.WarnContext(ctx, "failed to complete checkout intent",
				logger.SessionID(fx.sessionID), logger.Error(err))
		}
	}

	if e.notifier == nil {
		return
	}

	before := HasAccess(fx.before, now, e.grace)
	after := HasAccess(fx.after, now, e.grace)
	if before != after {
		change := AccessChange{
			UserID:     fx.userID,
			Email:      fx.email,
			Granted:    after,
			Status:     StatusNone,
			OccurredAt: now,
		}
		ref := fx.after
		if ref == nil {
			ref = fx.before
		}
		if ref != nil {
			change.Status = ref.Status
			change.PlanID = ref.PlanID
			change.SubscriptionExternalID = ref.ExternalID
		}
		if err := e.notifier.AccessChanged(ctx, change); err != nil {
			e.logger.WarnContext(ctx, "access change notification failed",
				logger.UserID(fx.userID.String()), logger.Error(err))
		}
	}

	if fx.failure != nil {
		failure := *fx.failure
		failure.Email = fx.email
		if err := e.notifier.PaymentFailed(ctx, failure); err != nil {
			e.logger.WarnContext(ctx, "payment failure notification failed",
				logger.UserID(fx.userID.String()), logger.Error(err))
		}
	}
}

func (e *Engine) archive(ctx context.Context, ev *Event, payload []byte) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(context.WithoutCancel(ctx), ev.Provider, ev.ID, payload); err != nil {
		e.logger.WarnContext(ctx, "failed to archive webhook payload",
			logger.EventID(ev.ID), logger.Error(err))
	}
}

func subscriptionIn(ctx context.Context, tx UserTx, externalID string) (*UserSubscription, error) {
	if externalID == "" {
		return nil, nil
	}
	subs, err := tx.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ExternalID == externalID {
			return &subs[i], nil
		}
	}
	return nil, nil
}

func fieldsOf(s UserSubscription) SubscriptionFields {
	return SubscriptionFields{
		ExternalID:         s.ExternalID,
		PlanID:             s.PlanID,
		PriceID:            s.PriceID,
		Status:             s.Status,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         s.CanceledAt,
		StartedAt:          s.StartedAt,
		Version:            s.Version,
	}
}

// markDeleted applies a provider deletion: canceled, no pending cancellation, periods kept.
func markDeleted(f *SubscriptionFields, at time.Time) {
	if f.Status != StatusIncompleteExpired {
		f.Status = StatusCanceled
	}
	f.CancelAtPeriodEnd = false
	if f.CanceledAt == nil {
		f.CanceledAt = timePtr(at)
	}
}

func currentCopy(subs []UserSubscription) *UserSubscription {
	cur := CurrentOf(subs)
	if cur == nil {
		return nil
	}
	cp := *cur
	return &cp
}

func ledgerOutcome(fx *effects) Outcome {
	if fx.ledgerChanged {
		return OutcomeApplied
	}
	return OutcomeIgnored
}
