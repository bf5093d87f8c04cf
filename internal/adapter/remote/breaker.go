package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// Default circuit breaker settings for store calls.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerStore wraps a RemoteStore with circuit breaker protection. When the
// backend fails repeatedly, the circuit opens and the periodic sync tasks
// fail fast instead of piling up on a dead store.
type BreakerStore struct {
	inner   domain.RemoteStore
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewBreakerStore wraps inner with a circuit breaker using default settings.
func NewBreakerStore(inner domain.RemoteStore, logger *slog.Logger) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     defaultCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerStore{inner: inner, breaker: cb, logger: logger}
}

func (b *BreakerStore) do(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func execute[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func (b *BreakerStore) PushMessage(ctx context.Context, msg domain.Message) error {
	return b.do(func() error { return b.inner.PushMessage(ctx, msg) })
}

func (b *BreakerStore) GetUnsyncedMessages(ctx context.Context) ([]domain.Message, error) {
	return execute(b, func() ([]domain.Message, error) { return b.inner.GetUnsyncedMessages(ctx) })
}

func (b *BreakerStore) MarkSynced(ctx context.Context, ids []string) error {
	return b.do(func() error { return b.inner.MarkSynced(ctx, ids) })
}

func (b *BreakerStore) SyncSessions(ctx context.Context, sessions []domain.Session) error {
	return b.do(func() error { return b.inner.SyncSessions(ctx, sessions) })
}

func (b *BreakerStore) GetSessionsForInstance(ctx context.Context) ([]domain.Session, error) {
	return execute(b, func() ([]domain.Session, error) { return b.inner.GetSessionsForInstance(ctx) })
}

func (b *BreakerStore) PushHealth(ctx context.Context, h domain.Health) error {
	return b.do(func() error { return b.inner.PushHealth(ctx, h) })
}

func (b *BreakerStore) Heartbeat(ctx context.Context, version string) error {
	return b.do(func() error { return b.inner.Heartbeat(ctx, version) })
}

func (b *BreakerStore) PushIdentity(ctx context.Context, id domain.Identity) error {
	return b.do(func() error { return b.inner.PushIdentity(ctx, id) })
}

func (b *BreakerStore) SyncSkills(ctx context.Context, skills []domain.Skill) error {
	return b.do(func() error { return b.inner.SyncSkills(ctx, skills) })
}

func (b *BreakerStore) SyncCronJobs(ctx context.Context, jobs []domain.CronJob) error {
	return b.do(func() error { return b.inner.SyncCronJobs(ctx, jobs) })
}

func (b *BreakerStore) GetPendingCronActions(ctx context.Context) ([]domain.CronActionRequest, error) {
	return execute(b, func() ([]domain.CronActionRequest, error) { return b.inner.GetPendingCronActions(ctx) })
}

func (b *BreakerStore) CompleteCronAction(ctx context.Context, id, status, errMsg string) error {
	return b.do(func() error { return b.inner.CompleteCronAction(ctx, id, status, errMsg) })
}
