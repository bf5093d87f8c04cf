package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/gateway"
	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
	"github.com/jamesalmeida/fastclaw-relay/internal/infra/tracer"
)

// Task cadences. Every task also runs one immediate pass on connect, except
// the cron action poller whose first tick is soon enough.
const (
	heartbeatInterval  = 30 * time.Second
	sessionInterval    = 15 * time.Second
	healthInterval     = 60 * time.Second
	cronSyncInterval   = 60 * time.Second
	cronActionInterval = 5 * time.Second
	forwardInterval    = 2 * time.Second

	maxBackoff    = 30 * time.Second
	maxBackoffExp = 5
	jitterRange   = 500 * time.Millisecond
)

// Conn is the slice of the gateway client the orchestrator consumes.
type Conn interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	OnEvent(fn func(gateway.Event)) func()
	WaitForClose() <-chan struct{}
	ServerVersion() string
	Close()
}

// DialFunc establishes one gateway connection. A returned error triggers
// reconnect with backoff.
type DialFunc func(ctx context.Context) (Conn, error)

// NewGatewayDialer returns a DialFunc that opens a fresh client per attempt.
func NewGatewayDialer(cfg gateway.Config, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		client := gateway.NewClient(cfg, logger)
		if err := client.Open(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Options configures the orchestrator.
type Options struct {
	InstanceID string
	Hostname   string
	Platform   string
	Version    string

	// BackfillLimit caps how many history messages are requested per session
	// on connect. Zero selects the default of 50.
	BackfillLimit int
	// SendRate and SendBurst bound outbound chat.send calls. Zero selects
	// 5/s with a burst of 10.
	SendRate  rate.Limit
	SendBurst int
}

// Relay owns the connection lifecycle: it dials the gateway, runs the
// per-connection sync tasks, and reconnects with capped exponential backoff
// when the connection drops. Stop ends the loop without a new attempt.
type Relay struct {
	opts    Options
	dial    DialFunc
	store   domain.RemoteStore
	control domain.LocalControl
	logger  *slog.Logger

	limiter *rate.Limiter
	dedupe  *Deduplicator
	acc     *gateway.RunAccumulator

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an orchestrator. Run starts it.
func New(opts Options, dial DialFunc, store domain.RemoteStore, control domain.LocalControl, logger *slog.Logger) *Relay {
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = 50
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}
	return &Relay{
		opts:    opts,
		dial:    dial,
		store:   store,
		control: control,
		logger:  logger,
		limiter: rate.NewLimiter(opts.SendRate, opts.SendBurst),
		dedupe:  NewDeduplicator(),
		acc:     gateway.NewRunAccumulator(),
		stopCh:  make(chan struct{}),
	}
}

// Stop ends the reconnect loop. The current connection, if any, is closed;
// no further attempt is made. Safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Relay) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// backoffDelay is the pre-jitter reconnect delay after attempt consecutive
// failures (attempt counts from 1).
func backoffDelay(attempt int) time.Duration {
	exp := attempt
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	d := time.Second << uint(exp)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Run drives the connect/sync/reconnect loop until Stop is called or ctx is
// cancelled. Returns ctx.Err on cancellation, nil on Stop.
func (r *Relay) Run(ctx context.Context) error {
	attempt := 0
	for {
		if r.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := r.dial(ctx)
		if err != nil {
			attempt++
			r.logger.Warn("gateway connect failed", "attempt", attempt, "error", err)
			r.waitBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		r.runEpoch(ctx, conn)
		conn.Close()

		if r.stopped() || ctx.Err() != nil {
			continue
		}
		// A dropped connection backs off the same way a failed dial does,
		// otherwise a gateway that accepts and immediately closes gets hammered.
		attempt++
		r.waitBackoff(ctx, attempt)
	}
}

// waitBackoff sleeps the jittered reconnect delay for the given attempt.
// Stop or ctx cancellation cut the wait short; the caller's loop-top checks
// turn that into the right return.
func (r *Relay) waitBackoff(ctx context.Context, attempt int) {
	delay := backoffDelay(attempt) + time.Duration(rand.Int63n(int64(jitterRange)))
	r.logger.Info("gateway reconnect scheduled",
		"attempt", attempt,
		"retry_in", delay.Round(time.Millisecond),
	)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	case <-r.stopCh:
	}
}

// taskGroup tracks every goroutine an epoch spawns, periodic tickers and
// event-triggered passes alike, so runEpoch cannot return while a pass is
// still running against its connection.
type taskGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newTaskGroup() *taskGroup { return &taskGroup{} }

// Go runs fn on a tracked goroutine. It reports false once the group is
// closing; late event dispatches are dropped rather than leaked.
func (g *taskGroup) Go(fn func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// Close refuses further Go calls and waits for tracked goroutines to finish.
func (g *taskGroup) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// runEpoch runs every sync task against one live connection and returns when
// the connection drops, Stop is called, or ctx is cancelled.
func (r *Relay) runEpoch(ctx context.Context, conn Conn) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-conn.WaitForClose():
		case <-r.stopCh:
		case <-epochCtx.Done():
		}
		cancel()
	}()

	grp := newTaskGroup()
	unsub := conn.OnEvent(func(ev gateway.Event) {
		r.handleEvent(epochCtx, conn, grp, ev)
	})
	defer unsub()

	run := func(name string, interval time.Duration, immediate bool, fn func(context.Context, Conn) error) {
		grp.Go(func() {
			if immediate {
				r.runTask(epochCtx, conn, name, fn)
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.runTask(epochCtx, conn, name, fn)
				case <-epochCtx.Done():
					return
				}
			}
		})
	}

	// Identity, skills and the history backfill run once per connection; the
	// recurring syncs keep everything else fresh.
	r.runTask(epochCtx, conn, "identity-sync", r.syncIdentity)
	r.runTask(epochCtx, conn, "skill-sync", r.syncSkills)
	r.runTask(epochCtx, conn, "history-backfill", r.backfillHistory)

	run("heartbeat", heartbeatInterval, true, r.heartbeat)
	run("session-sync", sessionInterval, true, r.syncSessions)
	run("health-sync", healthInterval, true, r.syncHealth)
	run("cron-sync", cronSyncInterval, true, r.syncCronJobs)
	run("cron-actions", cronActionInterval, false, r.processCronActions)
	run("forward-outbound", forwardInterval, true, r.forwardOutbound)

	grp.Close()
}

// runTask executes one task pass. Failures are logged and contained; a task
// error never ends the epoch.
func (r *Relay) runTask(ctx context.Context, conn Conn, name string, fn func(context.Context, Conn) error) {
	if ctx.Err() != nil {
		return
	}
	taskCtx, span := tracer.StartSpan(ctx, "relay.task", trace.WithAttributes(attribute.String("task", name)))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sync task panicked", "task", name, "panic", rec)
		}
	}()

	if err := fn(taskCtx, conn); err != nil && taskCtx.Err() == nil {
		tracer.RecordError(span, err)
		r.logger.Warn("sync task failed", "task", name, "error", err)
	}
}
