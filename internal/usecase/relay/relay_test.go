package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/gateway"
	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// --- test doubles ---

type recordedReq struct {
	method string
	params map[string]any
}

type fakeConn struct {
	mu        sync.Mutex
	handlers  []func(gateway.Event)
	requests  []recordedReq
	responses map[string]json.RawMessage
	errs      map[string]error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		closed:    make(chan struct{}),
	}
}

func (f *fakeConn) Request(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	var decoded map[string]any
	if params != nil {
		raw, _ := json.Marshal(params)
		_ = json.Unmarshal(raw, &decoded)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedReq{method: method, params: decoded})
	resp, ok := f.responses[method]
	err := f.errs[method]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return resp, nil
}

func (f *fakeConn) OnEvent(fn func(gateway.Event)) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeConn) emit(ev gateway.Event) {
	f.mu.Lock()
	handlers := append([]func(gateway.Event){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeConn) requestsFor(method string) []recordedReq {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedReq
	for _, r := range f.requests {
		if r.method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeConn) WaitForClose() <-chan struct{} { return f.closed }
func (f *fakeConn) ServerVersion() string         { return "9.9.9" }
func (f *fakeConn) Close()                        { f.closeOnce.Do(func() { close(f.closed) }) }

type completion struct {
	id, status, errMsg string
}

type fakeStore struct {
	mu         sync.Mutex
	pushed     []domain.Message
	unsynced   []domain.Message
	marked     []string
	sessions   []domain.Session
	health     []domain.Health
	heartbeats int
	identities []domain.Identity
	skills     [][]domain.Skill
	jobs       [][]domain.CronJob
	pending    []domain.CronActionRequest
	completed  []completion

	pushErr error
}

func (s *fakeStore) PushMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed = append(s.pushed, msg)
	return nil
}

func (s *fakeStore) GetUnsyncedMessages(context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message{}, s.unsynced...), nil
}

func (s *fakeStore) MarkSynced(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, ids...)
	var remain []domain.Message
	for _, m := range s.unsynced {
		keep := true
		for _, id := range ids {
			if m.ID == id {
				keep = false
			}
		}
		if keep {
			remain = append(remain, m)
		}
	}
	s.unsynced = remain
	return nil
}

func (s *fakeStore) SyncSessions(_ context.Context, sessions []domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append([]domain.Session{}, sessions...)
	return nil
}

func (s *fakeStore) GetSessionsForInstance(context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Session{}, s.sessions...), nil
}

func (s *fakeStore) PushHealth(_ context.Context, h domain.Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, h)
	return nil
}

func (s *fakeStore) Heartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeStore) PushIdentity(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, id)
	return nil
}

func (s *fakeStore) SyncSkills(_ context.Context, skills []domain.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills = append(s.skills, skills)
	return nil
}

func (s *fakeStore) SyncCronJobs(_ context.Context, jobs []domain.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs)
	return nil
}

func (s *fakeStore) GetPendingCronActions(context.Context) ([]domain.CronActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending, nil
}

func (s *fakeStore) CompleteCronAction(_ context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, completion{id: id, status: status, errMsg: errMsg})
	return nil
}

func (s *fakeStore) pushedMessages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message{}, s.pushed...)
}

type fakeControl struct {
	mu      sync.Mutex
	skills  []domain.Skill
	jobs    []domain.CronJob
	actions []string
	fail    map[string]error // action verb → error
}

func (c *fakeControl) ListSkills(context.Context) ([]domain.Skill, error) {
	return c.skills, nil
}

func (c *fakeControl) ListCronJobs(context.Context) ([]domain.CronJob, error) {
	return c.jobs, nil
}

func (c *fakeControl) RunCronAction(_ context.Context, jobID, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action+":"+jobID)
	if err := c.fail[action]; err != nil {
		return err
	}
	return nil
}

func newTestRelay(store *fakeStore, control *fakeControl, dial DialFunc) *Relay {
	return New(Options{
		InstanceID: "inst-1",
		Hostname:   "box",
		Platform:   "linux",
		Version:    "0.3.0",
	}, dial, store, control, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --- tests ---

func TestBackoffDelaySeries(t *testing.T) {
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, backoffDelay(i+1), "attempt %d", i+1)
	}
}

func TestStopBeforeRun(t *testing.T) {
	dials := 0
	r := newTestRelay(&fakeStore{}, &fakeControl{}, func(context.Context) (Conn, error) {
		dials++
		return nil, errors.New("unreachable")
	})
	r.Stop()
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 0, dials)
}

func TestStopDuringBackoff(t *testing.T) {
	dialed := make(chan struct{}, 1)
	r := newTestRelay(&fakeStore{}, &fakeControl{}, func(context.Context) (Conn, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return nil, errors.New("unreachable")
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case <-dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never attempted")
	}
	r.Stop()

	select {
	case err := <-done:
		require.NoError(t, err, "Stop ends the loop without a new attempt")
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop; it should not wait out the backoff")
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	store := &fakeStore{}
	conns := make(chan *fakeConn, 2)
	var mu sync.Mutex
	dials := 0
	r := newTestRelay(store, &fakeControl{}, func(context.Context) (Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n > 2 {
			return nil, errors.New("no more")
		}
		c := newFakeConn()
		conns <- c
		return c, nil
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	first := <-conns
	dropAt := time.Now()
	first.Close()

	// The redial after a drop waits out the first backoff step, it must not
	// spin straight back into dial.
	select {
	case <-conns:
		t.Fatal("redial before the backoff delay elapsed")
	case <-time.After(1500 * time.Millisecond):
	}

	var second *fakeConn
	select {
	case second = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect after connection drop")
	}
	assert.GreaterOrEqual(t, time.Since(dropAt), 2*time.Second)
	r.Stop()
	second.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	mu.Lock()
	assert.Equal(t, 2, dials, "attempt counter resets on a successful dial")
	mu.Unlock()
}

func TestEpochImmediatePasses(t *testing.T) {
	store := &fakeStore{}
	control := &fakeControl{
		skills: []domain.Skill{{Name: "weather", Enabled: true}},
		jobs:   []domain.CronJob{{ID: "j1", Name: "digest"}},
	}
	conn := newFakeConn()
	conn.responses["sessions.list"] = json.RawMessage(`{"sessions":[{"key":"agent:main","displayName":"Main","updatedAt":1756400000000}]}`)
	conn.responses["chat.history"] = json.RawMessage(`{"messages":[{"role":"user","content":"hi","timestamp":1756400000000}]}`)
	conn.responses["status"] = json.RawMessage(`{"status":"ok","defaultModel":"sonnet","contextTokens":1000}`)

	r := newTestRelay(store, control, nil)

	ctx, cancel := context.WithCancel(context.Background())
	epochDone := make(chan struct{})
	go func() {
		r.runEpoch(ctx, conn)
		close(epochDone)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.heartbeats >= 1 &&
			len(store.identities) >= 1 &&
			len(store.skills) >= 1 &&
			len(store.jobs) >= 1 &&
			len(store.sessions) == 1 &&
			len(store.health) >= 1 &&
			len(store.pushed) == 1
	}, 3*time.Second, 20*time.Millisecond, "all immediate passes run on connect")

	store.mu.Lock()
	assert.Equal(t, "9.9.9", store.identities[0].GatewayVersion)
	assert.Equal(t, "inst-1", store.identities[0].InstanceID)
	assert.Equal(t, "Main", store.sessions[0].Title)
	assert.Equal(t, "sonnet", store.health[0].DefaultModel)
	assert.Equal(t, "hi", store.pushed[0].Content)
	store.mu.Unlock()

	hist := conn.requestsFor("chat.history")
	require.Len(t, hist, 1)
	assert.Equal(t, "agent:main", hist[0].params["sessionKey"])
	assert.Equal(t, float64(50), hist[0].params["limit"])

	cancel()
	select {
	case <-epochDone:
	case <-time.After(2 * time.Second):
		t.Fatal("epoch did not end on cancellation")
	}
}

func TestChatRunEndToEnd(t *testing.T) {
	store := &fakeStore{}
	r := newTestRelay(store, &fakeControl{}, nil)
	ctx := context.Background()

	delta := func(text string) gateway.Event {
		payload, _ := json.Marshal(map[string]any{
			"state": "delta", "runId": "r1", "sessionKey": "agent:main",
			"message":   map[string]any{"role": "assistant", "content": text},
			"timestamp": 1756400000000,
		})
		return gateway.Event{Name: "chat", Payload: payload}
	}

	r.handleEvent(ctx, nil, newTaskGroup(), delta("Hel"))
	r.handleEvent(ctx, nil, newTaskGroup(), delta("Hello"))
	assert.Empty(t, store.pushedMessages(), "nothing stored until the run finishes")

	final, _ := json.Marshal(map[string]any{
		"state": "final", "runId": "r1", "sessionKey": "agent:main",
	})
	r.handleEvent(ctx, nil, newTaskGroup(), gateway.Event{Name: "chat", Payload: final})

	pushed := store.pushedMessages()
	require.Len(t, pushed, 1)
	assert.Equal(t, "Hello", pushed[0].Content, "last delta wins when the final carries no text")
	assert.Equal(t, domain.RoleAssistant, pushed[0].Role)
	assert.Equal(t, "agent:main", pushed[0].SessionKey)
	assert.Equal(t, 0, r.acc.Len())
}

func TestChatErrorDropsRun(t *testing.T) {
	store := &fakeStore{}
	r := newTestRelay(store, &fakeControl{}, nil)
	ctx := context.Background()

	deltaPayload, _ := json.Marshal(map[string]any{
		"state": "delta", "runId": "r1", "sessionKey": "agent:main",
		"message": map[string]any{"content": "partial"},
	})
	r.handleEvent(ctx, nil, newTaskGroup(), gateway.Event{Name: "chat", Payload: deltaPayload})

	errPayload, _ := json.Marshal(map[string]any{"state": "error", "runId": "r1"})
	r.handleEvent(ctx, nil, newTaskGroup(), gateway.Event{Name: "chat", Payload: errPayload})

	assert.Empty(t, store.pushedMessages())
	assert.Equal(t, 0, r.acc.Len())
}

func TestPushInboundDeduplicates(t *testing.T) {
	store := &fakeStore{}
	r := newTestRelay(store, &fakeControl{}, nil)
	ctx := context.Background()

	msg := domain.Message{
		SessionKey: "agent:main",
		Role:       domain.RoleUser,
		Content:    "hello",
		Timestamp:  time.UnixMilli(1756400000000).UTC(),
	}
	r.pushInbound(ctx, msg)
	r.pushInbound(ctx, msg)
	assert.Len(t, store.pushedMessages(), 1, "identical message within retention is suppressed")

	later := msg
	later.Timestamp = msg.Timestamp.Add(time.Second)
	r.pushInbound(ctx, later)
	assert.Len(t, store.pushedMessages(), 2, "same text at a different timestamp is distinct")
}

func TestForwardOutbound(t *testing.T) {
	store := &fakeStore{
		unsynced: []domain.Message{
			{ID: "m1", SessionKey: "agent:main", Role: domain.RoleUser, Content: "first"},
			{ID: "m2", SessionKey: "agent:main", Role: domain.RoleUser, Content: "second"},
		},
	}
	conn := newFakeConn()
	r := newTestRelay(store, &fakeControl{}, nil)

	require.NoError(t, r.forwardOutbound(context.Background(), conn))

	sends := conn.requestsFor("chat.send")
	require.Len(t, sends, 2)
	assert.Equal(t, "m1", sends[0].params["idempotencyKey"])
	assert.Equal(t, "first", sends[0].params["message"])
	assert.Equal(t, "agent:main", sends[0].params["sessionKey"])
	assert.Equal(t, []string{"m1", "m2"}, store.marked)
}

func TestForwardOutboundSendFailure(t *testing.T) {
	store := &fakeStore{
		unsynced: []domain.Message{
			{ID: "m1", SessionKey: "agent:main", Role: domain.RoleUser, Content: "first"},
		},
	}
	conn := newFakeConn()
	conn.errs["chat.send"] = fmt.Errorf("gateway busy")
	r := newTestRelay(store, &fakeControl{}, nil)

	err := r.forwardOutbound(context.Background(), conn)
	require.Error(t, err)
	assert.Empty(t, store.marked, "failed sends stay queued for the next pass")
}

func TestProcessCronActions(t *testing.T) {
	store := &fakeStore{
		pending: []domain.CronActionRequest{
			{ID: "a1", JobID: "j1", Action: domain.CronActionRun},
			{ID: "a2", JobID: "j2", Action: domain.CronActionRemove},
		},
	}
	control := &fakeControl{fail: map[string]error{
		domain.CronActionRemove: errors.New("job is busy"),
	}}
	r := newTestRelay(store, control, nil)

	require.NoError(t, r.processCronActions(context.Background(), nil))

	assert.Equal(t, []string{"run:j1", "remove:j2"}, control.actions)
	require.Len(t, store.completed, 2)
	assert.Equal(t, completion{id: "a1", status: domain.CronActionStatusCompleted}, store.completed[0])
	assert.Equal(t, domain.CronActionStatusError, store.completed[1].status)
	assert.Contains(t, store.completed[1].errMsg, "busy")
}

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator()
	msg := domain.Message{SessionKey: "s", Role: domain.RoleUser, Content: "x", Timestamp: time.Now()}

	assert.False(t, d.CheckAndMark(msg))
	assert.True(t, d.CheckAndMark(msg))
	assert.Equal(t, 1, d.Len())

	// Backdated entries are evicted by Prune.
	d.mu.Lock()
	for k := range d.seen {
		d.seen[k] = time.Now().Add(-dedupeRetention - time.Minute)
	}
	d.mu.Unlock()
	d.Prune()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.CheckAndMark(msg), "expired fingerprints are forgotten")
}

func TestDeduplicatorDuplicateDoesNotExtendWindow(t *testing.T) {
	d := NewDeduplicator()
	msg := domain.Message{SessionKey: "s", Role: domain.RoleUser, Content: "x", Timestamp: time.Now()}
	require.False(t, d.CheckAndMark(msg))

	// Age the entry to just inside the window, then hit it with a duplicate.
	key := Fingerprint(msg)
	stamp := time.Now().Add(-dedupeRetention + time.Minute)
	d.mu.Lock()
	d.seen[key] = stamp
	d.mu.Unlock()
	require.True(t, d.CheckAndMark(msg))

	// The suppressed duplicate keeps the original delivery time, so the
	// retention window is measured from the last delivered push.
	d.mu.Lock()
	got := d.seen[key]
	d.mu.Unlock()
	assert.Equal(t, stamp, got)

	d.mu.Lock()
	d.seen[key] = time.Now().Add(-dedupeRetention - time.Second)
	d.mu.Unlock()
	d.Prune()
	assert.False(t, d.CheckAndMark(msg), "delivered again once the window from the first push passes")
}

func TestPushInboundDeterministicID(t *testing.T) {
	store := &fakeStore{}
	msg := domain.Message{
		SessionKey: "agent:main",
		Role:       domain.RoleAssistant,
		Content:    "hi",
		Timestamp:  time.UnixMilli(1756400000000).UTC(),
	}

	r := newTestRelay(store, &fakeControl{}, nil)
	r.pushInbound(context.Background(), msg)

	// A restarted relay starts with an empty dedupe window; the id derived
	// for the same history row must match, so the store's insert-or-ignore
	// still collapses the re-push.
	r2 := newTestRelay(store, &fakeControl{}, nil)
	r2.pushInbound(context.Background(), msg)

	pushed := store.pushedMessages()
	require.Len(t, pushed, 2)
	assert.Equal(t, Fingerprint(msg), pushed[0].ID)
	assert.Equal(t, pushed[0].ID, pushed[1].ID)
}

func TestTaskGroupCloseWaits(t *testing.T) {
	g := newTaskGroup()
	entered := make(chan struct{})
	release := make(chan struct{})
	require.True(t, g.Go(func() {
		close(entered)
		<-release
	}))
	<-entered

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the task finished")
	}
	assert.False(t, g.Go(func() {}), "no new tasks after Close")
}

func TestSessionsUpdatedEventTriggersSync(t *testing.T) {
	store := &fakeStore{}
	conn := newFakeConn()
	conn.responses["sessions.list"] = json.RawMessage(`{"sessions":[{"key":"agent:main","updatedAt":1756400000000}]}`)
	r := newTestRelay(store, &fakeControl{}, nil)

	grp := newTaskGroup()
	r.handleEvent(context.Background(), conn, grp, gateway.Event{Name: "sessions.updated"})
	grp.Close()

	require.Len(t, conn.requestsFor("sessions.list"), 1)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.sessions, 1)
	assert.Equal(t, "agent:main", store.sessions[0].SessionKey)
}
