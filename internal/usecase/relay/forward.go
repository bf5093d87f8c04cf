package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/gateway"
	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// Chat run states carried by chat events.
const (
	chatStateDelta = "delta"
	chatStateFinal = "final"
	chatStateError = "error"
)

// handleEvent routes gateway events. It runs on the connection's read loop,
// so anything that issues a request goes through the epoch's task group; a
// blocking Request here would deadlock against the loop that must read its
// response.
func (r *Relay) handleEvent(ctx context.Context, conn Conn, grp *taskGroup, ev gateway.Event) {
	switch ev.Name {
	case "chat":
		r.handleChat(ctx, ev)
	case "sessions.updated":
		grp.Go(func() { r.runTask(ctx, conn, "session-sync", r.syncSessions) })
	case "health":
		grp.Go(func() { r.runTask(ctx, conn, "health-sync", r.syncHealth) })
	}
}

func (r *Relay) handleChat(ctx context.Context, ev gateway.Event) {
	chat, ok := gateway.ParseChatEvent(ev.Payload)
	if !ok {
		return
	}

	switch chat.State {
	case chatStateDelta:
		r.acc.OnDelta(chat.RunID, chat.SessionKey, chat.Parts(), chat.Time())
	case chatStateFinal:
		if msg, ok := r.acc.OnFinal(chat.RunID, chat.SessionKey, chat.Parts()); ok {
			r.pushInbound(ctx, msg)
		}
	case chatStateError:
		r.acc.Drop(chat.RunID)
	}
}

// pushInbound stores a normalized message unless it was pushed within the
// dedupe retention window. Gateway events and history rows carry no id, so
// the fingerprint becomes the id; a restarted relay re-pushing the same
// backfill rows then hits the store's insert-or-ignore instead of minting
// fresh keys.
func (r *Relay) pushInbound(ctx context.Context, msg domain.Message) {
	if msg.ID == "" {
		msg.ID = Fingerprint(msg)
	}
	if r.dedupe.CheckAndMark(msg) {
		return
	}
	if err := r.store.PushMessage(ctx, msg); err != nil {
		r.logger.Warn("push message failed", "session", msg.SessionKey, "error", err)
	}
}

// decodeList extracts a list that arrives either wrapped under key or as a
// bare top-level array.
func decodeList(payload json.RawMessage, key string) []json.RawMessage {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapped); err == nil {
		if inner, ok := wrapped[key]; ok {
			payload = inner
		}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil
	}
	return items
}

func (r *Relay) syncSessions(ctx context.Context, conn Conn) error {
	payload, err := conn.Request(ctx, "sessions.list", nil, 0)
	if err != nil {
		return domain.WrapOp("sessions.list", err)
	}
	var sessions []domain.Session
	for _, raw := range decodeList(payload, "sessions") {
		if sess, ok := gateway.NormalizeSession(raw); ok {
			sessions = append(sessions, sess)
		}
	}
	if len(sessions) == 0 {
		return nil
	}
	return r.store.SyncSessions(ctx, sessions)
}

// backfillHistory pulls recent history for every known session once per
// connection, so messages exchanged while the relay was down still land in
// the store. Dedupe keeps the overlap with live events harmless.
func (r *Relay) backfillHistory(ctx context.Context, conn Conn) error {
	payload, err := conn.Request(ctx, "sessions.list", nil, 0)
	if err != nil {
		return domain.WrapOp("sessions.list", err)
	}

	r.dedupe.Prune()
	var firstErr error
	for _, raw := range decodeList(payload, "sessions") {
		sess, ok := gateway.NormalizeSession(raw)
		if !ok {
			continue
		}
		hist, err := conn.Request(ctx, "chat.history", map[string]any{
			"sessionKey": sess.SessionKey,
			"limit":      r.opts.BackfillLimit,
		}, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = domain.WrapOp("chat.history", err)
			}
			continue
		}
		for _, rawMsg := range decodeList(hist, "messages") {
			if msg, ok := gateway.NormalizeMessage(sess.SessionKey, rawMsg); ok {
				r.pushInbound(ctx, msg)
			}
		}
	}
	return firstErr
}

func (r *Relay) syncHealth(ctx context.Context, conn Conn) error {
	statusRaw, statusErr := conn.Request(ctx, "status", nil, 0)
	healthRaw, healthErr := conn.Request(ctx, "health", nil, 0)
	if statusErr != nil && healthErr != nil {
		return domain.WrapOp("health", errors.Join(statusErr, healthErr))
	}
	h := gateway.MergeHealth(statusRaw, healthRaw, time.Now().UTC())
	return r.store.PushHealth(ctx, h)
}

func (r *Relay) heartbeat(ctx context.Context, _ Conn) error {
	return r.store.Heartbeat(ctx, r.opts.Version)
}

func (r *Relay) syncIdentity(ctx context.Context, conn Conn) error {
	hostname := r.opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return r.store.PushIdentity(ctx, domain.Identity{
		InstanceID:     r.opts.InstanceID,
		Hostname:       hostname,
		Platform:       r.opts.Platform,
		Version:        r.opts.Version,
		GatewayVersion: conn.ServerVersion(),
	})
}

func (r *Relay) syncSkills(ctx context.Context, _ Conn) error {
	skills, err := r.control.ListSkills(ctx)
	if err != nil {
		return domain.WrapOp("skill sync", err)
	}
	return r.store.SyncSkills(ctx, skills)
}

func (r *Relay) syncCronJobs(ctx context.Context, _ Conn) error {
	jobs, err := r.control.ListCronJobs(ctx)
	if err != nil {
		return domain.WrapOp("cron sync", err)
	}
	return r.store.SyncCronJobs(ctx, jobs)
}

// processCronActions executes queued job actions against the local tooling
// and records each outcome. One failing action does not block the rest.
func (r *Relay) processCronActions(ctx context.Context, _ Conn) error {
	actions, err := r.store.GetPendingCronActions(ctx)
	if err != nil {
		return domain.WrapOp("pending actions", err)
	}
	for _, action := range actions {
		status := domain.CronActionStatusCompleted
		errMsg := ""
		if err := r.control.RunCronAction(ctx, action.JobID, action.Action); err != nil {
			status = domain.CronActionStatusError
			errMsg = err.Error()
			r.logger.Warn("cron action failed",
				"action_id", action.ID,
				"job_id", action.JobID,
				"action", action.Action,
				"error", err,
			)
		}
		if err := r.store.CompleteCronAction(ctx, action.ID, status, errMsg); err != nil {
			r.logger.Warn("complete cron action failed", "action_id", action.ID, "error", err)
		}
	}
	return nil
}

// forwardOutbound delivers queued application messages to the gateway. The
// stored id doubles as the idempotency key, so resending after a partial
// failure cannot duplicate messages on the agent side. Sends are
// rate-limited; ids are marked synced only after the gateway accepts them.
func (r *Relay) forwardOutbound(ctx context.Context, conn Conn) error {
	msgs, err := r.store.GetUnsyncedMessages(ctx)
	if err != nil {
		return domain.WrapOp("unsynced messages", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var sent []string
	var firstErr error
	for _, msg := range msgs {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		_, err := conn.Request(ctx, "chat.send", map[string]any{
			"sessionKey":     msg.SessionKey,
			"message":        msg.Content,
			"idempotencyKey": msg.ID,
		}, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = domain.WrapOp("chat.send", err)
			}
			continue
		}
		sent = append(sent, msg.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSynced(ctx, sent); err != nil {
			return domain.WrapOp("mark synced", err)
		}
		r.logger.Info("forwarded outbound messages", "count", len(sent))
	}
	return firstErr
}
