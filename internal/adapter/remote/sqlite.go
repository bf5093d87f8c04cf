package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// Message directions in the messages table. Inbound messages were observed
// on the gateway side; outbound messages were written by the remote
// application and await forwarding.
const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// SQLiteStore implements domain.RemoteStore on a SQLite database, scoped to
// one relay instance id. Several relays may share a database file.
type SQLiteStore struct {
	db         *sql.DB
	instanceID string
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath, instanceID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open remote db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate remote db: %w", err)
	}
	return &SQLiteStore{db: db, instanceID: instanceID}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			instance_id  TEXT NOT NULL,
			session_key  TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			direction    TEXT NOT NULL,
			synced       INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_unsynced
			ON messages (instance_id, direction, synced);

		CREATE TABLE IF NOT EXISTS sessions (
			instance_id          TEXT NOT NULL,
			session_key          TEXT NOT NULL,
			title                TEXT NOT NULL,
			pinned               INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT NOT NULL DEFAULT '',
			updated_at           TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			PRIMARY KEY (instance_id, session_key)
		);

		CREATE TABLE IF NOT EXISTS health (
			instance_id    TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			version        TEXT NOT NULL DEFAULT '',
			default_model  TEXT NOT NULL DEFAULT '',
			context_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens   INTEGER NOT NULL DEFAULT 0,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			collected_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS instances (
			id                TEXT PRIMARY KEY,
			hostname          TEXT NOT NULL DEFAULT '',
			platform          TEXT NOT NULL DEFAULT '',
			version           TEXT NOT NULL DEFAULT '',
			gateway_version   TEXT NOT NULL DEFAULT '',
			last_heartbeat_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS skills (
			instance_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tags        TEXT NOT NULL DEFAULT '[]',
			enabled     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, name)
		);

		CREATE TABLE IF NOT EXISTS cron_jobs (
			instance_id TEXT NOT NULL,
			id          TEXT NOT NULL,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL DEFAULT '{}',
			enabled     INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			next_run_at TEXT,
			run_count   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, id)
		);

		CREATE TABLE IF NOT EXISTS cron_actions (
			id           TEXT PRIMARY KEY,
			instance_id  TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			action       TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cron_actions_pending
			ON cron_actions (instance_id, status);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// PushMessage records an inbound message. The id is the dedupe identity:
// re-pushing an already stored message is a no-op. An empty id gets a fresh
// ULID and so never dedupes; callers wanting cross-restart idempotence must
// supply a deterministic id.
func (s *SQLiteStore) PushMessage(ctx context.Context, msg domain.Message) error {
	id := msg.ID
	if id == "" {
		id = ulid.Make().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, instance_id, session_key, role, content, timestamp, direction, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		id, s.instanceID, msg.SessionKey, msg.Role, msg.Content,
		fmtTime(msg.Timestamp), directionInbound,
	)
	return domain.WrapOp("push message", err)
}

// QueueOutbound stores a message written by the remote application for
// later delivery to the gateway.
func (s *SQLiteStore) QueueOutbound(ctx context.Context, msg domain.Message) (string, error) {
	id := msg.ID
	if id == "" {
		id = ulid.Make().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, instance_id, session_key, role, content, timestamp, direction, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		id, s.instanceID, msg.SessionKey, msg.Role, msg.Content,
		fmtTime(msg.Timestamp), directionOutbound,
	)
	return id, domain.WrapOp("queue outbound", err)
}

func (s *SQLiteStore) GetUnsyncedMessages(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, role, content, timestamp FROM messages
		WHERE instance_id = ? AND direction = ? AND synced = 0
		ORDER BY timestamp ASC`,
		s.instanceID, directionOutbound,
	)
	if err != nil {
		return nil, domain.WrapOp("get unsynced", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &ts); err != nil {
			return nil, domain.WrapOp("scan message", err)
		}
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.instanceID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET synced = 1 WHERE instance_id = ? AND id IN ("+placeholders+")",
		args...,
	)
	return domain.WrapOp("mark synced", err)
}

func (s *SQLiteStore) SyncSessions(ctx context.Context, sessions []domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("sync sessions", err)
	}
	defer tx.Rollback()

	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions
				(instance_id, session_key, title, pinned, last_message_preview, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instance_id, session_key) DO UPDATE SET
				title = excluded.title,
				pinned = excluded.pinned,
				last_message_preview = excluded.last_message_preview,
				updated_at = excluded.updated_at`,
			s.instanceID, sess.SessionKey, sess.Title, boolToInt(sess.IsPinned),
			sess.LastMessagePreview, fmtTime(sess.UpdatedAt), fmtTime(sess.CreatedAt),
		)
		if err != nil {
			return domain.WrapOp("upsert session", err)
		}
	}
	return domain.WrapOp("sync sessions", tx.Commit())
}

func (s *SQLiteStore) GetSessionsForInstance(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, title, pinned, last_message_preview, updated_at, created_at
		FROM sessions WHERE instance_id = ? ORDER BY updated_at DESC`,
		s.instanceID,
	)
	if err != nil {
		return nil, domain.WrapOp("get sessions", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var pinned int
		var updated, created string
		if err := rows.Scan(&sess.SessionKey, &sess.Title, &pinned, &sess.LastMessagePreview, &updated, &created); err != nil {
			return nil, domain.WrapOp("scan session", err)
		}
		sess.IsPinned = pinned != 0
		sess.UpdatedAt = parseTime(updated)
		sess.CreatedAt = parseTime(created)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) PushHealth(ctx context.Context, h domain.Health) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health
			(instance_id, status, version, default_model, context_tokens, total_tokens, uptime_seconds, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			default_model = excluded.default_model,
			context_tokens = excluded.context_tokens,
			total_tokens = excluded.total_tokens,
			uptime_seconds = excluded.uptime_seconds,
			collected_at = excluded.collected_at`,
		s.instanceID, h.Status, h.Version, h.DefaultModel,
		h.ContextTokens, h.TotalTokens, h.UptimeSeconds, fmtTime(h.CollectedAt),
	)
	return domain.WrapOp("push health", err)
}

// GetHealth returns the last pushed health snapshot, or nil when none exists.
func (s *SQLiteStore) GetHealth(ctx context.Context) (*domain.Health, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, version, default_model, context_tokens, total_tokens, uptime_seconds, collected_at
		FROM health WHERE instance_id = ?`,
		s.instanceID,
	)
	var h domain.Health
	var collected string
	err := row.Scan(&h.Status, &h.Version, &h.DefaultModel, &h.ContextTokens, &h.TotalTokens, &h.UptimeSeconds, &collected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapOp("get health", err)
	}
	h.CollectedAt = parseTime(collected)
	return &h, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, version, last_heartbeat_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		s.instanceID, version, fmtTime(time.Now()),
	)
	return domain.WrapOp("heartbeat", err)
}

func (s *SQLiteStore) PushIdentity(ctx context.Context, id domain.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, hostname, platform, version, gateway_version, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			version = excluded.version,
			gateway_version = excluded.gateway_version`,
		s.instanceID, id.Hostname, id.Platform, id.Version, id.GatewayVersion, fmtTime(time.Now()),
	)
	return domain.WrapOp("push identity", err)
}

// SyncSkills mirrors the full skill list: skills absent from the snapshot
// are removed.
func (s *SQLiteStore) SyncSkills(ctx context.Context, skills []domain.Skill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("sync skills", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM skills WHERE instance_id = ?", s.instanceID); err != nil {
		return domain.WrapOp("clear skills", err)
	}
	for _, sk := range skills {
		tags, err := json.Marshal(sk.Tags)
		if err != nil {
			return domain.WrapOp("marshal skill tags", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO skills (instance_id, name, description, tags, enabled)
			VALUES (?, ?, ?, ?, ?)`,
			s.instanceID, sk.Name, sk.Description, string(tags), boolToInt(sk.Enabled),
		)
		if err != nil {
			return domain.WrapOp("insert skill", err)
		}
	}
	return domain.WrapOp("sync skills", tx.Commit())
}

// GetSkills returns the mirrored skill list, ordered by name.
func (s *SQLiteStore) GetSkills(ctx context.Context) ([]domain.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, tags, enabled FROM skills
		WHERE instance_id = ? ORDER BY name ASC`,
		s.instanceID,
	)
	if err != nil {
		return nil, domain.WrapOp("get skills", err)
	}
	defer rows.Close()

	var skills []domain.Skill
	for rows.Next() {
		var sk domain.Skill
		var tags string
		var enabled int
		if err := rows.Scan(&sk.Name, &sk.Description, &tags, &enabled); err != nil {
			return nil, domain.WrapOp("scan skill", err)
		}
		if err := json.Unmarshal([]byte(tags), &sk.Tags); err != nil {
			return nil, domain.WrapOp("unmarshal skill tags", err)
		}
		sk.Enabled = enabled != 0
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

// SyncCronJobs mirrors the full job list: jobs absent from the snapshot are
// removed.
func (s *SQLiteStore) SyncCronJobs(ctx context.Context, jobs []domain.CronJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("sync cron jobs", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cron_jobs WHERE instance_id = ?", s.instanceID); err != nil {
		return domain.WrapOp("clear cron jobs", err)
	}
	for _, job := range jobs {
		schedule, err := json.Marshal(job.Schedule)
		if err != nil {
			return domain.WrapOp("marshal schedule", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cron_jobs
				(instance_id, id, name, schedule, enabled, last_run_at, next_run_at, run_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.instanceID, job.ID, job.Name, string(schedule), boolToInt(job.Enabled),
			nullableTime(job.LastRunAt), nullableTime(job.NextRunAt), job.RunCount,
		)
		if err != nil {
			return domain.WrapOp("insert cron job", err)
		}
	}
	return domain.WrapOp("sync cron jobs", tx.Commit())
}

// GetCronJobs returns the mirrored job list, ordered by name.
func (s *SQLiteStore) GetCronJobs(ctx context.Context) ([]domain.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, enabled, last_run_at, next_run_at, run_count
		FROM cron_jobs WHERE instance_id = ? ORDER BY name ASC`,
		s.instanceID,
	)
	if err != nil {
		return nil, domain.WrapOp("get cron jobs", err)
	}
	defer rows.Close()

	var jobs []domain.CronJob
	for rows.Next() {
		var job domain.CronJob
		var schedule string
		var enabled int
		var lastRun, nextRun sql.NullString
		if err := rows.Scan(&job.ID, &job.Name, &schedule, &enabled, &lastRun, &nextRun, &job.RunCount); err != nil {
			return nil, domain.WrapOp("scan cron job", err)
		}
		if err := json.Unmarshal([]byte(schedule), &job.Schedule); err != nil {
			return nil, domain.WrapOp("unmarshal schedule", err)
		}
		job.Enabled = enabled != 0
		job.LastRunAt = scanNullableTime(lastRun)
		job.NextRunAt = scanNullableTime(nextRun)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// EnqueueCronAction queues a job action for the relay to execute. This is
// the remote application's write path; the relay only ever reads and
// completes actions.
func (s *SQLiteStore) EnqueueCronAction(ctx context.Context, jobID, action string) (string, error) {
	id := ulid.Make().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_actions (id, instance_id, job_id, action, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, s.instanceID, jobID, action, fmtTime(time.Now()),
	)
	return id, domain.WrapOp("enqueue cron action", err)
}

func (s *SQLiteStore) GetPendingCronActions(ctx context.Context) ([]domain.CronActionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, action, created_at FROM cron_actions
		WHERE instance_id = ? AND status = 'pending'
		ORDER BY created_at ASC`,
		s.instanceID,
	)
	if err != nil {
		return nil, domain.WrapOp("get pending actions", err)
	}
	defer rows.Close()

	var actions []domain.CronActionRequest
	for rows.Next() {
		var a domain.CronActionRequest
		var created string
		if err := rows.Scan(&a.ID, &a.JobID, &a.Action, &created); err != nil {
			return nil, domain.WrapOp("scan action", err)
		}
		a.CreatedAt = parseTime(created)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *SQLiteStore) CompleteCronAction(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_actions SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND instance_id = ? AND status = 'pending'`,
		status, errMsg, fmtTime(time.Now()), id, s.instanceID,
	)
	if err != nil {
		return domain.WrapOp("complete cron action", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrActionNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
