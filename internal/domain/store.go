package domain

import "context"

// RemoteStore abstracts the remote durable backend the relay synchronizes
// against. The relay only ever calls these operations; the store's schema
// and query semantics are the implementation's concern.
type RemoteStore interface {
	// PushMessage records a message observed on the gateway side.
	PushMessage(ctx context.Context, msg Message) error
	// GetUnsyncedMessages returns outbound application messages that have
	// not yet been delivered to the gateway.
	GetUnsyncedMessages(ctx context.Context) ([]Message, error)
	// MarkSynced marks previously returned outbound messages as delivered.
	MarkSynced(ctx context.Context, ids []string) error

	SyncSessions(ctx context.Context, sessions []Session) error
	GetSessionsForInstance(ctx context.Context) ([]Session, error)

	PushHealth(ctx context.Context, health Health) error
	Heartbeat(ctx context.Context, version string) error
	PushIdentity(ctx context.Context, identity Identity) error

	SyncSkills(ctx context.Context, skills []Skill) error
	SyncCronJobs(ctx context.Context, jobs []CronJob) error
	GetPendingCronActions(ctx context.Context) ([]CronActionRequest, error)
	// CompleteCronAction records the outcome of a pending action. errMsg is
	// empty on success.
	CompleteCronAction(ctx context.Context, id, status, errMsg string) error
}

// LocalControl abstracts the local command-line tooling the relay invokes
// for skill and scheduled-job management.
type LocalControl interface {
	ListSkills(ctx context.Context) ([]Skill, error)
	ListCronJobs(ctx context.Context) ([]CronJob, error)
	// RunCronAction executes one of the CronAction* verbs against a job.
	RunCronAction(ctx context.Context, jobID, action string) error
}
