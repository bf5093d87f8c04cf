package localctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

const defaultCommandTimeout = 30 * time.Second

// runFunc executes a command and returns its stdout. Injectable for tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CLIControl implements domain.LocalControl by shelling out to the agent's
// command-line tooling.
type CLIControl struct {
	binary  string
	timeout time.Duration
	run     runFunc
	logger  *slog.Logger
}

// NewCLIControl creates a control backed by the given agent binary. A zero
// or negative timeout selects the default.
func NewCLIControl(binary string, timeout time.Duration, logger *slog.Logger) *CLIControl {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	c := &CLIControl{
		binary:  binary,
		timeout: timeout,
		logger:  logger,
	}
	c.run = c.execRun
	return c
}

func (c *CLIControl) execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

// wireSkill is the CLI's skill list entry.
type wireSkill struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Enabled     bool     `json:"enabled"`
	Disabled    bool     `json:"disabled"`
}

func (c *CLIControl) ListSkills(ctx context.Context) ([]domain.Skill, error) {
	out, err := c.run(ctx, c.binary, "skills", "list", "--json")
	if err != nil {
		return nil, domain.WrapOp("list skills", err)
	}
	var wire []wireSkill
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, domain.WrapOp("parse skills", err)
	}
	skills := make([]domain.Skill, 0, len(wire))
	for _, w := range wire {
		if w.Name == "" {
			continue
		}
		enabled := w.Enabled
		if w.Disabled {
			enabled = false
		}
		skills = append(skills, domain.Skill{
			Name:        w.Name,
			Description: w.Description,
			Tags:        w.Tags,
			Enabled:     enabled,
		})
	}
	return skills, nil
}

// wireCronJob is the CLI's cron list entry.
type wireCronJob struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Schedule  domain.CronSchedule `json:"schedule"`
	Enabled   bool                `json:"enabled"`
	LastRunMs int64               `json:"lastRunAtMs"`
	NextRunMs int64               `json:"nextRunAtMs"`
	RunCount  int                 `json:"runCount"`
}

func (c *CLIControl) ListCronJobs(ctx context.Context) ([]domain.CronJob, error) {
	out, err := c.run(ctx, c.binary, "cron", "list", "--json")
	if err != nil {
		return nil, domain.WrapOp("list cron jobs", err)
	}
	var wire []wireCronJob
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, domain.WrapOp("parse cron jobs", err)
	}

	now := time.Now().UTC()
	jobs := make([]domain.CronJob, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		job := domain.CronJob{
			ID:       w.ID,
			Name:     w.Name,
			Schedule: w.Schedule,
			Enabled:  w.Enabled,
			RunCount: w.RunCount,
		}
		if w.LastRunMs > 0 {
			t := time.UnixMilli(w.LastRunMs).UTC()
			job.LastRunAt = &t
		}
		if w.NextRunMs > 0 {
			t := time.UnixMilli(w.NextRunMs).UTC()
			job.NextRunAt = &t
		} else if job.Enabled {
			if t, ok := nextRun(w.Schedule, now); ok {
				job.NextRunAt = &t
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// nextRun computes the next fire time from the schedule when the CLI did not
// report one.
func nextRun(s domain.CronSchedule, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "at":
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !t.After(now) {
			return time.Time{}, false
		}
		return t.UTC(), true
	case "every":
		if s.EveryMs <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(s.EveryMs) * time.Millisecond), true
	case "cron":
		sched, err := cron.ParseStandard(s.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next.UTC(), true
	default:
		return time.Time{}, false
	}
}

func validAction(action string) bool {
	switch action {
	case domain.CronActionEnable, domain.CronActionDisable, domain.CronActionRun, domain.CronActionRemove:
		return true
	}
	return false
}

func (c *CLIControl) RunCronAction(ctx context.Context, jobID, action string) error {
	if !validAction(action) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAction, action)
	}
	if jobID == "" {
		return domain.ErrJobNotFound
	}
	if _, err := c.run(ctx, c.binary, "cron", action, jobID); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return domain.WrapOp("cron "+action, err)
	}
	c.logger.Info("cron action applied", "job_id", jobID, "action", action)
	return nil
}
