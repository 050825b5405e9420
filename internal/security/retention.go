package security

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RetentionJob applies an audit log's retention policy, once at startup and
// then on a cron schedule.
type RetentionJob struct {
	audit  *FileAuditLogger
	logger *slog.Logger
	cron   *cron.Cron
}

// NewRetentionJob creates a job for audit. Nothing runs until Start.
func NewRetentionJob(audit *FileAuditLogger, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{audit: audit, logger: logger, cron: cron.New()}
}

// Run enforces the policy once and reports how many entries were dropped.
func (j *RetentionJob) Run(ctx context.Context) int {
	removed, err := j.audit.EnforceRetention(ctx)
	if err != nil {
		j.logger.Error("audit retention failed", "error", err)
		return 0
	}
	if removed > 0 {
		j.logger.Info("audit retention applied", "removed", removed)
	}
	return removed
}

// Start runs the job on schedule until Stop. ctx is handed to each run.
func (j *RetentionJob) Start(ctx context.Context, schedule cron.Schedule) {
	j.cron.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		j.Run(ctx)
	}))
	j.cron.Start()
	j.logger.Debug("audit retention scheduled", "next", schedule.Next(j.audit.now()))
}

// Stop halts the schedule and waits for a running pass to finish.
func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
}
