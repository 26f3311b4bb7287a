package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultReportSchedule = "@every 10m"

// backlogVolatileWarning tells operators that an unjournaled backlog does not survive a
// restart; resubmitting such a number afterwards reaches the regulator again.
const backlogVolatileWarning = "backlog is held in memory only and is lost on restart; reconcile these manifests before restarting"

var errMissingBacklogSource = errors.New("backlog source is required")

// BacklogSource lists unresolved split-brain submissions.
type BacklogSource interface {
	Backlog() []BacklogEntry
	BacklogDurable() bool
}

// ReporterConfig describes a BacklogReporter.
type ReporterConfig struct {
	Source   BacklogSource
	Schedule string
	Logger   *zap.Logger
}

// BacklogReporter periodically logs the split-brain backlog. It only reports; resolution
// stays with Reconcile.
type BacklogReporter struct {
	source   BacklogSource
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron

	stopOnce sync.Once
}

// NewBacklogReporter validates cfg and registers the job but does not start it.
func NewBacklogReporter(cfg ReporterConfig) (*BacklogReporter, error) {
	if cfg.Source == nil {
		return nil, errMissingBacklogSource
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultReportSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &BacklogReporter{
		source:   cfg.Source,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := reporter.cron.AddFunc(schedule, func() { reporter.Report() }); err != nil {
		return nil, fmt.Errorf("invalid backlog report schedule %q: %w", schedule, err)
	}
	return reporter, nil
}

// Start runs the schedule in the background.
func (r *BacklogReporter) Start() {
	r.cron.Start()
	r.logger.Info("manifest backlog reporter started", zap.String("schedule", r.schedule))
}

// Stop halts the schedule and waits for a running report until ctx ends.
func (r *BacklogReporter) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		done := r.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
	})
}

// Report logs the backlog and returns its size.
func (r *BacklogReporter) Report() int {
	entries := r.source.Backlog()
	if len(entries) == 0 {
		r.logger.Debug("manifest backlog empty")
		return 0
	}
	numbers := make([]string, 0, len(entries))
	for _, entry := range entries {
		numbers = append(numbers, entry.Record.ManifestNumber)
	}
	fields := []zap.Field{
		zap.Int("count", len(entries)),
		zap.Strings("manifest_numbers", numbers),
		zap.Time("oldest", entries[0].RecordedAt),
		zap.Bool("durable", r.source.BacklogDurable()),
	}
	if !r.source.BacklogDurable() {
		fields = append(fields, zap.String("warning", backlogVolatileWarning))
	}
	r.logger.Error("manifests awaiting reconciliation", fields...)
	return len(entries)
}
