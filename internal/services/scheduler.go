package services

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	rolloverSpec = "0 0 * * *"
	cleanupSpec  = "30 3 * * *"
	jobTimeout   = 2 * time.Minute
)

// MaintenanceScheduler runs the periodic jobs: budget rollover at UTC
// midnight, provider health probes and retention cleanup. Every job is
// safe to run on all replicas at once.
type MaintenanceScheduler struct {
	cron     *cron.Cron
	budget   *BudgetTracker
	health   *HealthProber
	usage    *UsageLedger
	logs     *SystemLogService
	settings *SystemConfigService
	interval time.Duration
}

func NewMaintenanceScheduler(cfg config.HealthConfig, budget *BudgetTracker, health *HealthProber, usage *UsageLedger, logs *SystemLogService, settings *SystemConfigService) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		budget:   budget,
		health:   health,
		usage:    usage,
		logs:     logs,
		settings: settings,
		interval: cfg.ProbeInterval,
	}
}

type scheduledJob struct {
	spec string
	name string
	fn   func(context.Context) error
}

// Start registers the jobs, runs the rollover and a first probe
// immediately, then starts the cron loop.
func (s *MaintenanceScheduler) Start() error {
	jobs := []scheduledJob{
		{rolloverSpec, "budget-rollover", s.rollover},
		{cleanupSpec, "retention-cleanup", s.cleanup},
	}
	if s.health != nil && s.interval > 0 {
		jobs = append(jobs, scheduledJob{fmt.Sprintf("@every %s", s.interval), "health-probe", s.health.ProbeAll})
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.fn) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
		logger.Infof("[Scheduler] %s scheduled (%s)", job.name, job.spec)
	}

	go s.run("budget-rollover", s.rollover)
	if s.health != nil {
		go s.run("health-probe", s.health.ProbeAll)
	}

	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *MaintenanceScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *MaintenanceScheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		logger.Errorf("[Scheduler] %s failed: %v", name, err)
		return
	}
	logger.Debugf("[Scheduler] %s finished in %s", name, time.Since(start))
}

func (s *MaintenanceScheduler) rollover(ctx context.Context) error {
	return s.budget.Rollover(ctx, time.Now())
}

func (s *MaintenanceScheduler) cleanup(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}
	usageDays, logDays := s.settings.RetentionDays(ctx)

	if s.usage != nil && s.usage.db != nil && usageDays > 0 {
		deleted, err := s.usage.PurgeBefore(time.Now().AddDate(0, 0, -usageDays))
		if err != nil {
			return fmt.Errorf("usage cleanup: %w", err)
		}
		if deleted > 0 {
			logger.Infof("[Scheduler] Cleaned up %d usage logs older than %d days", deleted, usageDays)
		}
	}

	if s.logs != nil && s.logs.db != nil && logDays > 0 {
		deleted, err := s.logs.PurgeBefore(time.Now().AddDate(0, 0, -logDays))
		if err != nil {
			return fmt.Errorf("system log cleanup: %w", err)
		}
		if deleted > 0 {
			logger.Infof("[Scheduler] Cleaned up %d system logs older than %d days", deleted, logDays)
		}
	}
	return nil
}
