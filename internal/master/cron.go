package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"

	"github.com/etsy/jenkins-master-project/internal/logging"
)

const cronTag = "master-cron"

// CronTriggers triggers master projects that carry a cron expression. The job
// set follows the configuration registry.
type CronTriggers struct {
	scheduler gocron.Scheduler
	svc       *Service
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]string // project -> cron expression
}

// NewCronTriggers creates the scheduler and registers the current projects.
func NewCronTriggers(svc *Service, logger *slog.Logger) (*CronTriggers, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	c := &CronTriggers{
		scheduler: s,
		svc:       svc,
		logger:    logging.Component(logger, "cron"),
		jobs:      make(map[string]string),
	}
	if err := c.Sync(); err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	svc.Registry().OnChange(func() {
		if err := c.Sync(); err != nil {
			c.logger.Error("sync cron triggers", "error", err)
		}
	})
	return c, nil
}

// Sync replaces the scheduled jobs with one per project that has a cron expression.
func (c *CronTriggers) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler.RemoveByTags(cronTag)
	c.jobs = make(map[string]string)

	var firstErr error
	for _, p := range c.svc.Registry().List() {
		if p.Cron == "" {
			continue
		}
		name := p.Name
		_, err := c.scheduler.NewJob(
			gocron.CronJob(p.Cron, false),
			gocron.NewTask(c.trigger, name),
			gocron.WithName(name),
			gocron.WithTags(cronTag),
		)
		if err != nil {
			c.logger.Error("invalid cron expression", "project", name, "cron", p.Cron, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cron job for %s: %w", name, err)
			}
			continue
		}
		c.jobs[name] = p.Cron
	}
	c.logger.Info("cron triggers synced", "jobs", len(c.jobs))
	return firstErr
}

// Jobs returns the scheduled cron expression per project.
func (c *CronTriggers) Jobs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.jobs))
	for k, v := range c.jobs {
		out[k] = v
	}
	return out
}

// Start begins running the jobs.
func (c *CronTriggers) Start() {
	c.scheduler.Start()
}

// Shutdown stops the scheduler.
func (c *CronTriggers) Shutdown() error {
	return c.scheduler.Shutdown()
}

func (c *CronTriggers) trigger(project string) {
	b, err := c.svc.Trigger(context.Background(), project, TriggerRequest{TriggeredBy: "cron"})
	if err != nil {
		c.logger.Error("cron trigger failed", "project", project, "error", err)
		return
	}
	c.logger.Info("cron triggered", "project", project, "master_build_id", b.ID())
}
