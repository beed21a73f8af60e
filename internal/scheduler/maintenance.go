package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/liqsentry/internal/logger"
)

// Job is one periodic housekeeping task.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Maintenance runs housekeeping jobs on cron schedules.
type Maintenance struct {
	cron *cron.Cron
	ctx  context.Context

	mu   sync.Mutex
	jobs []Job
}

// NewMaintenance creates an idle maintenance runner. Job contexts derive from ctx.
func NewMaintenance(ctx context.Context) *Maintenance {
	return &Maintenance{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  ctx,
	}
}

// Add schedules job using a standard cron spec or a descriptor such as "@every 1h".
func (m *Maintenance) Add(spec string, job Job) error {
	if _, err := m.cron.AddFunc(spec, func() { m.run(job) }); err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", job.Name, spec, err)
	}
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	return nil
}

// Start begins firing scheduled jobs.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for running jobs.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// RunAll runs every job once, in registration order.
func (m *Maintenance) RunAll() {
	m.mu.Lock()
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()
	for _, j := range jobs {
		m.run(j)
	}
}

func (m *Maintenance) run(job Job) {
	if err := job.Run(m.ctx); err != nil {
		logger.Error("Maintenance job %s failed: %v", job.Name, err)
		return
	}
	logger.Debug("Maintenance job %s done", job.Name)
}
