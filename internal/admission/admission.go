// Package admission gates execution starts per tenant tier: hourly rate,
// concurrent capacity, and queue depth, in that order. Queues are
// tier-isolated and FIFO; admission is the fairness boundary.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vectormesh/vectormesh/internal/common/config"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/events"
	"github.com/vectormesh/vectormesh/internal/events/bus"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Queue channel capacity. The logical depth bound is enforced by the BACKLOG
// check before enqueue; the channel just needs to be at least as large.
const queueCapacity = 4096

// Utilisation above this fraction rejects AT_CAPACITY before true saturation.
const capacityThreshold = 0.9

// Job is one admitted unit of work. Run is invoked by a tier worker; it
// should block until the execution reaches a resting state.
type Job struct {
	TenantID    string
	ExecutionID string
	Run         func(ctx context.Context)
}

// Stats is the admission snapshot for a tenant.
type Stats struct {
	Tier         v1.Tier `json:"tier"`
	JobsThisHour int     `json:"jobs_this_hour"`
	ActiveJobs   int     `json:"active_jobs"`
	QueueDepth   int     `json:"queue_depth"`
}

type tierQueue struct {
	tier   v1.Tier
	limits v1.TierLimits
	jobs   chan Job
	active int64
}

func (q *tierQueue) activeJobs() int {
	return int(atomic.LoadInt64(&q.active))
}

// Controller admits or rejects execution starts and runs the tier worker
// pools that hand admitted jobs to the orchestrator.
type Controller struct {
	overrides map[string]config.TenantOverride
	queues    map[v1.Tier]*tierQueue
	bus       bus.EventBus

	rateMu sync.Mutex
	rates  map[string][]time.Time // per-tenant accepted-job timestamps

	now    func() time.Time
	logger *logger.Logger
}

// New creates a controller with one queue per tier.
func New(cfg config.AdmissionConfig, eventBus bus.EventBus, log *logger.Logger) *Controller {
	queues := make(map[v1.Tier]*tierQueue, 3)
	for _, tier := range []v1.Tier{v1.TierFree, v1.TierStandard, v1.TierEnterprise} {
		queues[tier] = &tierQueue{
			tier:   tier,
			limits: v1.DefaultTierLimits(tier),
			jobs:   make(chan Job, queueCapacity),
		}
	}
	return &Controller{
		overrides: cfg.Tenants,
		queues:    queues,
		bus:       eventBus,
		rates:     make(map[string][]time.Time),
		now:       time.Now,
		logger:    log.WithFields(zap.String("component", "admission")),
	}
}

// ResolveTier returns the tenant's tier and effective limits. Unconfigured
// tenants are FREE; override fields, when positive, replace the defaults.
func (c *Controller) ResolveTier(tenantID string) (v1.Tier, v1.TierLimits) {
	tier := v1.TierFree
	override, ok := c.overrides[tenantID]
	if ok && override.Tier != "" {
		tier = v1.Tier(override.Tier)
	}
	limits := v1.DefaultTierLimits(tier)
	if ok {
		if override.MaxConcurrentJobs > 0 {
			limits.MaxConcurrentJobs = override.MaxConcurrentJobs
		}
		if override.MaxJobsPerHour > 0 {
			limits.MaxJobsPerHour = override.MaxJobsPerHour
		}
	}
	return tier, limits
}

// Admit runs the admission checks for a tenant and records the accepted job
// against the hourly rate window. Rejections are AppErrors carrying
// RATE_LIMITED, AT_CAPACITY, or BACKLOG; no queue state changes on rejection.
func (c *Controller) Admit(ctx context.Context, tenantID string) error {
	tier, limits := c.ResolveTier(tenantID)
	queue := c.queues[tier]

	if c.jobsThisHour(tenantID) >= limits.MaxJobsPerHour {
		return c.reject(ctx, tenantID, apperrors.RateLimited("hourly job limit reached"))
	}

	active := queue.activeJobs()
	if active >= limits.MaxConcurrentJobs ||
		float64(active) > capacityThreshold*float64(limits.MaxConcurrentJobs) {
		return c.reject(ctx, tenantID, apperrors.AtCapacity("tier concurrency limit reached"))
	}

	if len(queue.jobs) >= limits.MaxConcurrentJobs*10 {
		return c.reject(ctx, tenantID, apperrors.Backlog("tier queue is full"))
	}

	c.recordJob(tenantID)
	return nil
}

// Enqueue places an already-admitted job on its tier queue.
func (c *Controller) Enqueue(ctx context.Context, job Job) {
	tier, _ := c.ResolveTier(job.TenantID)
	c.queues[tier].jobs <- job

	c.publish(ctx, events.JobQueued, job, string(tier))
	c.logger.Debug("job queued",
		zap.String("tenant_id", job.TenantID),
		zap.String("execution_id", job.ExecutionID),
		zap.String("tier", string(tier)))
}

// Submit is Admit followed by Enqueue.
func (c *Controller) Submit(ctx context.Context, job Job) error {
	if err := c.Admit(ctx, job.TenantID); err != nil {
		return err
	}
	c.Enqueue(ctx, job)
	return nil
}

func (c *Controller) reject(ctx context.Context, tenantID string, err *apperrors.AppError) error {
	c.publish(ctx, events.JobRejected, Job{TenantID: tenantID}, err.Code)
	c.logger.Info("job rejected",
		zap.String("tenant_id", tenantID),
		zap.String("code", err.Code))
	return err
}

// Stats returns the tenant's current admission counters.
func (c *Controller) Stats(tenantID string) Stats {
	tier, _ := c.ResolveTier(tenantID)
	queue := c.queues[tier]
	return Stats{
		Tier:         tier,
		JobsThisHour: c.jobsThisHour(tenantID),
		ActiveJobs:   queue.activeJobs(),
		QueueDepth:   len(queue.jobs),
	}
}

// jobsThisHour counts accepted jobs in the trailing hour, pruning older
// entries.
func (c *Controller) jobsThisHour(tenantID string) int {
	cutoff := c.now().Add(-time.Hour)

	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	stamps := c.rates[tenantID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.rates[tenantID] = kept
	return len(kept)
}

func (c *Controller) recordJob(tenantID string) {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	c.rates[tenantID] = append(c.rates[tenantID], c.now())
}

// Run starts the tier worker pools and blocks until the context is done.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range c.queues {
		for i := 0; i < queue.limits.WorkerConcurrency; i++ {
			wg.Add(1)
			go func(q *tierQueue) {
				defer wg.Done()
				c.worker(ctx, q)
			}(queue)
		}
	}
	c.logger.Info("admission worker pools started")
	wg.Wait()
}

func (c *Controller) worker(ctx context.Context, queue *tierQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue.jobs:
			atomic.AddInt64(&queue.active, 1)
			c.publish(ctx, events.JobAdmitted, job, string(queue.tier))
			job.Run(ctx)
			atomic.AddInt64(&queue.active, -1)
		}
	}
}

func (c *Controller) publish(ctx context.Context, subject string, job Job, detail string) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "admission", map[string]any{
		"tenant_id":    job.TenantID,
		"execution_id": job.ExecutionID,
		"detail":       detail,
	})
	event.TenantID = job.TenantID
	if err := c.bus.Publish(ctx, subject, event); err != nil {
		c.logger.Warn("failed to publish admission event", zap.String("subject", subject), zap.Error(err))
	}
}
