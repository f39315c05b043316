package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectormesh/vectormesh/internal/common/config"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

func newController(overrides map[string]config.TenantOverride) *Controller {
	return New(config.AdmissionConfig{Tenants: overrides}, nil, logger.Default())
}

func noopJob(tenantID string) Job {
	return Job{TenantID: tenantID, ExecutionID: "exec-1", Run: func(context.Context) {}}
}

func TestResolveTierDefaultsToFree(t *testing.T) {
	c := newController(nil)

	tier, limits := c.ResolveTier("unknown-tenant")
	assert.Equal(t, v1.TierFree, tier)
	assert.Equal(t, 5, limits.MaxConcurrentJobs)
	assert.Equal(t, 100, limits.MaxJobsPerHour)
}

func TestResolveTierOverrides(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		"tenant-a": {Tier: "ENTERPRISE"},
		"tenant-b": {Tier: "FREE", MaxJobsPerHour: 10},
	})

	tier, limits := c.ResolveTier("tenant-a")
	assert.Equal(t, v1.TierEnterprise, tier)
	assert.Equal(t, 100, limits.MaxConcurrentJobs)

	_, limits = c.ResolveTier("tenant-b")
	assert.Equal(t, 10, limits.MaxJobsPerHour)
	assert.Equal(t, 5, limits.MaxConcurrentJobs)
}

func TestHourlyRateLimit(t *testing.T) {
	// Concurrency raised so the queue-depth check stays out of the way.
	c := newController(map[string]config.TenantOverride{
		"tenant-a": {Tier: "FREE", MaxConcurrentJobs: 20, MaxJobsPerHour: 100},
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")), "job %d", i)
	}

	err := c.Submit(context.Background(), noopJob("tenant-a"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimited, apperrors.Code(err))

	stats := c.Stats("tenant-a")
	assert.Equal(t, 100, stats.JobsThisHour)
}

func TestRateWindowSlides(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		"tenant-a": {Tier: "FREE", MaxConcurrentJobs: 20, MaxJobsPerHour: 2},
	})

	current := time.Now()
	c.now = func() time.Time { return current }

	require.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")))
	require.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")))
	require.Error(t, c.Submit(context.Background(), noopJob("tenant-a")))

	current = current.Add(61 * time.Minute)
	require.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")))
	assert.Equal(t, 1, c.Stats("tenant-a").JobsThisHour)
}

func TestAtCapacityRejection(t *testing.T) {
	c := newController(nil)

	// FREE allows 5 concurrent; saturate the tier's active counter.
	c.queues[v1.TierFree].active = 5

	err := c.Submit(context.Background(), noopJob("tenant-a"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAtCapacity, apperrors.Code(err))
}

func TestUtilisationAboveThresholdRejects(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		"tenant-a": {Tier: "ENTERPRISE"},
	})

	// 91 of 100 is above the 90% threshold even though capacity remains.
	c.queues[v1.TierEnterprise].active = 91

	err := c.Submit(context.Background(), noopJob("tenant-a"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAtCapacity, apperrors.Code(err))

	c.queues[v1.TierEnterprise].active = 90
	assert.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")))
}

func TestBacklogRejection(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		"tenant-a": {Tier: "FREE", MaxJobsPerHour: 1000},
	})

	// FREE depth bound is 5 x 10; no workers are draining.
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Submit(context.Background(), noopJob("tenant-a")), "job %d", i)
	}

	err := c.Submit(context.Background(), noopJob("tenant-a"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBacklog, apperrors.Code(err))
}

func TestTierIsolation(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		"tenant-ent": {Tier: "ENTERPRISE"},
	})

	// Saturating FREE leaves ENTERPRISE unaffected.
	c.queues[v1.TierFree].active = 5
	require.Error(t, c.Submit(context.Background(), noopJob("tenant-free")))
	assert.NoError(t, c.Submit(context.Background(), noopJob("tenant-ent")))
}

func TestWorkersDrainFIFO(t *testing.T) {
	c := newController(map[string]config.TenantOverride{
		// Single worker so completion order is the queue order.
		"tenant-a": {Tier: "FREE", MaxJobsPerHour: 1000},
	})
	c.queues[v1.TierFree].limits.WorkerConcurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("exec-%d", i)
		wg.Add(1)
		job := Job{TenantID: "tenant-a", ExecutionID: id, Run: func(context.Context) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			wg.Done()
		}}
		require.NoError(t, c.Submit(ctx, job))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		assert.Equal(t, fmt.Sprintf("exec-%d", i), id)
	}
}

func TestActiveCountTracksRunningJobs(t *testing.T) {
	c := newController(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	job := Job{TenantID: "tenant-a", ExecutionID: "exec-1", Run: func(context.Context) {
		close(started)
		<-release
	}}
	require.NoError(t, c.Submit(ctx, job))

	<-started
	assert.Equal(t, 1, c.Stats("tenant-a").ActiveJobs)

	close(release)
	require.Eventually(t, func() bool {
		return c.Stats("tenant-a").ActiveJobs == 0
	}, time.Second, 10*time.Millisecond)
}
