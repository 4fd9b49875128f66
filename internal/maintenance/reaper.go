// Package maintenance runs periodic cleanup jobs, such as reclaiming expired
// contexts and purging expired messages, on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc performs one cleanup pass and reports how many items it removed.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name string
	fn   JobFunc
}

// Reaper runs registered jobs together on one schedule. Overlapping runs are skipped.
type Reaper struct {
	mu       sync.Mutex
	schedule string
	jobs     []job
	totals   map[string]int
	runs     int

	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates a reaper for a standard cron expression or descriptor such as "@every 1m".
func New(schedule string, logger zerolog.Logger) (*Reaper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}
	return &Reaper{
		schedule: schedule,
		totals:   make(map[string]int),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}, nil
}

// Add registers a job. Jobs run in the order they were added.
func (r *Reaper) Add(name string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job{name: name, fn: fn})
}

// RunOnce runs every job immediately and returns what each removed. A failing
// job is logged and does not stop the others.
func (r *Reaper) RunOnce(ctx context.Context) map[string]int {
	r.mu.Lock()
	jobs := append([]job(nil), r.jobs...)
	r.mu.Unlock()

	removed := make(map[string]int, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		n, err := j.fn(ctx)
		if err != nil {
			r.logger.Error().Err(err).Str("job", j.name).Msg("Maintenance job failed")
			continue
		}
		removed[j.name] = n
		if n > 0 {
			r.logger.Info().Str("job", j.name).Int("removed", n).Msg("Maintenance job removed expired items")
		}
	}

	r.mu.Lock()
	r.runs++
	for name, n := range removed {
		r.totals[name] += n
	}
	r.mu.Unlock()
	return removed
}

// Start schedules the jobs and blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("maintenance: failed to schedule jobs: %w", err)
	}
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Int("jobs", r.jobCount()).Msg("Maintenance started")

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Maintenance stopped")
	return ctx.Err()
}

// Stats returns the number of completed passes and the running totals per job.
func (r *Reaper) Stats() (runs int, totals map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals = make(map[string]int, len(r.totals))
	for k, v := range r.totals {
		totals[k] = v
	}
	return r.runs, totals
}

// Jobs returns the registered job names, sorted.
func (r *Reaper) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.name
	}
	sort.Strings(names)
	return names
}

func (r *Reaper) jobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
