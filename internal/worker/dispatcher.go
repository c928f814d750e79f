package worker

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/store"
)

// Executor runs claimed jobs without blocking the dispatcher.
type Executor interface {
	Available() bool
	Submit(ctx context.Context, jobID string) error
}

// HealthCheck is a named reachability probe logged at dispatcher startup.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dispatcher polls the store for pending jobs, claims each one atomically
// and hands it to an executor.
type Dispatcher struct {
	store    store.Store
	exec     Executor
	interval time.Duration
	checks   []HealthCheck
	notifier Notifier
	exists   func(path string) bool
	log      *zerolog.Logger
}

func NewDispatcher(st store.Store, exec Executor, interval time.Duration, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		exec:     exec,
		interval: interval,
		notifier: nopNotifier{},
		exists:   fileExists,
		log:      log,
	}
}

// WithHealthChecks sets the probes run once at startup.
func (d *Dispatcher) WithHealthChecks(checks ...HealthCheck) *Dispatcher {
	d.checks = checks
	return d
}

func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	if n != nil {
		d.notifier = n
	}
	return d
}

// Run polls until ctx is cancelled. Unreachable backends are logged but do
// not stop the loop; jobs sent to them fail individually.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Dur("poll_interval", d.interval).Msg("dispatcher started")
	d.checkBackends(ctx)

	for {
		if n := d.Poll(ctx); n > 0 {
			d.log.Debug().Int("claimed", n).Msg("poll cycle finished")
		}
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return nil
		case <-time.After(d.interval):
		}
	}
}

func (d *Dispatcher) checkBackends(ctx context.Context) {
	for _, hc := range d.checks {
		if err := hc.Check(ctx); err != nil {
			d.log.Warn().Err(err).Str("backend", hc.Name).Msg("backend unreachable")
			continue
		}
		d.log.Info().Str("backend", hc.Name).Msg("backend reachable")
	}
}

// Poll runs one dispatch cycle and returns the number of jobs handed to the
// executor. When the executor is at capacity the rest of the cycle is
// skipped and those jobs stay pending.
func (d *Dispatcher) Poll(ctx context.Context) int {
	jobs, err := d.store.ListPending(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list pending jobs")
		return 0
	}

	submitted := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !d.exec.Available() {
			metrics.IncDispatchSkipped("capacity")
			d.log.Debug().Int("deferred", len(jobs)-i).Msg("executor at capacity")
			break
		}
		log := d.log.With().Str("job_id", job.ID).Logger()
		if job.InputFile == "" || !d.exists(job.InputFile) {
			metrics.IncDispatchSkipped("input_missing")
			log.Debug().Str("input_file", job.InputFile).Msg("input not on disk yet")
			continue
		}

		ok, err := d.store.Claim(ctx, job.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to claim job")
			continue
		}
		if !ok {
			continue
		}
		metrics.IncClaimed()
		if claimed, err := d.store.Get(ctx, job.ID); err == nil {
			d.notifier.NotifyJob(claimed)
		}

		if err := d.exec.Submit(ctx, job.ID); err != nil {
			failJob(ctx, d.store, d.notifier, job.ID, err, &log)
			continue
		}
		log.Info().Msg("job dispatched")
		submitted++
	}
	return submitted
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
