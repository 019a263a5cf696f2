package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/metrics"
)

// Config tunes the dispatcher.
type Config struct {
	// PollInterval is the queue scan period.
	PollInterval time.Duration
	// JobTimeout bounds one execution; a printer's own timeout_seconds
	// overrides it.
	JobTimeout time.Duration
	// MaxRetries is how many times a failed execution is requeued.
	MaxRetries int
	// BatchSize caps the jobs claimed per poll.
	BatchSize int
	// DryRun forces every execution into dry-run mode.
	DryRun bool
}

// ApplyDefaults fills in the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// PrinterLocks is the per-device advisory lock map. Entries are created
// lazily and never removed; the map is bounded by the configured fleet.
type PrinterLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPrinterLocks builds an empty lock map.
func NewPrinterLocks() *PrinterLocks {
	return &PrinterLocks{locks: make(map[string]*sync.Mutex)}
}

// Get returns the lock for a printer, creating it on first use.
func (p *PrinterLocks) Get(printerID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lock, ok := p.locks[printerID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.locks[printerID] = lock
	return lock
}

// Dispatcher owns the polling loop and the in-flight bookkeeping.
type Dispatcher struct {
	store  *store.GORMStore
	config Config
	runner Runner
	locks  *PrinterLocks

	mu     sync.Mutex
	active map[string]struct{}

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a dispatcher. A nil runner uses Execute.
func New(s *store.GORMStore, locks *PrinterLocks, config Config, runner Runner) *Dispatcher {
	config.ApplyDefaults()
	if runner == nil {
		runner = Execute
	}
	if locks == nil {
		locks = NewPrinterLocks()
	}
	return &Dispatcher{
		store:  s,
		config: config,
		runner: runner,
		locks:  locks,
		active: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

// Locks exposes the shared lock map so out-of-queue device operations
// (status poll, test print) serialise against running jobs.
func (d *Dispatcher) Locks() *PrinterLocks {
	return d.locks
}

// Start runs the polling loop until Stop is called or the context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.config.PollInterval)
		defer ticker.Stop()
		logger.Info("job dispatcher started",
			"poll_interval", d.config.PollInterval.String(),
			"job_timeout", d.config.JobTimeout.String(),
			"max_retries", d.config.MaxRetries,
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight executions to finish. Safe to
// call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// poll claims queued jobs not already scheduled and spawns one worker per
// printer. Jobs for the same printer run sequentially inside that worker so
// submission order is preserved; different printers proceed in parallel.
func (d *Dispatcher) poll(ctx context.Context) {
	jobs, err := d.store.OldestQueued(ctx, d.config.BatchSize)
	if err != nil {
		logger.Error("queue poll failed", "error", err)
		return
	}

	batches := make(map[string][]*models.Job)
	var printers []string
	for _, job := range jobs {
		d.mu.Lock()
		if _, scheduled := d.active[job.ID]; scheduled {
			d.mu.Unlock()
			continue
		}
		d.active[job.ID] = struct{}{}
		d.mu.Unlock()

		if _, seen := batches[job.PrinterID]; !seen {
			printers = append(printers, job.PrinterID)
		}
		batches[job.PrinterID] = append(batches[job.PrinterID], job)
	}

	for _, printerID := range printers {
		batch := batches[printerID]
		d.wg.Add(1)
		go func(batch []*models.Job) {
			defer d.wg.Done()
			for _, job := range batch {
				d.run(ctx, job)
				d.mu.Lock()
				delete(d.active, job.ID)
				d.mu.Unlock()
			}
		}(batch)
	}
}

// run executes one job under the printer's lock.
func (d *Dispatcher) run(ctx context.Context, job *models.Job) {
	lock := d.locks.Get(job.PrinterID)
	lock.Lock()
	defer lock.Unlock()

	// Claim under the lock. Losing the claim means the job was cancelled
	// or picked up elsewhere while we waited.
	if err := d.store.MarkPrinting(ctx, job.ID); err != nil {
		if !errors.Is(err, models.ErrJobNotQueued) {
			logger.Error("job claim failed", "job_id", job.ID, "error", err)
		}
		return
	}

	printer, err := d.store.GetPrinter(ctx, job.PrinterID)
	if err != nil {
		d.finish(ctx, job, nil, err)
		return
	}

	timeout := d.config.JobTimeout
	if printer.TimeoutSeconds > 0 {
		timeout = time.Duration(printer.TimeoutSeconds * float64(time.Second))
	}

	logger.Info("job started",
		"job_id", job.ID,
		"printer_id", job.PrinterID,
		"payload_type", job.PayloadType,
		"retries", job.Retries,
	)
	started := time.Now()
	result, err := d.runWithDeadline(printer, job, timeout)
	metrics.ObserveJobDuration(time.Since(started))
	d.finish(ctx, job, result, err)
}

// runWithDeadline runs the job in a worker goroutine and abandons it when
// the deadline passes. The abandoned worker's transport closes on its own
// scope exit; cancellation is observed between frames, not within one.
func (d *Dispatcher) runWithDeadline(printer *models.Printer, job *models.Job, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.runner(printer, job.PayloadType, job.PayloadJSON(), d.config.DryRun)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-time.After(timeout):
		return nil, &TimeoutError{JobID: job.ID, After: timeout}
	}
}

// TimeoutError reports a job abandoned at its deadline.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "job " + e.JobID + " timed out after " + e.After.String()
}

// finish records the terminal state or requeues for a bounded retry.
func (d *Dispatcher) finish(ctx context.Context, job *models.Job, result json.RawMessage, err error) {
	if err == nil {
		if markErr := d.store.MarkSuccess(ctx, job.ID, result); markErr != nil {
			logger.Error("job success not recorded", "job_id", job.ID, "error", markErr)
			return
		}
		metrics.JobFinished(models.JobSuccess)
		logger.Info("job finished", "job_id", job.ID, "status", models.JobSuccess)
		return
	}

	if job.Retries < d.config.MaxRetries {
		if markErr := d.store.RequeueForRetry(ctx, job.ID, err.Error()); markErr != nil {
			logger.Error("job requeue failed", "job_id", job.ID, "error", markErr)
			return
		}
		logger.Warn("job requeued for retry",
			"job_id", job.ID,
			"retries", job.Retries+1,
			"error", err,
		)
		return
	}

	if markErr := d.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
		logger.Error("job failure not recorded", "job_id", job.ID, "error", markErr)
		return
	}
	metrics.JobFinished(models.JobFailed)
	logger.Error("job failed", "job_id", job.ID, "error", err)
}
