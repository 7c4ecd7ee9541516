// Package batch runs large workloads as sized, supervised jobs. Admission
// probes the host and picks a batch size and worker count; execution fans
// batches out to workers, folds results into the job counters at batch
// boundaries, retries transient failures with capped backoff, and settles
// every job into exactly one terminal status.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

var (
	// ErrNoItems rejects a submission with nothing to do.
	ErrNoItems = errors.New("batch: no items submitted")

	// ErrTooManyItems rejects a submission over the per-job cap.
	ErrTooManyItems = errors.New("batch: submission exceeds max items per job")

	// ErrJobTerminal rejects cancellation of a job that already settled.
	ErrJobTerminal = errors.New("batch: job already in a terminal status")
)

// transientError marks a batch failure as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the orchestrator retries the batch instead of
// failing the job.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is retryable. A hard-timeout deadline
// counts: the next attempt may land on a less loaded host.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// Processor executes one batch of a job's items. Implementations report how
// many items succeeded and failed; a transient error (see Transient) is
// retried, anything else fails the whole job.
type Processor interface {
	ProcessBatch(ctx context.Context, job *core.ProcessingJob, batchIndex int, items []any) (processed, failed int, err error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *core.ProcessingJob, batchIndex int, items []any) (int, int, error)

func (f ProcessorFunc) ProcessBatch(ctx context.Context, job *core.ProcessingJob, batchIndex int, items []any) (int, int, error) {
	return f(ctx, job, batchIndex, items)
}

// jobRun is the supervisor's handle on one in-flight job.
type jobRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator admits, sizes, runs, and settles batch jobs.
type Orchestrator struct {
	store     store.JobStore
	bus       *events.Bus
	cfg       config.BatchConfig
	prober    Prober
	processor Processor
	logger    *log.Logger

	// globalSlots bounds workers across all jobs so a burst of submissions
	// cannot oversubscribe the host.
	globalSlots chan struct{}

	// pause is time-based waiting (pacing, backoff), injected so tests run
	// without real sleeps. Returns the context error when interrupted.
	pause func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]*jobRun
	rng     *rand.Rand
}

// NewOrchestrator wires the batch supervisor.
func NewOrchestrator(s store.JobStore, bus *events.Bus, cfg config.BatchConfig, prober Prober, processor Processor) *Orchestrator {
	cap := cfg.GlobalWorkerCap
	if cap < 1 {
		cap = 1
	}
	return &Orchestrator{
		store:       s,
		bus:         bus,
		cfg:         cfg,
		prober:      prober,
		processor:   processor,
		logger:      log.New(log.Writer(), "[Batch] ", log.LstdFlags),
		globalSlots: make(chan struct{}, cap),
		pause:       sleepCtx,
		running:     make(map[string]*jobRun),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// ADMISSION
// ============================================================================

// Submit sizes a job against current host load, persists it as pending, and
// starts its supervisor. Returns the job id immediately; progress is read
// back through Status.
func (o *Orchestrator) Submit(ctx context.Context, projectID string, dataType core.DataType, items []any) (string, error) {
	if len(items) == 0 {
		return "", ErrNoItems
	}
	if o.cfg.MaxItemsPerJob > 0 && len(items) > o.cfg.MaxItemsPerJob {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(items), o.cfg.MaxItemsPerJob)
	}

	snap := o.prober.Probe(ctx)
	plan := Plan(dataType, len(items), snap)

	job := &core.ProcessingJob{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		DataType:     dataType,
		Status:       core.JobPending,
		TotalItems:   len(items),
		TotalBatches: batchCount(len(items), plan.Size),
		Config:       plan,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	o.logger.Printf("📦 job %s admitted: %d %s items, %d batches of %d, concurrency %d (cpu %.0f%%, %.1f GB free)",
		job.ID, job.TotalItems, dataType, job.TotalBatches, plan.Size, plan.Concurrency, snap.CPUPercent, snap.MemFreeGB)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.running[job.ID] = run
	o.mu.Unlock()

	go o.runJob(runCtx, run, job, items)
	return job.ID, nil
}

// Status returns the persisted view of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*core.ProcessingJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// Cancel marks a job cancelled and stops its workers at the next batch
// boundary. Batches already applied stay counted: the status flip is a
// single store operation, never a whole-record write over live counters.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.MarkJobCancelled(ctx, jobID)
	if err != nil {
		if store.IsConflict(err) {
			return fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
		}
		return err
	}

	o.mu.Lock()
	run := o.running[jobID]
	o.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	o.logger.Printf("🛑 job %s cancelled after %d/%d batches", jobID, job.BatchesCompleted, job.TotalBatches)
	return nil
}

// Wait blocks until the job's supervisor exits. Returns immediately for
// jobs that are not running.
func (o *Orchestrator) Wait(jobID string) {
	o.mu.Lock()
	run := o.running[jobID]
	o.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

// ArchiveOldJobs deletes terminal jobs older than the retention window.
func (o *Orchestrator) ArchiveOldJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -o.cfg.ArchiveAfterDays)
	n, err := o.store.ArchiveJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Printf("🗄️ archived %d jobs completed before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ============================================================================
// EXECUTION
// ============================================================================

func (o *Orchestrator) runJob(ctx context.Context, run *jobRun, job *core.ProcessingJob, items []any) {
	defer close(run.done)
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()

	queue := make(chan int, job.TotalBatches)
	for i := 0; i < job.TotalBatches; i++ {
		queue <- i
	}
	close(queue)

	var (
		startOnce sync.Once
		failMu    sync.Mutex
		failErr   error

		sumMu        sync.Mutex
		sumProcessed int
		sumFailed    int
	)

	markStarted := func() {
		startOnce.Do(func() {
			now := time.Now().UTC()
			job.Status = core.JobProcessing
			job.StartedAt = &now
			if err := o.store.UpdateJob(context.Background(), job); err != nil {
				o.logger.Printf("⚠️ job %s: mark processing: %v", job.ID, err)
			}
			o.emit(events.BatchJobStarted, job.ProjectID, map[string]interface{}{
				"job_id":        job.ID,
				"data_type":     string(job.DataType),
				"total_items":   job.TotalItems,
				"total_batches": job.TotalBatches,
				"batch_size":    job.Config.Size,
				"concurrency":   job.Config.Concurrency,
			})
		})
	}

	recordFailure := func(idx int, err error) {
		failMu.Lock()
		if failErr == nil {
			failErr = fmt.Errorf("batch %d: %w", idx, err)
		}
		failMu.Unlock()
		run.cancel()
	}

	var wg sync.WaitGroup
	for w := 0; w < job.Config.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range queue {
				if ctx.Err() != nil {
					return
				}
				select {
				case o.globalSlots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				markStarted()

				processed, failed, err := o.runBatch(ctx, job, idx, batchSlice(items, idx, job.Config.Size))
				<-o.globalSlots
				if err != nil {
					if ctx.Err() == nil {
						recordFailure(idx, err)
					}
					return
				}

				taskID := fmt.Sprintf("%s-w%d-b%d", job.ID[:8], workerID, idx)
				// Counters persist even when the job was cancelled mid-batch:
				// the work happened.
				if _, aerr := o.store.ApplyBatchResult(context.Background(), job.ID, idx, processed, failed, taskID); aerr != nil {
					o.logger.Printf("⚠️ job %s batch %d: apply result: %v", job.ID, idx, aerr)
				}
				sumMu.Lock()
				sumProcessed += processed
				sumFailed += failed
				sumMu.Unlock()

				if delay := time.Duration(job.Config.InterBatchDelayMS) * time.Millisecond; delay > 0 {
					if o.pause(ctx, delay) != nil {
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	o.settle(job.ID, failErr, sumProcessed, sumFailed)
}

// runBatch executes one batch with soft/hard timeouts and transient retry.
// The returned error, if any, is terminal for the job.
func (o *Orchestrator) runBatch(ctx context.Context, job *core.ProcessingJob, idx int, items []any) (int, int, error) {
	soft := time.Duration(o.cfg.SoftTimeoutMins) * time.Minute
	hard := time.Duration(o.cfg.HardTimeoutMins) * time.Minute

	for attempt := 0; ; attempt++ {
		bctx := ctx
		var cancel context.CancelFunc
		if hard > 0 {
			bctx, cancel = context.WithTimeout(ctx, hard)
		}
		var softTimer *time.Timer
		if soft > 0 {
			softTimer = time.AfterFunc(soft, func() {
				o.logger.Printf("⏳ job %s batch %d past the %s soft limit", job.ID, idx, soft)
			})
		}

		processed, failed, err := o.processor.ProcessBatch(bctx, job, idx, items)

		if softTimer != nil {
			softTimer.Stop()
		}
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return processed, failed, nil
		}
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		if !IsTransient(err) {
			return 0, 0, err
		}
		if attempt >= o.cfg.MaxRetries {
			return 0, 0, fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		delay := o.backoff(attempt)
		o.logger.Printf("🔁 job %s batch %d attempt %d failed (%v), retrying in %s", job.ID, idx, attempt+1, err, delay)
		if o.pause(ctx, delay) != nil {
			return 0, 0, ctx.Err()
		}
	}
}

// backoff is base·2^attempt capped, with ±50% jitter so retries from
// parallel workers do not land together.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := time.Duration(o.cfg.RetryBaseSeconds) * time.Second
	capped := time.Duration(o.cfg.RetryCapSeconds) * time.Second
	d := base << attempt
	if capped > 0 && d > capped {
		d = capped
	}
	if d <= 0 {
		return 0
	}
	o.mu.Lock()
	jitter := time.Duration(o.rng.Int63n(int64(d)))
	o.mu.Unlock()
	return d/2 + jitter
}

// settle moves the job to its terminal status and publishes the outcome.
// The per-batch sums are authoritative; a drift against the stored
// counters is logged and corrected before completion.
func (o *Orchestrator) settle(jobID string, failErr error, sumProcessed, sumFailed int) {
	ctx := context.Background()
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Printf("⚠️ job %s: settle load: %v", jobID, err)
		return
	}
	if job.Status == core.JobCancelled {
		o.logger.Printf("🛑 job %s settled cancelled: %d processed, %d failed", jobID, job.ItemsProcessed, job.ItemsFailed)
		return
	}

	now := time.Now().UTC()
	job.CompletedAt = &now

	if failErr != nil {
		job.Status = core.JobFailed
		job.ErrorMessage = failErr.Error()
		if err := o.store.UpdateJob(ctx, job); err != nil {
			o.logger.Printf("⚠️ job %s: mark failed: %v", jobID, err)
		}
		o.emit(events.BatchJobFailed, job.ProjectID, map[string]interface{}{
			"job_id":            job.ID,
			"data_type":         string(job.DataType),
			"error":             job.ErrorMessage,
			"batches_completed": job.BatchesCompleted,
			"total_batches":     job.TotalBatches,
		})
		o.logger.Printf("❌ job %s failed: %s", jobID, job.ErrorMessage)
		return
	}

	if job.ItemsProcessed != sumProcessed || job.ItemsFailed != sumFailed {
		o.logger.Printf("⚠️ job %s counter drift: stored %d/%d, summed %d/%d — correcting",
			jobID, job.ItemsProcessed, job.ItemsFailed, sumProcessed, sumFailed)
		job.ItemsProcessed = sumProcessed
		job.ItemsFailed = sumFailed
	}
	job.Status = core.JobCompleted
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Printf("⚠️ job %s: mark completed: %v", jobID, err)
	}

	o.emit(events.BatchJobCompleted, job.ProjectID, map[string]interface{}{
		"job_id":          job.ID,
		"data_type":       string(job.DataType),
		"items_processed": job.ItemsProcessed,
		"items_failed":    job.ItemsFailed,
		"duration_ms":     job.Duration().Milliseconds(),
		"success_rate":    job.SuccessRate(),
	})
	o.logger.Printf("✅ job %s completed: %d/%d items in %s (%.1f%% success)",
		jobID, job.ItemsProcessed, job.TotalItems, job.Duration().Round(time.Millisecond), job.SuccessRate())
}

// batchSlice returns the items of one batch.
func batchSlice(items []any, idx, size int) []any {
	lo := idx * size
	if lo >= len(items) {
		return nil
	}
	hi := lo + size
	if hi > len(items) {
		hi = len(items)
	}
	return items[lo:hi]
}

func (o *Orchestrator) emit(t events.EventType, projectID string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(context.Background(), t, projectID, payload)
}
