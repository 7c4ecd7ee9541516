package core

import "time"

// ============================================================================
// BATCH JOBS
// ============================================================================

// JobStatus is the lifecycle of one batch run.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DataType selects the base batch size for a job.
type DataType string

const (
	DataTransaction    DataType = "transaction"
	DataEntity         DataType = "entity"
	DataEmbedding      DataType = "embedding"
	DataReconciliation DataType = "reconciliation"
	DataDocument       DataType = "document"
)

// BatchConfig is the sizing decision made when a job is admitted. It is
// recorded on the job so a completed run can be audited against the load
// conditions that shaped it.
type BatchConfig struct {
	Size              int `json:"size"`
	Concurrency       int `json:"concurrency"`
	InterBatchDelayMS int `json:"inter_batch_delay_ms"`
}

// ProcessingJob tracks one batched run over a large input. Counters are
// updated atomically at batch boundaries; the percentage and rate fields
// are always derived, never stored.
type ProcessingJob struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	DataType  DataType  `json:"data_type"`
	Status    JobStatus `json:"status"`

	TotalItems       int `json:"total_items"`
	TotalBatches     int `json:"total_batches"`
	BatchesCompleted int `json:"batches_completed"`
	ItemsProcessed   int `json:"items_processed"`
	ItemsFailed      int `json:"items_failed"`

	Config BatchConfig `json:"batch_config"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	// WorkerTaskIDs maps batch index to the opaque id of the worker task
	// that last touched it, for log correlation.
	WorkerTaskIDs map[int]string `json:"worker_task_ids,omitempty"`
}

// ProgressPercent derives completion as items over total, in [0,100].
func (j *ProcessingJob) ProgressPercent() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	p := float64(j.ItemsProcessed) / float64(j.TotalItems) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// SuccessRate derives the fraction of attempted items that succeeded, in
// [0,100]. Attempted means processed plus failed; a job with no attempts
// reports 100 so an empty input does not read as a failure.
func (j *ProcessingJob) SuccessRate() float64 {
	attempted := j.ItemsProcessed + j.ItemsFailed
	if attempted <= 0 {
		return 100
	}
	return float64(j.ItemsProcessed) / float64(attempted) * 100
}

// Duration returns wall time from start to completion, zero when the job
// has not finished.
func (j *ProcessingJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
