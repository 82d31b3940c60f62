package domain

import "time"

type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusRunning      JobStatus = "running"
	StatusSucceeded    JobStatus = "succeeded"
	StatusFailed       JobStatus = "failed"
	StatusDeadLettered JobStatus = "dead_lettered"
)

// Terminal reports whether no further processing will happen for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDeadLettered
}

// TypeClassify is the job type handled by the classification pipeline.
const TypeClassify = "classify_transaction"

// Payload is the transaction data a classification job carries.
type Payload struct {
	TransactionRef string  `json:"transaction_ref"`
	Description    string  `json:"description"`
	Amount         float64 `json:"amount"`
	Kind           string  `json:"kind"` // expense, income, transfer
}

type Job struct {
	ID                string
	Type              string
	Payload           Payload
	Attempt           int
	MaxAttempts       int
	Status            JobStatus
	EnqueuedAt        time.Time
	NextRunAt         time.Time
	Deadline          *time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	LastError         string
	UpdatedAt         time.Time
}

// CanRetry reports whether another attempt is allowed after the current one.
func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts && !j.Status.Terminal()
}

type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// Classification is the label produced for one job.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Record is what the result sink persists for a classified job.
type Record struct {
	JobID          string
	TransactionRef string
	Label          string
	Confidence     float64
	Source         Source
	AutoApplied    bool
	FallbackReason string
	RecordedAt     time.Time
}
