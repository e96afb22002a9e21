package job

import "time"

// ErrorSummary is the terminal error detail embedded in a JobResult.
type ErrorSummary struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Phase            string `json:"phase"`
	Recoverable      bool   `json:"recoverable"`
	RetryRecommended bool   `json:"retry_recommended"`
}

// ExecutionSummary records the timing of a job's whole run, across all of
// its attempts, and the number of the attempt that ended it.
type ExecutionSummary struct {
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Attempt         int       `json:"attempt"`
}

// Result is the terminal artefact written for every job, regardless of
// outcome: clients reading the result file or the status API always see
// a well-formed structure.
type Result struct {
	JobID            string           `json:"job_id"`
	Status           string           `json:"status"`
	WorkerID         string           `json:"worker_id"`
	ExecutionSummary ExecutionSummary `json:"execution_summary"`
	Outputs          map[string]any   `json:"outputs,omitempty"`
	Error            *ErrorSummary    `json:"error,omitempty"`
}

// Capabilities is what a worker declares about itself: the sorted set of
// operations it supports, free-form feature tags, disk formats, and
// resource limits. Used by schedulers to route jobs and by the
// capabilities API.
type Capabilities struct {
	WorkerID          string        `json:"worker_id"`
	Operations        []string      `json:"operations"`
	Features          []string      `json:"features,omitempty"`
	DiskFormats       []ImageFormat `json:"disk_formats,omitempty"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	MaxDiskSizeGB     int           `json:"max_disk_size_gb,omitempty"`
	Version           string        `json:"version,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
}

// Progress is a single progress update emitted by a handler:
// {event_id, job_id, phase, message, percent}. EventID correlates a
// progress update across the broker's subscribers and worker logs.
type Progress struct {
	EventID string  `json:"event_id"`
	JobID   string  `json:"job_id"`
	Phase   string  `json:"phase"`
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
}
