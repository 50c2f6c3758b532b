package models

import "time"

type JobKind string

const (
	JobKindTranscode JobKind = "transcode"
	JobKindThumbnail JobKind = "thumbnail"
)

// JobKinds lists every job class the pipeline dispatches.
func JobKinds() []JobKind {
	return []JobKind{JobKindTranscode, JobKindThumbnail}
}

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed from the state.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// DefaultMaxAttempts bounds how many times a job handler is invoked.
const DefaultMaxAttempts = 3

type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	AssetID     string    `json:"assetId"`
	Input       string    `json:"input"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type EventKind string

const (
	EventProcessingComplete EventKind = "processingComplete"
	EventProcessingFailed   EventKind = "processingFailed"
	EventStatusSnapshot     EventKind = "statusSnapshot"
)

type Event struct {
	Kind       EventKind   `json:"type"`
	Message    string      `json:"message"`
	Asset      *MediaAsset `json:"video,omitempty"`
	Status     *HostStatus `json:"status,omitempty"`
	Error      string      `json:"error,omitempty"`
	Origin     string      `json:"origin,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}
