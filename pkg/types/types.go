// Package types defines the domain model shared by every genflow component:
// generation jobs, their user-facing history records and the request variants
// a caller can submit.
package types

import (
	"time"
)

// JobID is the server-assigned generation identifier.
type JobID string

// JobKind enumerates the generation flows the remote service offers.
type JobKind string

const (
	KindImageEffect  JobKind = "image_effect"            // photo + effect filter
	KindTextToVideo  JobKind = "text_to_video"           // prompt only
	KindImageAndText JobKind = "image_and_text_to_video" // photos + prompt
)

// JobStatus is the single internal status vocabulary. Wire statuses (integer
// codes or strings, depending on endpoint) are normalised into it by the API
// client before they reach the state machine.
type JobStatus string

const (
	StatusSubmitting JobStatus = "submitting" // request sent, not yet acknowledged
	StatusQueued     JobStatus = "queued"     // acknowledged, waiting on the server
	StatusProcessing JobStatus = "processing" // server is rendering
	StatusCompleted  JobStatus = "completed"  // result URL available
	StatusFailed     JobStatus = "failed"     // server reported failure
)

// IsTerminal reports whether no further transitions can happen.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether the job holds a concurrency slot.
func (s JobStatus) IsInFlight() bool {
	return s == StatusSubmitting || s == StatusQueued || s == StatusProcessing
}

// RecordStatus is the persisted status of a history record.
type RecordStatus string

const (
	RecordGenerating RecordStatus = "generating"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// RecordStatusFor maps a job status onto the record vocabulary.
func RecordStatusFor(s JobStatus) RecordStatus {
	switch s {
	case StatusCompleted:
		return RecordCompleted
	case StatusFailed:
		return RecordFailed
	default:
		return RecordGenerating
	}
}

// Job is one in-flight or finished generation tracked by the orchestrator.
// Jobs are keyed locally by RecordID because the server id may be missing
// (or reassigned) for part of the lifecycle.
type Job struct {
	RecordID    string      `json:"record_id"`
	ID          JobID       `json:"id,omitempty"`
	Kind        JobKind     `json:"kind"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Status      JobStatus   `json:"status"`
	ResultURL   string      `json:"result_url,omitempty"`
	Message     string      `json:"message,omitempty"`

	// PollFailures counts consecutive transport/parse errors; it never
	// drives a transition on its own.
	PollFailures int `json:"poll_failures,omitempty"`

	CreatedAt int64 `json:"created_at"` // Unix ms
	UpdatedAt int64 `json:"updated_at"` // Unix ms
}

// Record is the durable, user-facing history entry for a generation.
type Record struct {
	ID           string       `json:"id"`
	JobID        JobID        `json:"generation_id"`
	Kind         JobKind      `json:"kind"`
	VideoURL     string       `json:"video_url"`
	ResultURL    string       `json:"result_url,omitempty"`
	PromptText   string       `json:"prompt_text,omitempty"`
	EffectID     string       `json:"effect_id,omitempty"`
	Status       RecordStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	IsFavorite   bool         `json:"is_favorite"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Effect is one entry of the server's effect catalog.
type Effect struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	Preview      string `json:"preview"`
	PreviewSmall string `json:"preview_small"`
}

// SnapshotData is the persisted form of the job table.
type SnapshotData struct {
	Jobs      map[string]*Job `json:"jobs"`       // keyed by RecordID
	SchemaVer int             `json:"schema_ver"` // bumped on incompatible changes
	LastSeq   uint64          `json:"last_seq"`   // last journal sequence folded in
}
