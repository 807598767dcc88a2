package wal

import "github.com/ChuLiYu/genflow/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: job lifecycle events persisted between snapshots
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventAdmit  EventType = "ADMIT"  // job admitted (slot + fingerprint reserved)
	EventAck    EventType = "ACK"    // server acknowledged, id may still be empty
	EventAssign EventType = "ASSIGN" // job adopted a server id from the list
	EventStatus EventType = "STATUS" // status reported by a probe
	EventRemove EventType = "REMOVE" // job dropped (aborted or deleted)
)

// Event represents a WAL event record. Only the fields relevant to Type are
// set; replay folds them onto the job keyed by RecordID.
type Event struct {
	Seq         uint64            `json:"seq"`                   // monotonically increasing, survives Rotate
	Type        EventType         `json:"type"`                  // event type
	RecordID    string            `json:"record_id"`             // local job key
	JobID       types.JobID       `json:"job_id,omitempty"`      // server id
	Kind        types.JobKind     `json:"kind,omitempty"`        // ADMIT only
	Fingerprint types.Fingerprint `json:"fingerprint,omitempty"` // ADMIT only
	Status      types.JobStatus   `json:"status,omitempty"`      // ACK / STATUS
	ResultURL   string            `json:"result_url,omitempty"`  // STATUS (completed)
	Message     string            `json:"message,omitempty"`     // STATUS (failed)
	CreatedAt   int64             `json:"created_at,omitempty"`  // ADMIT, Unix ms
	Timestamp   int64             `json:"timestamp"`             // Unix ms
	Checksum    uint32            `json:"checksum"`              // CRC32 over the rest
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// AdmitEvent records a newly admitted job.
func AdmitEvent(job types.Job) Event {
	return Event{
		Type:        EventAdmit,
		RecordID:    job.RecordID,
		JobID:       job.ID,
		Kind:        job.Kind,
		Fingerprint: job.Fingerprint,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
	}
}

// AckEvent records the submission acknowledgement.
func AckEvent(recordID string, id types.JobID) Event {
	return Event{Type: EventAck, RecordID: recordID, JobID: id, Status: types.StatusQueued}
}

// AssignEvent records a server id adopted after acknowledgement.
func AssignEvent(recordID string, id types.JobID) Event {
	return Event{Type: EventAssign, RecordID: recordID, JobID: id}
}

// StatusEvent records a status transition.
func StatusEvent(job types.Job) Event {
	return Event{
		Type:      EventStatus,
		RecordID:  job.RecordID,
		JobID:     job.ID,
		Status:    job.Status,
		ResultURL: job.ResultURL,
		Message:   job.Message,
	}
}

// RemoveEvent records that the job left the table.
func RemoveEvent(recordID string) Event {
	return Event{Type: EventRemove, RecordID: recordID}
}

// Job rebuilds the job an ADMIT event describes.
func (e Event) Job() types.Job {
	return types.Job{
		RecordID:    e.RecordID,
		ID:          e.JobID,
		Kind:        e.Kind,
		Fingerprint: e.Fingerprint,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.Timestamp,
	}
}
