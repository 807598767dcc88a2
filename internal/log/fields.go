package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldEvent     = "event"

	// Identity
	FieldJobID    = "job_id"
	FieldRecordID = "record_id"
	FieldEffectID = "effect_id"
	FieldEpoch    = "epoch"

	// State
	FieldKind     = "kind"
	FieldStatus   = "status"
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Transport
	FieldURL      = "url"
	FieldPath     = "path"
	FieldDuration = "duration"
	FieldAttempt  = "attempt"
)
