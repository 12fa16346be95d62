package mediaq

// Status is the lifecycle position of an UploadTask.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending tasks wait to be picked up by a processing run.
	StatusPending Status = "pending"
	// StatusValidating re-checks the entity id and image count.
	StatusValidating Status = "validating"
	// StatusCompressing runs the image then video ladders.
	StatusCompressing Status = "compressing"
	// StatusUploading transfers compressed files and finalizes the media session.
	StatusUploading Status = "uploading"
	// StatusCompleted means every compressed asset landed.
	StatusCompleted Status = "completed"
	// StatusFailed means nothing landed or the run aborted.
	StatusFailed Status = "failed"
	// StatusPartial means some but not all assets landed.
	StatusPartial Status = "partial"
)

// AllStatuses lists every valid status in pipeline order.
var AllStatuses = []Status{
	StatusPending, StatusValidating, StatusCompressing, StatusUploading,
	StatusCompleted, StatusFailed, StatusPartial,
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether a run has finished with this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// InFlight reports whether the status belongs to a run in progress. Such tasks found
// at startup were interrupted and go back to pending.
func (s Status) InFlight() bool {
	return s == StatusValidating || s == StatusCompressing || s == StatusUploading
}

// Retryable reports whether Retry is legal from this status.
func (s Status) Retryable() bool { return s == StatusFailed || s == StatusPartial }

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}
