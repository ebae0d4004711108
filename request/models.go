package request

import "time"

// Status is the lifecycle state of a care request. Values mirror the
// request_status enum in the database.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Side names the confirming party in the dual-completion protocol.
type Side string

const (
	SideNurse   Side = "nurse"
	SidePatient Side = "patient"
)

// AdminCancelReason is recorded when an administrator cancels without
// supplying a reason.
const AdminCancelReason = "cancelled by administrator"

// Request mirrors the requests table. Completion is tracked with two
// independent flags; status only reaches completed once both are true.
type Request struct {
	ID          string
	PatientID   string
	NurseID     *string
	ServiceType string
	Description string
	Address     string
	ScheduledAt *time.Time
	Budget      float64
	Status      Status

	NurseCompleted     bool
	NurseCompletedAt   *time.Time
	PatientCompleted   bool
	PatientCompletedAt *time.Time

	CancelReason *string
	CreatedAt    time.Time
	AcceptedAt   *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	UpdatedAt    time.Time
}

// CreateParams enumerates the fields a patient supplies when posting a
// request.
type CreateParams struct {
	ServiceType string
	Description string
	Address     string
	ScheduledAt *time.Time
	Budget      float64
}

// Filters narrows List results. VisibleToNurseID selects rows assigned to
// that nurse plus every still-pending request (the provider's browse view).
type Filters struct {
	PatientID        string
	VisibleToNurseID string
	Status           Status
	Page             int
	PageSize         int
}

// Event types appended to the request_events audit trail.
const (
	EventCreated             = "REQUEST_CREATED"
	EventAccepted            = "REQUEST_ACCEPTED"
	EventStarted             = "REQUEST_STARTED"
	EventCompletionConfirmed = "COMPLETION_CONFIRMED"
	EventCompleted           = "REQUEST_COMPLETED"
	EventCancelled           = "REQUEST_CANCELLED"
)
