package application

import "time"

// Status is the lifecycle of a single bid. A bid is terminal once it is
// accepted, rejected, or withdrawn; only one non-terminal bid may exist
// per (request, nurse) pair.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Application mirrors the applications table: one provider's priced
// proposal against one care request.
type Application struct {
	ID            string
	RequestID     string
	NurseID       string
	Price         float64
	EstimatedTime string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SubmitParams enumerates the fields a nurse supplies when bidding.
type SubmitParams struct {
	RequestID     string
	Price         float64
	EstimatedTime string
}
