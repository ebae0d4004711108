// Package notify is the notification collaborator: invoked at lifecycle
// transition points, always after the mutation has committed. Delivery
// failures are the caller's to log, never to propagate.
package notify

import (
	"context"
	"log"
)

// Kind identifies the lifecycle event being delivered.
type Kind string

const (
	KindRequestAccepted     Kind = "request.accepted"
	KindRequestStarted      Kind = "request.started"
	KindRequestCompleted    Kind = "request.completed"
	KindRequestCancelled    Kind = "request.cancelled"
	KindApplicationReceived Kind = "application.submitted"
	KindApplicationAccepted Kind = "application.accepted"
	KindApplicationRejected Kind = "application.rejected"
	KindVerificationChanged Kind = "identity.verification"
)

// Notifier delivers a notification to a single recipient, fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, recipientID, requestID string, kind Kind) error
}

// LogNotifier writes notifications to the process log. Used as the default
// collaborator and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipientID, requestID string, kind Kind) error {
	log.Printf("notify: recipient=%s request=%s kind=%s", recipientID, requestID, kind)
	return nil
}

// BestEffort invokes the notifier and logs any failure. Lifecycle
// mutations call it after commit so a delivery failure can never roll
// back or fail the transition that triggered it.
func BestEffort(ctx context.Context, n Notifier, recipientID, requestID string, kind Kind) {
	if n == nil || recipientID == "" {
		return
	}
	if err := n.Notify(ctx, recipientID, requestID, kind); err != nil {
		log.Printf("notify: deliver %s to %s for request %s: %v", kind, recipientID, requestID, err)
	}
}
