// Package authz is the authorization matrix for the request lifecycle:
// a pure predicate over (actor, request snapshot, transition) with no I/O,
// consulted before every lifecycle mutation.
package authz

import (
	"strings"

	"careflow/identity"
)

// Transition names a lifecycle mutation on a care request.
type Transition string

const (
	TransitionCreate          Transition = "create"
	TransitionAccept          Transition = "accept"
	TransitionStart           Transition = "start"
	TransitionNurseComplete   Transition = "nurse_complete"
	TransitionPatientComplete Transition = "patient_complete"
	TransitionCancel          Transition = "cancel"
	TransitionView            Transition = "view"
)

// Request status values as stored. The request package mirrors these.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Actor is the identity snapshot the matrix decides on.
type Actor struct {
	ID       string
	Role     identity.Role
	Verified bool
}

// RequestView is the request snapshot the matrix decides on. It carries no
// behaviour so decisions stay testable without persistence.
type RequestView struct {
	PatientID string
	NurseID   *string
	Status    string
}

// LegalFrom reports whether the transition is legal from the given status
// for any actor. Callers use it to tell "illegal from this state" apart
// from "not allowed to you".
func LegalFrom(status string, t Transition) bool {
	switch t {
	case TransitionCreate:
		return status == ""
	case TransitionAccept:
		return status == StatusPending
	case TransitionStart:
		return status == StatusAccepted
	case TransitionNurseComplete, TransitionPatientComplete:
		return status == StatusInProgress
	case TransitionCancel:
		return status == StatusPending || status == StatusAccepted || status == StatusInProgress
	case TransitionView:
		return status != ""
	default:
		return false
	}
}

// CanPerform reports whether the actor may apply the transition to the
// request in its current state. Any (state, role, transition) triple not
// covered by the transition table yields false.
func CanPerform(actor Actor, req RequestView, t Transition) bool {
	if !LegalFrom(req.Status, t) {
		return false
	}

	switch t {
	case TransitionCreate:
		return actor.Role == identity.RolePatient
	case TransitionAccept:
		return actor.Role == identity.RoleNurse && actor.Verified
	case TransitionStart:
		return actor.Role == identity.RoleNurse && SameAssignee(actor.ID, req.NurseID)
	case TransitionNurseComplete:
		return actor.Role == identity.RoleNurse && SameAssignee(actor.ID, req.NurseID)
	case TransitionPatientComplete:
		return actor.Role == identity.RolePatient && SameActor(actor.ID, req.PatientID)
	case TransitionCancel:
		if actor.Role == identity.RoleAdmin {
			return true
		}
		return actor.Role == identity.RolePatient && SameActor(actor.ID, req.PatientID)
	case TransitionView:
		if actor.Role == identity.RoleAdmin {
			return true
		}
		return SameActor(actor.ID, req.PatientID) || SameAssignee(actor.ID, req.NurseID)
	default:
		return false
	}
}

// SameActor is the single identity-equality helper used wherever an actor
// is compared to a stored owner reference.
func SameActor(actorID, ownerID string) bool {
	actorID = strings.TrimSpace(actorID)
	ownerID = strings.TrimSpace(ownerID)
	return actorID != "" && actorID == ownerID
}

// SameAssignee compares an actor against an optional assignee reference.
func SameAssignee(actorID string, nurseID *string) bool {
	if nurseID == nil {
		return false
	}
	return SameActor(actorID, *nurseID)
}

// Terminal reports whether no further transitions are permitted.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}
