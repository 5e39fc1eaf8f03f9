package models

import (
	"time"

	dErrors "confconnect/pkg/domain-errors"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusDenied    RequestStatus = "DENIED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusApproved || s == RequestStatusDenied || s == RequestStatusCancelled
}

// CanTransitionTo allows PENDING → any terminal status and nothing else.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	return s == RequestStatusPending && next.IsTerminal()
}

// ConnectionRequest asks Recipient to connect with Initiator.
//
// Invariants:
//   - Initiator and Recipient are non-empty and distinct
//   - Status starts PENDING; APPROVED, DENIED and CANCELLED are terminal
type ConnectionRequest struct {
	ID        string        `json:"id"`
	Initiator string        `json:"initiator"`
	Recipient string        `json:"recipient"`
	Status    RequestStatus `json:"status"`
	Note      string        `json:"note,omitempty"`
	Tags      []string      `json:"tags"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func NewConnectionRequest(id, initiator, recipient, note string, tags []string, now time.Time) (*ConnectionRequest, error) {
	if initiator == "" || recipient == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "initiator and recipient are required")
	}
	if initiator == recipient {
		return nil, dErrors.New(dErrors.CodeValidation, "cannot connect with yourself")
	}
	if tags == nil {
		tags = []string{}
	}
	return &ConnectionRequest{
		ID:        id,
		Initiator: initiator,
		Recipient: recipient,
		Status:    RequestStatusPending,
		Note:      note,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Transition moves the request to next, rejecting moves out of a terminal state.
func (r *ConnectionRequest) Transition(next RequestStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidState, "request is already "+string(r.Status))
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}
