// Package lifecycle holds the proposal state machine. Every status change in
// the service goes through Apply; there is no other way to move a proposal.
package lifecycle

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusFormFilled     Status = "form_filled"
	StatusSignatureSent  Status = "signature_sent"
	StatusSigned         Status = "signed"
	StatusPaymentCreated Status = "payment_created"
	StatusPaid           Status = "paid"
	StatusProvisioned    Status = "provisioned"
	StatusCanceled       Status = "canceled"
	StatusExpired        Status = "expired"
)

type Event string

const (
	EventFormSubmitted  Event = "form_submitted"
	EventSignatureSent  Event = "signature_sent"
	EventSigned         Event = "signed"
	EventPaymentCreated Event = "payment_created"
	EventPaid           Event = "paid"
	EventProvisioned    Event = "provisioned"
	EventCanceled       Event = "canceled"
	EventExpired        Event = "expired"
)

var ErrInvalidTransition = errors.New("invalid proposal transition")

// TransitionError names the rejected pair.
type TransitionError struct {
	Event Event
	From  Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s from %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type edge struct {
	event Event
	from  Status
}

// AllStatuses lists every known status in happy-path order.
var AllStatuses = []Status{
	StatusPending,
	StatusFormFilled,
	StatusSignatureSent,
	StatusSigned,
	StatusPaymentCreated,
	StatusPaid,
	StatusProvisioned,
	StatusCanceled,
	StatusExpired,
}

var AllEvents = []Event{
	EventFormSubmitted,
	EventSignatureSent,
	EventSigned,
	EventPaymentCreated,
	EventPaid,
	EventProvisioned,
	EventCanceled,
	EventExpired,
}

var transitions = buildTable()

func buildTable() map[edge]Status {
	t := map[edge]Status{}
	add := func(event Event, to Status, from ...Status) {
		for _, f := range from {
			t[edge{event, f}] = to
		}
	}

	add(EventFormSubmitted, StatusFormFilled, StatusPending, StatusFormFilled)
	// Resubmission after the flow has started keeps the current status.
	for _, s := range []Status{StatusSignatureSent, StatusSigned, StatusPaymentCreated} {
		add(EventFormSubmitted, s, s)
	}

	add(EventSignatureSent, StatusSignatureSent, StatusFormFilled, StatusSignatureSent)
	add(EventSigned, StatusSigned, StatusFormFilled, StatusSignatureSent, StatusSigned)
	add(EventPaymentCreated, StatusPaymentCreated, StatusFormFilled, StatusSigned, StatusPaymentCreated)
	add(EventPaid, StatusPaid, StatusFormFilled, StatusSigned, StatusPaymentCreated, StatusPaid)
	add(EventPaid, StatusProvisioned, StatusProvisioned)
	add(EventProvisioned, StatusProvisioned, StatusPaid, StatusProvisioned)

	open := []Status{StatusPending, StatusFormFilled, StatusSignatureSent, StatusSigned, StatusPaymentCreated}
	add(EventCanceled, StatusCanceled, append(open, StatusCanceled)...)
	add(EventExpired, StatusExpired, append(open, StatusExpired)...)
	return t
}

// Apply returns the status reached by applying event in state, or a
// *TransitionError when the table has no such edge.
func Apply(event Event, state Status) (Status, error) {
	next, ok := transitions[edge{event, state}]
	if !ok {
		return state, &TransitionError{Event: event, From: state}
	}
	return next, nil
}

func CanApply(event Event, state Status) bool {
	_, ok := transitions[edge{event, state}]
	return ok
}

// Terminal statuses accept no event that leaves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusProvisioned, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Closed statuses no longer accept form submissions.
func (s Status) Closed() bool {
	switch s {
	case StatusPaid, StatusProvisioned, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

func (s Status) Known() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}
