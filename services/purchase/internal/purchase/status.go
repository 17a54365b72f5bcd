package purchase

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPendingWire            Status = "PENDING_WIRE"
	StatusPendingApproval        Status = "PENDING_APPROVAL"
	StatusProcessing             Status = "PROCESSING"
	StatusCompleted              Status = "COMPLETED"
	StatusRejected               Status = "REJECTED"
	StatusFailed                 Status = "FAILED"
	StatusWireVerificationFailed Status = "WIRE_VERIFICATION_FAILED"
)

// transitions is the complete set of legal moves. Statuses without an entry
// are terminal.
var transitions = map[Status][]Status{
	StatusPendingWire:     {StatusPendingApproval, StatusProcessing, StatusWireVerificationFailed},
	StatusPendingApproval: {StatusProcessing, StatusRejected},
	StatusProcessing:      {StatusCompleted, StatusFailed},
}

var allStatuses = []Status{
	StatusPendingWire,
	StatusPendingApproval,
	StatusProcessing,
	StatusCompleted,
	StatusRejected,
	StatusFailed,
	StatusWireVerificationFailed,
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown purchase status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}
