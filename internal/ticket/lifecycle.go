package ticket

import (
	"errors"
	"fmt"

	"incidentline/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// InProgress -> Open is the one backward edge: an executor failure that is
// not a timeout leaves the ticket open for a new explicit trigger.
var allowedTransitions = map[domain.TicketStatus]map[domain.TicketStatus]struct{}{
	domain.StatusOpen: {
		domain.StatusInProgress: {},
	},
	domain.StatusInProgress: {
		domain.StatusResolved: {},
		domain.StatusFailed:   {},
		domain.StatusOpen:     {},
	},
	domain.StatusResolved: {},
	domain.StatusFailed:   {},
}

func ValidateTransition(from, to domain.TicketStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
