package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrInvalidSchedule) {
//	    // handle bad calendar fields
//	}
var (
	// ErrInvalidSchedule is returned when a schedule's calendar fields are out of range.
	ErrInvalidSchedule = errors.New("schedule: invalid")

	// ErrInvalidTime is returned when a time of day cannot be parsed.
	ErrInvalidTime = errors.New("schedule: invalid time of day")

	// ErrNotPersisted is returned when a rule child is written before the
	// rule or trigger that owns it has an id.
	ErrNotPersisted = errors.New("automation: owner not persisted")

	// ErrInvalidProperties is returned when a stored local action property
	// map has a non-numeric index.
	ErrInvalidProperties = errors.New("automation: invalid property map")
)
