package flow

import "errors"

var (
	// ErrInvalidInput means malformed free text where structured input was
	// expected (e.g. a non-numeric admin id).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoDestinationSelected is reported when "done" is pressed with an
	// empty selection; the session stays in target selection.
	ErrNoDestinationSelected = errors.New("no destination selected")

	// ErrUnrecognized means the event matches no rule for the current
	// step; the step is left unchanged.
	ErrUnrecognized = errors.New("unrecognized input")

	// ErrNoChannels means the principal has no registrations to act on.
	ErrNoChannels = errors.New("no channels registered")
)
