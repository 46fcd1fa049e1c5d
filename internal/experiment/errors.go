package experiment

import "errors"

var (
	// ErrNotFound is returned when an experiment or assignment does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidConfiguration = errors.New("invalid experiment configuration")
	ErrInvalidState         = errors.New("invalid experiment state")
	ErrExperimentNotActive  = errors.New("experiment is not running")
	ErrAudienceMismatch     = errors.New("subject does not match target audience")
	ErrInvalidSubject       = errors.New("invalid subject id")
	ErrInvalidAssignment    = errors.New("invalid assignment")
	ErrInvalidEvent         = errors.New("invalid event")

	// ErrAssignmentExists is returned by a Store when the (experiment, subject)
	// uniqueness constraint rejects an insert. The service never surfaces it.
	ErrAssignmentExists = errors.New("assignment already exists")
)
