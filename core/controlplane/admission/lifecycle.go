package admission

import "fmt"

var allowedTransitions = map[Status][]Status{
	StatusCreated:          {StatusTransferringData, StatusQueued},
	StatusTransferringData: {StatusQueued, StatusError, StatusCancelled},
	StatusQueued:           {StatusScheduled, StatusError, StatusCancelled},
	StatusScheduled:        {StatusRunning, StatusQueued, StatusError, StatusCancelled},
	StatusRunning:          {StatusCompleted, StatusError, StatusCancelled},
	StatusError:            {StatusQueued, StatusCancelled},
	StatusCompleted:        {},
	StatusCancelled:        {},
}

var cancellable = map[Status]bool{
	StatusTransferringData: true,
	StatusQueued:           true,
	StatusScheduled:        true,
	StatusRunning:          true,
	StatusError:            true,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InFlight reports whether a job in s still holds its dedup reservation.
// ERROR keeps it because the engine may requeue the job.
func (s Status) InFlight() bool {
	return s.Valid() && !s.Terminal()
}

// Cancellable reports whether a job in s may be cancelled.
func (s Status) Cancellable() bool {
	return cancellable[s]
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// CheckTransition is a StatusUpdate guard enforcing the lifecycle graph.
func CheckTransition(to Status) func(Status) error {
	return func(from Status) error {
		if !CanTransition(from, to) {
			return newError(KindPreconditionFailed, fmt.Sprintf("invalid transition %s -> %s", from, to)).
				with("currentStatus", from)
		}
		return nil
	}
}

func cancelGuard(from Status) error {
	if !from.Cancellable() {
		return newError(KindPreconditionFailed, fmt.Sprintf("Job cannot be cancelled in status %s.", from)).
			with("currentStatus", from)
	}
	return nil
}

func archiveGuard(from Status) error {
	if !from.Terminal() {
		return newError(KindPreconditionFailed, fmt.Sprintf("Only completed or cancelled jobs can be archived; current status %s.", from)).
			with("currentStatus", from)
	}
	return nil
}

// admissionHistory is the initial status history, most recent first.
func admissionHistory(upload bool) []Status {
	if upload {
		return []Status{StatusQueued, StatusTransferringData, StatusCreated}
	}
	return []Status{StatusQueued, StatusCreated}
}
