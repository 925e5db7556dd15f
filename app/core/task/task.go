package task

import "errors"

type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled || s == StatusRejected
}

// NeedsReason reports whether s is a terminal status that expects a
// follow-up reason from the worker.
func (s Status) NeedsReason() bool {
	return s == StatusCanceled || s == StatusRejected
}

type Event string

const (
	EventListed   Event = "listed"    // task shown in a listing: new -> in_progress
	EventComplete Event = "complete"  // worker marked done
	EventProblem  Event = "problem"   // worker reported a problem: -> canceled
	EventCannotDo Event = "cannot_do" // worker refused: -> rejected
)

// target returns the status an event drives a task into. Every event is only
// valid from the non-terminal statuses, which the store enforces.
func (e Event) target() (Status, bool) {
	switch e {
	case EventListed:
		return StatusInProgress, true
	case EventComplete:
		return StatusDone, true
	case EventProblem:
		return StatusCanceled, true
	case EventCannotDo:
		return StatusRejected, true
	}
	return "", false
}

var (
	ErrNotFound          = errors.New("task: not found")
	ErrNotOwner          = errors.New("task: not assigned to worker")
	ErrInvalidTransition = errors.New("task: invalid status transition")
	ErrWrongState        = errors.New("task: wrong state for operation")
)

type Task struct {
	ID          string
	WorkerID    string
	Description string
	Location    string
	DueTime     int64
	Status      Status
	Reason      string // set only for canceled/rejected
	CreatedAt   int64
	CompletedAt int64 // set iff status is done
}
