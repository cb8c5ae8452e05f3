package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrNotFound            = errors.New("resource not found")
	ErrUnresolvedReference = errors.New("unresolved parent reference")
	ErrCyclicReference     = errors.New("cyclic parent reference")
	ErrPersistence         = errors.New("persistence failure")
	ErrConflict            = errors.New("aggregate conflict")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidStateError reports a transition attempted from a state that does not allow it.
type InvalidStateError struct {
	JobID     string
	Operation string
	Status    JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s job %s in status %s", ErrInvalidState, e.Operation, e.JobID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// UnresolvedReferenceError lists every entity whose temporary parent key has
// no match in the batch. Keys and Parents are parallel; Missing holds the
// distinct absent parent keys in first-seen order.
type UnresolvedReferenceError struct {
	Keys    []string
	Parents []string
	Missing []string
}

func (e *UnresolvedReferenceError) Error() string {
	pairs := make([]string, len(e.Keys))
	for i, key := range e.Keys {
		if i < len(e.Parents) {
			pairs[i] = key + " -> " + e.Parents[i]
		} else {
			pairs[i] = key
		}
	}
	return fmt.Sprintf("%s: %s", ErrUnresolvedReference, strings.Join(pairs, ", "))
}

func (e *UnresolvedReferenceError) Is(target error) bool {
	return target == ErrUnresolvedReference
}

// CyclicReferenceError names one cycle found in the batch, first key repeated at the end.
type CyclicReferenceError struct {
	Cycle []string
}

func (e *CyclicReferenceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicReference, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicReferenceError) Is(target error) bool {
	return target == ErrCyclicReference
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// ConflictError is returned to the losing writer when two units of work target one aggregate.
type ConflictError struct {
	AggregateKey string
	Err          error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrConflict, e.AggregateKey)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConflict, e.AggregateKey, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
