// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dlm

import (
	"errors"
	"fmt"
)

// ErrNodeDown is returned (possibly wrapped) by messengers when the
// destination node is unreachable.
var ErrNodeDown = errors.New("dlm: node is down")

// ErrNotMaster is returned by operations that only the master of a
// resource may perform.
var ErrNotMaster = errors.New("dlm: this node is not the resource master")

// ErrNotGranted is returned from Convert if the lock is not on the
// granted queue.
var ErrNotGranted = errors.New("dlm: lock is not granted")

// ErrAlreadyConverting is returned from Convert if the lock already
// has a conversion queued.
var ErrAlreadyConverting = errors.New("dlm: lock is already converting")

// ErrInvalidMode is returned when a request names a mode that is not
// a real lock mode.
var ErrInvalidMode = errors.New("dlm: invalid lock mode")

// ErrNoSuchLock is returned when a notification or unlock refers to a
// lock that is not queued on its resource.
var ErrNoSuchLock = errors.New("dlm: no such lock")

// ErrNoSuchResource is returned when a named resource is not in the
// domain's lookup table.
var ErrNoSuchResource = errors.New("dlm: no such lock resource")

// ErrWorkerRunning is returned from LaunchWorker if the worker has
// already been started.
var ErrWorkerRunning = errors.New("dlm: domain worker already running")

// ErrDomainAborted is returned by operations on a domain whose worker
// stopped because of an invariant violation.
var ErrDomainAborted = errors.New("dlm: domain aborted")

// ErrLeaving is returned when new work arrives for a domain that is
// shutting down.
var ErrLeaving = errors.New("dlm: domain is leaving")

// ErrInvariant is the error kind of every InvariantError; test for it
// with errors.Is.
var ErrInvariant = errors.New("dlm: internal invariant violated")

// InvariantError reports corrupted internal state.  It is produced at
// the point the violation is detected; continuing to use the domain
// afterwards is unsafe.
type InvariantError struct {
	// Resource is the name of the affected lock resource, if any.
	Resource string

	// Reason describes the violated invariant.
	Reason string
}

func (err *InvariantError) Error() string {
	if err.Resource == "" {
		return fmt.Sprintf("dlm: invariant violated: %s", err.Reason)
	}
	return fmt.Sprintf("dlm: invariant violated on %q: %s", err.Resource, err.Reason)
}

// Is makes errors.Is(err, ErrInvariant) true.
func (err *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

// Invariantf builds an InvariantError for a resource.
func Invariantf(resource, format string, args ...interface{}) error {
	return &InvariantError{Resource: resource, Reason: fmt.Sprintf(format, args...)}
}

// RemoveReferenceError is returned from a purge pass when the master
// rejected a remove-reference message for a reason other than being
// down.  The resource stays on the purge list and a later pass will
// retry it.
type RemoveReferenceError struct {
	Resource string
	Master   NodeID
	Err      error
}

func (err *RemoveReferenceError) Error() string {
	return fmt.Sprintf("dlm: dropping reference to %q on master %v: %v", err.Resource, err.Master, err.Err)
}

func (err *RemoveReferenceError) Unwrap() error {
	return err.Err
}

// IsNodeDown returns true if err wraps ErrNodeDown.
func IsNodeDown(err error) bool {
	return errors.Is(err, ErrNodeDown)
}
