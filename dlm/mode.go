// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dlm

import "fmt"

// Mode is a lock mode.  Modes are ordered: a higher mode is at least
// as restrictive as a lower one, which is what lets the engine keep a
// single "highest blocked" level per lock.
type Mode int

const (
	// ModeInvalid marks an unset mode, such as the convert type of
	// a lock that is not converting.
	ModeInvalid Mode = -1

	// ModeNull holds no access; it is compatible with everything.
	ModeNull Mode = 0

	// ModeProtectedRead is a shared read mode.
	ModeProtectedRead Mode = 3

	// ModeExclusive excludes every other non-null holder.
	ModeExclusive Mode = 5
)

// String renders a mode the way the lock manager logs it.
func (m Mode) String() string {
	switch m {
	case ModeInvalid:
		return "IV"
	case ModeNull:
		return "NL"
	case ModeProtectedRead:
		return "PR"
	case ModeExclusive:
		return "EX"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid returns true if m is a real lock mode.
func (m Mode) Valid() bool {
	return m > ModeInvalid
}

// Compatibility decides whether two lock modes can be held at the
// same time on one resource.  Implementations must be symmetric and
// must treat ModeNull as compatible with every mode.
type Compatibility interface {
	Compatible(held, requested Mode) bool
}

// CompatibilityFunc adapts a plain function to Compatibility.
type CompatibilityFunc func(held, requested Mode) bool

// Compatible calls f.
func (f CompatibilityFunc) Compatible(held, requested Mode) bool {
	return f(held, requested)
}

// StandardCompatibility is the NL/PR/EX table: NL is compatible with
// everything, PR is compatible with PR, and EX is compatible only
// with NL.
var StandardCompatibility Compatibility = CompatibilityFunc(standardCompatible)

func standardCompatible(held, requested Mode) bool {
	if held == ModeNull || requested == ModeNull {
		return true
	}
	return held == ModeProtectedRead && requested == ModeProtectedRead
}

// State is the bitset of resource state flags.
type State uint32

const (
	// StateDirty means the resource is waiting for the domain
	// worker to re-evaluate its queues.
	StateDirty State = 1 << iota

	// StateMigrating means mastery is moving to another node.
	StateMigrating

	// StateRecovering means the resource is being rebuilt after a
	// node failure.
	StateRecovering

	// StateInProgress means some actor is in the middle of
	// changing the resource.
	StateInProgress

	// StateDroppingRef means this node is telling the master it no
	// longer references the resource.
	StateDroppingRef

	// StateBlockDirty prevents the resource from being marked
	// dirty.
	StateBlockDirty

	// StateSetRefInProgress means a set-reference message to the
	// master is in flight.
	StateSetRefInProgress
)

var stateNames = []string{
	"dirty", "migrating", "recovering", "in-progress",
	"dropping-ref", "block-dirty", "setref-in-progress",
}

// Has returns true if any of flags is set in s.
func (s State) Has(flags State) bool {
	return s&flags != 0
}

// String lists the set flags.
func (s State) String() string {
	out := ""
	for i, name := range stateNames {
		if s&(1<<uint(i)) != 0 {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Status is the result slot of a lock request.
type Status int

const (
	// StatusPending means the request has not completed.
	StatusPending Status = iota

	// StatusNormal means the lock was granted (or converted).
	StatusNormal

	// StatusCancelled means the lock was unlocked before or
	// after being granted.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusNormal:
		return "normal"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}
