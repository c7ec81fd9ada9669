// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dlm defines the shared vocabulary of the distributed lock
// manager: lock modes and their compatibility, node identifiers, and
// the interfaces the scheduling engine needs from the rest of the
// cluster.
//
// The engine itself lives in package domain.  The messaging layer
// that carries lock requests, recovery and migration between nodes is
// not part of this module; it is represented here only by the
// Messenger, Membership and Receiver interfaces.  Package transport
// provides an in-process and an HTTP implementation of those.
package dlm

import "context"

// Reference identifies one node's interest in one lock resource.  It
// is the payload of a remove-reference message, sent by a non-master
// node to the master when it purges its copy of the resource.
type Reference struct {
	// Domain is the name of the lock domain.
	Domain string

	// Resource is the domain-unique name of the lock resource.
	Resource string

	// Node is the node whose reference is being dropped.
	Node NodeID
}

// Notification describes one asynchronous notification about a lock.
// Grant notifications (ASTs) tell the lock holder its request
// completed; block notifications (BASTs) tell a holder that some other
// waiter needs a mode incompatible with what it holds.
type Notification struct {
	// Domain is the name of the lock domain.
	Domain string

	// Resource is the name of the lock resource.
	Resource string

	// Cookie identifies the lock across nodes.
	Cookie string

	// Mode is the lock's granted mode at the time the notification
	// was sent.
	Mode Mode

	// Level is the highest mode the lock is blocking.  It is only
	// meaningful for block notifications.
	Level Mode
}

// Messenger sends the messages the scheduling engine originates.
// Implementations may block on I/O; the engine never calls them while
// holding any of its own locks.
type Messenger interface {
	// SendRemoveReference asks master to drop ref from its
	// reference map.  If the master is unreachable the returned
	// error should satisfy Membership.IsNodeDown.
	SendRemoveReference(ctx context.Context, master NodeID, ref Reference) error

	// SendGrantNotification delivers an AST to a remote node.
	SendGrantNotification(ctx context.Context, node NodeID, n Notification) error

	// SendBlockNotification delivers a BAST to a remote node.
	SendBlockNotification(ctx context.Context, node NodeID, n Notification) error
}

// Membership answers liveness questions about other nodes.
type Membership interface {
	// IsNodeDown returns true if err indicates that the remote
	// node is down, as opposed to a protocol error.
	IsNodeDown(err error) bool
}

// Receiver handles the messages a Messenger carries, on the node that
// receives them.
type Receiver interface {
	// HandleRemoveReference drops a remote node's reference to a
	// resource this node masters.
	HandleRemoveReference(ctx context.Context, ref Reference) error

	// HandleGrantNotification delivers an AST from the master to
	// the local copy of a lock.
	HandleGrantNotification(ctx context.Context, n Notification) error

	// HandleBlockNotification delivers a BAST from the master to
	// the local copy of a lock.
	HandleBlockNotification(ctx context.Context, n Notification) error
}

// DefaultMembership is a Membership that recognizes any error wrapping
// ErrNodeDown.
var DefaultMembership Membership = errorMembership{}

type errorMembership struct{}

func (errorMembership) IsNodeDown(err error) bool {
	return IsNodeDown(err)
}
