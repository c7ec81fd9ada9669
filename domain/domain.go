// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package domain implements the per-domain scheduling engine of the
// distributed lock manager.  A Domain holds the lock resources this
// node knows about, grants and converts locks on the resources it
// masters, delivers grant and block notifications, and purges
// resources that nobody is using.
//
// All of the asynchronous work happens on a single worker goroutine
// per domain, started with LaunchWorker.  Everything else (lock
// requests, remote messages, state changes from the recovery and
// migration code) only edits queues and flags, marks the resource
// dirty, and wakes the worker.
//
// Locking is hierarchical.  The domain lock protects the lookup table
// and the dirty and purge lists; each resource has its own lock for
// its queues and flags; the notification dispatcher has its own lock
// for its pending lists; and each lock has a small mutex for its mode
// fields.  They are always taken in that order, and none of them is
// held while calling the messenger or a lock callback.
package domain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-dlm/dlm"
	"github.com/sirupsen/logrus"
)

// errNoMessenger is returned by the default messenger.
var errNoMessenger = errors.New("dlm: no messenger configured")

// noMessenger is the messenger of a domain that never talks to other
// nodes.
type noMessenger struct{}

func (noMessenger) SendRemoveReference(context.Context, dlm.NodeID, dlm.Reference) error {
	return errNoMessenger
}

func (noMessenger) SendGrantNotification(context.Context, dlm.NodeID, dlm.Notification) error {
	return errNoMessenger
}

func (noMessenger) SendBlockNotification(context.Context, dlm.NodeID, dlm.Notification) error {
	return errNoMessenger
}

// Domain is one lock domain on one node.
type Domain struct {
	cfg     Config
	name    string
	node    dlm.NodeID
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *domainMetrics

	// sem is the domain lock.  It protects resources, dirty,
	// purge and lastPurgeErr.
	sem          sync.Mutex
	resources    map[string]*Resource
	dirty        *orderedSet
	purge        *orderedSet
	lastPurgeErr error

	// astMu is the dispatcher lock.  It protects the pending lists
	// and the listed/pending flags of every lock.
	astMu        sync.Mutex
	pendingASTs  []*Lock
	pendingBASTs []*Lock

	// wake has room for one signal; extra wakeups coalesce.
	wake chan struct{}

	// passed is signaled after every worker pass.
	passed chan struct{}

	leaving int32

	workerMu sync.Mutex
	stop     chan struct{}
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// New creates a new domain.  The worker is not started; call
// LaunchWorker.
func New(cfg Config) *Domain {
	cfg.setDefaults()
	d := &Domain{
		cfg:       cfg,
		name:      cfg.Name,
		node:      cfg.Node,
		clock:     cfg.Clock,
		metrics:   newDomainMetrics(cfg.Name),
		resources: make(map[string]*Resource),
		dirty:     newOrderedSet(),
		purge:     newOrderedSet(),
		wake:      make(chan struct{}, 1),
		passed:    make(chan struct{}, 1),
	}
	d.log = cfg.Logger.WithFields(logrus.Fields{
		"domain": cfg.Name,
		"node":   cfg.Node,
	})
	return d
}

// Name returns the name of the domain.
func (d *Domain) Name() string {
	return d.name
}

// Node returns this node's identifier.
func (d *Domain) Node() dlm.NodeID {
	return d.node
}

// Err returns the error that aborted the domain, or nil.  Once it is
// non-nil it is wrapped into every later error return.
func (d *Domain) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// abort records err as the reason the domain can no longer be used.
func (d *Domain) abort(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = &abortError{err}
	}
}

// abortError is the permanent error of an aborted domain.
type abortError struct {
	cause error
}

func (err *abortError) Error() string {
	return dlm.ErrDomainAborted.Error() + ": " + err.cause.Error()
}

func (err *abortError) Is(target error) bool {
	return target == dlm.ErrDomainAborted
}

func (err *abortError) Unwrap() error {
	return err.cause
}

func (d *Domain) isLeaving() bool {
	return atomic.LoadInt32(&d.leaving) != 0
}

func (d *Domain) resLog(res *Resource) logrus.FieldLogger {
	return d.log.WithField("resource", res.name)
}

// Resource finds or creates a resource this node masters, and takes a
// reference to it.  Pair with Release.
func (d *Domain) Resource(name string) (*Resource, error) {
	return d.resource(name, d.node, true)
}

// AdoptResource finds or creates a resource mastered by owner, and
// takes a reference to it.  If the resource already exists its master
// is not changed.
func (d *Domain) AdoptResource(name string, owner dlm.NodeID) (*Resource, error) {
	return d.resource(name, owner, true)
}

// Lookup finds an existing resource and takes a reference to it.  If
// there is no such resource, returns dlm.ErrNoSuchResource.
func (d *Domain) Lookup(name string) (*Resource, error) {
	return d.resource(name, d.node, false)
}

func (d *Domain) resource(name string, owner dlm.NodeID, create bool) (*Resource, error) {
	for {
		if err := d.Err(); err != nil {
			return nil, err
		}
		d.sem.Lock()
		res := d.resources[name]
		if res == nil {
			if !create {
				d.sem.Unlock()
				return nil, dlm.ErrNoSuchResource
			}
			if d.isLeaving() {
				d.sem.Unlock()
				return nil, dlm.ErrLeaving
			}
			res = newResource(name, owner)
			d.resources[name] = res
			res.get()
			d.sem.Unlock()
			d.metrics.resourcesCreated.Inc()
			d.resLog(res).WithField("owner", owner).Debug("created resource")
			return res, nil
		}
		res.mu.Lock()
		if res.state.Has(dlm.StateDroppingRef) {
			// The purge pass is telling the master we are
			// done with this.  Wait for it to finish and then
			// look again; the resource may be gone.
			d.sem.Unlock()
			res.waitOnFlags(dlm.StateDroppingRef)
			res.mu.Unlock()
			continue
		}
		res.mu.Unlock()
		res.get()
		d.sem.Unlock()
		return res, nil
	}
}

// Release drops a reference taken by Resource, AdoptResource or
// Lookup.
func (d *Domain) Release(res *Resource) error {
	return res.put()
}

// unhash removes res from the lookup table and drops the table's
// reference.  The caller holds the domain lock.
func (d *Domain) unhash(res *Resource) error {
	if d.resources[res.name] != res {
		return dlm.Invariantf(res.name, "purged resource is not in the lookup table")
	}
	delete(d.resources, res.name)
	return res.put()
}

// SetState sets state flags on a resource.  Setting StateDirty this
// way is not allowed; use MarkDirtyAndWake.
func (d *Domain) SetState(res *Resource, flags dlm.State) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.setState(flags &^ dlm.StateDirty)
}

// ClearState clears state flags on a resource and wakes anyone
// waiting for them.  Clearing StateInProgress or StateRecovering does
// not by itself schedule the resource; the caller should follow up
// with MarkDirtyAndWake if it changed the queues.
func (d *Domain) ClearState(res *Resource, flags dlm.State) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.clearState(flags &^ dlm.StateDirty)
}

// SetReference records that node holds a reference to res.  This is
// the master's half of the set-reference message.
func (d *Domain) SetReference(res *Resource, node dlm.NodeID) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.refmap.Set(node)
}

// GrabInflight records that a lock is being created on res and is not
// yet on any queue.
func (d *Domain) GrabInflight(res *Resource) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.grabInflight(d.node)
}

// DropInflight undoes GrabInflight and recomputes whether res is in
// use.
func (d *Domain) DropInflight(res *Resource) error {
	res.mu.Lock()
	err := res.dropInflight(d.node)
	res.mu.Unlock()
	if err != nil {
		return err
	}
	return d.RecomputeUsage(res)
}

// markDirty schedules res for the worker.  It is a no-op if res is
// already scheduled, is not mastered here, or is migrating or
// blocking dirty marks.  The caller holds the domain lock and the
// resource lock.
func (d *Domain) markDirty(res *Resource) {
	if res.owner != d.node {
		return
	}
	if res.state.Has(dlm.StateMigrating | dlm.StateBlockDirty) {
		return
	}
	if d.dirty.PushBack(res) {
		res.get()
		res.setState(dlm.StateDirty)
	}
}

// MarkDirtyAndWake schedules res for the worker and wakes the worker.
func (d *Domain) MarkDirtyAndWake(res *Resource) error {
	if err := d.Err(); err != nil {
		return err
	}
	d.sem.Lock()
	res.mu.Lock()
	d.markDirty(res)
	res.mu.Unlock()
	d.sem.Unlock()
	d.kick()
	return nil
}

// kick wakes the worker without blocking.
func (d *Domain) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// unused decides whether res may be purged.  The caller holds the
// domain lock and the resource lock.
func (d *Domain) unused(res *Resource) (bool, error) {
	if res.hasLocks() {
		return false, nil
	}
	if d.dirty.Contains(res) || res.state.Has(dlm.StateDirty) {
		return false, nil
	}
	if res.refmap.Empty() {
		if res.inflight != 0 {
			return false, dlm.Invariantf(res.name, "%d inflight locks but no reference bits", res.inflight)
		}
		return true, nil
	}
	if res.refmap.HasOtherThan(d.node) || res.inflight != 0 {
		return false, nil
	}
	return true, nil
}

// calcUsage puts res on or takes it off the purge list.  The caller
// holds the domain lock and the resource lock.
func (d *Domain) calcUsage(res *Resource) error {
	unused, err := d.unused(res)
	if err != nil {
		return err
	}
	if unused {
		if d.purge.PushBack(res) {
			res.lastUsed = d.clock.Now()
			res.get()
			d.resLog(res).Debug("resource is unused")
		}
		return nil
	}
	if d.purge.Remove(res) {
		d.resLog(res).Debug("resource is in use again")
		return res.put()
	}
	return nil
}

// RecomputeUsage moves res on or off the purge list according to
// whether anything still uses it.
func (d *Domain) RecomputeUsage(res *Resource) error {
	if err := d.Err(); err != nil {
		return err
	}
	return d.recomputeUsage(res)
}

func (d *Domain) recomputeUsage(res *Resource) error {
	d.sem.Lock()
	defer d.sem.Unlock()
	res.mu.Lock()
	defer res.mu.Unlock()
	return d.calcUsage(res)
}

// Summary is a point-in-time view of a domain.
type Summary struct {
	Domain       string     `json:"domain"`
	Node         dlm.NodeID `json:"node"`
	Resources    int        `json:"resources"`
	Dirty        int        `json:"dirty"`
	Purge        int        `json:"purge"`
	PendingASTs  int        `json:"pending_asts"`
	PendingBASTs int        `json:"pending_basts"`
	Running      bool       `json:"running"`
	Leaving      bool       `json:"leaving"`
	Err          string     `json:"error,omitempty"`
}

// Summarize returns counts of the domain's resources and pending
// work.
func (d *Domain) Summarize() Summary {
	s := Summary{
		Domain:  d.name,
		Node:    d.node,
		Running: d.running(),
		Leaving: d.isLeaving(),
	}
	if err := d.Err(); err != nil {
		s.Err = err.Error()
	}
	d.sem.Lock()
	s.Resources = len(d.resources)
	s.Dirty = d.dirty.Len()
	s.Purge = d.purge.Len()
	d.sem.Unlock()
	d.astMu.Lock()
	s.PendingASTs = len(d.pendingASTs)
	s.PendingBASTs = len(d.pendingBASTs)
	d.astMu.Unlock()
	return s
}
