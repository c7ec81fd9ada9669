// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"
	"sync"

	"github.com/diffeo/go-dlm/dlm"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// Lock is one holder's lock on a resource.  On the master it is the
// authoritative copy the worker schedules; on other nodes it is a
// local copy that follows the master's notifications.
type Lock struct {
	res    *Resource
	node   dlm.NodeID
	cookie string
	ast    func(*Lock)
	bast   func(*Lock, dlm.Mode)

	// mu protects the mode fields.  It is the innermost lock.
	mu             sync.Mutex
	mode           dlm.Mode
	convertType    dlm.Mode
	highestBlocked dlm.Mode
	status         dlm.Status

	// These belong to the domain's dispatcher lock.
	astPending  bool
	bastPending bool
	astListed   bool
	bastListed  bool
}

// LockRequest describes a new lock.
type LockRequest struct {
	// Mode is the requested lock mode.
	Mode dlm.Mode

	// Cookie identifies the lock across nodes.  If empty, a new
	// random cookie is generated.
	Cookie string

	// AST, if not nil, is called when the lock is granted or
	// converted.
	AST func(*Lock)

	// BAST, if not nil, is called with the requested level when
	// this lock blocks another request.
	BAST func(*Lock, dlm.Mode)
}

// Resource returns the resource this lock is on.
func (lock *Lock) Resource() *Resource {
	return lock.res
}

// Node returns the node holding the lock.
func (lock *Lock) Node() dlm.NodeID {
	return lock.node
}

// Cookie returns the lock's cluster-wide identifier.
func (lock *Lock) Cookie() string {
	return lock.cookie
}

// Mode returns the mode the lock holds (or, while it is still
// blocked, the mode it requested).
func (lock *Lock) Mode() dlm.Mode {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.mode
}

// ConvertType returns the mode a pending conversion requested, or
// dlm.ModeInvalid.
func (lock *Lock) ConvertType() dlm.Mode {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.convertType
}

// HighestBlocked returns the highest mode this lock is blocking that
// has not yet been reported by a block notification.
func (lock *Lock) HighestBlocked() dlm.Mode {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.highestBlocked
}

// Status returns the result of the lock's most recent request.
func (lock *Lock) Status() dlm.Status {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.status
}

func (lock *Lock) fields() logrus.Fields {
	return logrus.Fields{
		"resource": lock.res.name,
		"lock":     lock.cookie,
		"holder":   lock.node,
	}
}

// Lock requests a new lock on res for a holder on this node.  The
// lock is queued as blocked; the worker grants it, and calls
// req.AST when it does.
func (d *Domain) Lock(res *Resource, req LockRequest) (*Lock, error) {
	return d.RemoteLock(res, d.node, req)
}

// RemoteLock requests a new lock on res on behalf of node.  This is
// the entry point for lock requests that arrive from other nodes;
// node is recorded as referencing res.  If res has been purged since
// it was looked up, the lock goes on the resource now registered
// under its name; Lock.Resource returns the one actually used.
func (d *Domain) RemoteLock(res *Resource, node dlm.NodeID, req LockRequest) (*Lock, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if !req.Mode.Valid() {
		return nil, dlm.ErrInvalidMode
	}
	if d.isLeaving() {
		return nil, dlm.ErrLeaving
	}
	cookie := req.Cookie
	if cookie == "" {
		cookie = uuid.NewV4().String()
	}

	// Queue on the resource registered under res's name.  That is res
	// itself unless res was purged after the caller looked it up.
	var fresh *Resource
	for {
		d.sem.Lock()
		if d.resources[res.name] == res {
			res.mu.Lock()
			if !res.state.Has(dlm.StateDroppingRef) {
				break
			}
			d.sem.Unlock()
			res.waitOnFlags(dlm.StateDroppingRef)
			res.mu.Unlock()
			continue
		}
		d.sem.Unlock()
		next, err := d.resource(res.name, res.owner, true)
		if fresh != nil {
			if rerr := d.Release(fresh); err == nil {
				err = rerr
			}
		}
		if err != nil {
			return nil, err
		}
		d.resLog(next).Debug("resource was purged, queueing on its replacement")
		fresh, res = next, next
	}

	lock := &Lock{
		res:            res,
		node:           node,
		cookie:         cookie,
		ast:            req.AST,
		bast:           req.BAST,
		mode:           req.Mode,
		convertType:    dlm.ModeInvalid,
		highestBlocked: dlm.ModeInvalid,
		status:         dlm.StatusPending,
	}
	res.blocked = append(res.blocked, lock)
	if node != d.node {
		res.refmap.Set(node)
	}
	res.mu.Unlock()
	d.sem.Unlock()
	d.log.WithFields(lock.fields()).WithField("mode", req.Mode).Debug("lock requested")

	err := d.MarkDirtyAndWake(res)
	if err == nil {
		err = d.RecomputeUsage(res)
	}
	if fresh != nil {
		if rerr := d.Release(fresh); err == nil {
			err = rerr
		}
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Convert asks to change the mode of a granted lock.  The lock keeps
// its current mode until the worker grants the conversion.
func (d *Domain) Convert(lock *Lock, mode dlm.Mode) error {
	if err := d.Err(); err != nil {
		return err
	}
	if !mode.Valid() {
		return dlm.ErrInvalidMode
	}
	res := lock.res
	res.mu.Lock()
	if !onQueue(res.granted, lock) {
		res.mu.Unlock()
		return dlm.ErrNotGranted
	}
	lock.mu.Lock()
	if lock.convertType != dlm.ModeInvalid {
		lock.mu.Unlock()
		res.mu.Unlock()
		return dlm.ErrAlreadyConverting
	}
	lock.convertType = mode
	lock.status = dlm.StatusPending
	lock.mu.Unlock()
	res.removeLock(lock)
	res.converting = append(res.converting, lock)
	res.mu.Unlock()
	d.log.WithFields(lock.fields()).WithField("mode", mode).Debug("conversion requested")

	return d.MarkDirtyAndWake(res)
}

// Unlock removes a lock from its resource, whatever state it is in.
// Notifications for it that have not started delivery are dropped.
func (d *Domain) Unlock(lock *Lock) error {
	if err := d.Err(); err != nil {
		return err
	}
	res := lock.res
	res.mu.Lock()
	if !res.removeLock(lock) {
		res.mu.Unlock()
		return dlm.ErrNoSuchLock
	}
	lock.mu.Lock()
	lock.status = dlm.StatusCancelled
	lock.convertType = dlm.ModeInvalid
	lock.mu.Unlock()
	d.astMu.Lock()
	err := d.dropNotifications(lock)
	d.astMu.Unlock()
	res.mu.Unlock()
	if err != nil {
		return err
	}
	d.log.WithFields(lock.fields()).Debug("unlocked")

	if err := d.MarkDirtyAndWake(res); err != nil {
		return err
	}
	return d.RecomputeUsage(res)
}

// HandleGrantNotification applies a grant from the master to the
// local copy of a lock and calls its AST.
func (d *Domain) HandleGrantNotification(ctx context.Context, n dlm.Notification) error {
	res, err := d.Lookup(n.Resource)
	if err != nil {
		return err
	}
	defer d.Release(res)

	res.mu.Lock()
	if res.owner == d.node {
		res.mu.Unlock()
		return dlm.ErrNotMaster
	}
	lock := res.findLock(n.Cookie)
	if lock == nil {
		res.mu.Unlock()
		return dlm.ErrNoSuchLock
	}
	lock.mu.Lock()
	lock.mode = n.Mode
	lock.convertType = dlm.ModeInvalid
	lock.status = dlm.StatusNormal
	lock.mu.Unlock()
	res.removeLock(lock)
	res.granted = append(res.granted, lock)
	res.mu.Unlock()

	d.log.WithFields(lock.fields()).WithField("mode", n.Mode).Debug("grant from master")
	if lock.ast != nil {
		lock.ast(lock)
	}
	return nil
}

// HandleBlockNotification passes a block notification from the master
// to the local copy of a lock.
func (d *Domain) HandleBlockNotification(ctx context.Context, n dlm.Notification) error {
	res, err := d.Lookup(n.Resource)
	if err != nil {
		return err
	}
	defer d.Release(res)

	res.mu.Lock()
	if res.owner == d.node {
		res.mu.Unlock()
		return dlm.ErrNotMaster
	}
	lock := res.findLock(n.Cookie)
	res.mu.Unlock()
	if lock == nil {
		return dlm.ErrNoSuchLock
	}
	d.log.WithFields(lock.fields()).WithField("level", n.Level).Debug("block from master")
	if lock.bast != nil {
		lock.bast(lock, n.Level)
	}
	return nil
}

// HandleRemoveReference drops a remote node's interest in a resource
// this node masters.
func (d *Domain) HandleRemoveReference(ctx context.Context, ref dlm.Reference) error {
	res, err := d.Lookup(ref.Resource)
	if err != nil {
		return err
	}
	defer d.Release(res)

	res.mu.Lock()
	if res.owner != d.node {
		res.mu.Unlock()
		return dlm.ErrNotMaster
	}
	res.refmap.Clear(ref.Node)
	res.mu.Unlock()
	d.resLog(res).WithField("from", ref.Node).Debug("reference dropped")
	d.metrics.referencesDropped.Inc()

	return d.RecomputeUsage(res)
}
