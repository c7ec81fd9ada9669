// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/diffeo/go-dlm/dlm"
)

// Resource is one lock resource: a name, a master node and three
// queues of locks.
//
// Resources are reference counted.  The domain's lookup table owns one
// reference for as long as the resource is reachable by name; the dirty
// list and the purge list each own one while the resource is on them;
// every caller of Domain.Resource owns one until Domain.Release.  When
// the count reaches zero the resource is dead.
type Resource struct {
	name string

	// mu protects everything below except the atomics.  It nests
	// inside the domain lock.
	mu sync.Mutex

	// wq is signaled whenever state flags are cleared.
	wq *sync.Cond

	owner      dlm.NodeID
	state      dlm.State
	granted    []*Lock
	converting []*Lock
	blocked    []*Lock
	refmap     dlm.NodeSet
	inflight   int
	lastUsed   time.Time

	refs     int32
	reserved int32
	freed    int32
}

func newResource(name string, owner dlm.NodeID) *Resource {
	res := &Resource{
		name:  name,
		owner: owner,
		refs:  1,
	}
	res.wq = sync.NewCond(&res.mu)
	return res
}

// Name returns the resource's domain-unique name.
func (res *Resource) Name() string {
	return res.name
}

// Owner returns the master node of the resource.
func (res *Resource) Owner() dlm.NodeID {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.owner
}

// State returns the resource's current state flags.
func (res *Resource) State() dlm.State {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.state
}

// LastUsed returns the time the resource was last put on the purge
// list.
func (res *Resource) LastUsed() time.Time {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.lastUsed
}

// Granted returns a copy of the granted queue.
func (res *Resource) Granted() []*Lock {
	res.mu.Lock()
	defer res.mu.Unlock()
	return append([]*Lock(nil), res.granted...)
}

// Converting returns a copy of the converting queue.
func (res *Resource) Converting() []*Lock {
	res.mu.Lock()
	defer res.mu.Unlock()
	return append([]*Lock(nil), res.converting...)
}

// Blocked returns a copy of the blocked queue.
func (res *Resource) Blocked() []*Lock {
	res.mu.Lock()
	defer res.mu.Unlock()
	return append([]*Lock(nil), res.blocked...)
}

// References returns the nodes recorded as holding a reference.
func (res *Resource) References() []dlm.NodeID {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.refmap.Nodes()
}

// Inflight returns the number of locks created but not yet queued.
func (res *Resource) Inflight() int {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.inflight
}

// Refs returns the current reference count.
func (res *Resource) Refs() int {
	return int(atomic.LoadInt32(&res.refs))
}

// Reserved returns the number of notifications reserved and not yet
// delivered for locks on this resource.
func (res *Resource) Reserved() int {
	return int(atomic.LoadInt32(&res.reserved))
}

// Freed returns true once the last reference is gone.
func (res *Resource) Freed() bool {
	return atomic.LoadInt32(&res.freed) != 0
}

// get takes a reference.
func (res *Resource) get() {
	atomic.AddInt32(&res.refs, 1)
}

// put drops a reference.  Dropping the last one kills the resource;
// dropping one that does not exist is an invariant violation.
func (res *Resource) put() error {
	n := atomic.AddInt32(&res.refs, -1)
	if n < 0 {
		return dlm.Invariantf(res.name, "reference count dropped to %d", n)
	}
	if n == 0 {
		atomic.StoreInt32(&res.freed, 1)
	}
	return nil
}

// reserve accounts for one notification about to be queued.
func (res *Resource) reserve() {
	atomic.AddInt32(&res.reserved, 1)
}

// release accounts for one delivered notification.
func (res *Resource) release() error {
	n := atomic.AddInt32(&res.reserved, -1)
	if n < 0 {
		return dlm.Invariantf(res.name, "notification reservations dropped to %d", n)
	}
	return nil
}

// hasLocks returns true if any queue is non-empty.  The caller holds
// res.mu.
func (res *Resource) hasLocks() bool {
	return len(res.granted) != 0 || len(res.converting) != 0 || len(res.blocked) != 0
}

// setState sets flags.  The caller holds res.mu.
func (res *Resource) setState(flags dlm.State) {
	res.state |= flags
}

// clearState clears flags and wakes anyone waiting on them.  The
// caller holds res.mu.
func (res *Resource) clearState(flags dlm.State) {
	res.state &^= flags
	res.wq.Broadcast()
}

// waitOnFlags blocks until none of flags is set.  The caller holds
// res.mu; it is released while waiting and held again on return, so
// anything read before the call must be checked again afterwards.
func (res *Resource) waitOnFlags(flags dlm.State) {
	for res.state.Has(flags) {
		res.wq.Wait()
	}
}

// grabInflight records a lock being created on this resource.  The
// caller holds res.mu.
func (res *Resource) grabInflight(self dlm.NodeID) {
	res.inflight++
	res.refmap.Set(self)
}

// dropInflight records a lock being queued (or abandoned).  The
// caller holds res.mu.
func (res *Resource) dropInflight(self dlm.NodeID) error {
	if res.inflight <= 0 {
		return dlm.Invariantf(res.name, "dropping inflight reference with count %d", res.inflight)
	}
	res.inflight--
	if res.inflight == 0 {
		res.refmap.Clear(self)
	}
	return nil
}

// removeLock takes lock off whichever queue it is on.  It returns
// false if lock is not queued.  The caller holds res.mu.
func (res *Resource) removeLock(lock *Lock) bool {
	for _, q := range []*[]*Lock{&res.granted, &res.converting, &res.blocked} {
		for i, l := range *q {
			if l == lock {
				*q = append((*q)[:i], (*q)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// findLock looks for a lock by cookie on any queue.  The caller holds
// res.mu.
func (res *Resource) findLock(cookie string) *Lock {
	for _, q := range [][]*Lock{res.granted, res.converting, res.blocked} {
		for _, l := range q {
			if l.cookie == cookie {
				return l
			}
		}
	}
	return nil
}

// onQueue returns true if lock is on q.
func onQueue(q []*Lock, lock *Lock) bool {
	for _, l := range q {
		if l == lock {
			return true
		}
	}
	return false
}
