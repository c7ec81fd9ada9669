// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import "github.com/diffeo/go-dlm/dlm"

// shuffle grants whatever can be granted on res.  Conversions come
// first: the head of the converting queue is tested against every
// other granted and converting lock, and if nothing conflicts it is
// granted and the converting queue is tried again.  Then the head of
// the blocked queue gets the same test.  Any grant starts the whole
// thing over, since it may have changed what the other queue can get.
//
// Only queue heads are ever granted, so a waiter is never overtaken
// by a later request on its own queue.  Once a head has been refused,
// nothing else is granted in this call; a blocked request in
// particular never gets ahead of a stuck conversion.
//
// Every granted or converting lock that conflicts with a head gets a
// block notification, at most one outstanding per lock, carrying the
// highest mode it has blocked.
//
// The caller holds the resource lock.
func (d *Domain) shuffle(res *Resource) error {
	if res.state.Has(dlm.StateMigrating | dlm.StateRecovering | dlm.StateInProgress) {
		return dlm.Invariantf(res.name, "shuffling resource in state %v", res.state)
	}

	canGrant := true
	for {
		if len(res.converting) != 0 {
			target := res.converting[0]
			want := target.ConvertType()
			if want == dlm.ModeInvalid {
				return dlm.Invariantf(res.name, "converting lock %v has no convert type", target.cookie)
			}
			if !d.checkBlockers(res, target, want) {
				canGrant = false
			}
			if canGrant {
				d.grant(res, target, want)
				continue
			}
		}

		if len(res.blocked) != 0 {
			target := res.blocked[0]
			if !d.checkBlockers(res, target, target.Mode()) {
				canGrant = false
			}
			if canGrant {
				d.grant(res, target, target.Mode())
				continue
			}
		}

		return nil
	}
}

// checkBlockers returns true if target can be granted want.  Every
// lock in its way has its highest blocked level raised and, if it
// had none, gets a block notification queued.
func (d *Domain) checkBlockers(res *Resource, target *Lock, want dlm.Mode) bool {
	ok := true
	for _, q := range [][]*Lock{res.granted, res.converting} {
		for _, lock := range q {
			if lock == target {
				continue
			}
			lock.mu.Lock()
			if d.cfg.Compatibility.Compatible(lock.mode, want) {
				lock.mu.Unlock()
				continue
			}
			ok = false
			notify := lock.highestBlocked == dlm.ModeInvalid
			if lock.highestBlocked < want {
				lock.highestBlocked = want
			}
			lock.mu.Unlock()
			if notify {
				d.queueBAST(lock)
			}
		}
	}
	return ok
}

// grant gives target mode, moves it to the tail of the granted queue
// and queues its grant notification.
func (d *Domain) grant(res *Resource, target *Lock, mode dlm.Mode) {
	target.mu.Lock()
	target.mode = mode
	target.convertType = dlm.ModeInvalid
	target.status = dlm.StatusNormal
	target.mu.Unlock()
	res.removeLock(target)
	res.granted = append(res.granted, target)
	d.metrics.grants.Inc()
	d.log.WithFields(target.fields()).WithField("mode", mode).Debug("granted")
	d.queueAST(target)
}
