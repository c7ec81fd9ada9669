// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"
	"errors"

	"github.com/diffeo/go-dlm/dlm"
)

// runPurge evicts unused resources from the purge list, oldest first.
// Unless force is set, it stops at the first resource that has not
// been unused for the purge interval.  It looks at no more resources
// than were on the list when it started.
//
// A resource mastered elsewhere is only evicted once the master has
// been told to drop this node's reference.  If that fails for any
// reason other than the master being down, the pass stops and returns
// a *dlm.RemoveReferenceError; the resource stays on the list for the
// next pass.
func (d *Domain) runPurge(force bool) error {
	d.sem.Lock()
	defer d.sem.Unlock()

	err := d.purgeList(force)
	var rrErr *dlm.RemoveReferenceError
	if err == nil || errors.As(err, &rrErr) {
		d.lastPurgeErr = err
	}
	return err
}

// purgeList does the work of runPurge.  The caller holds the domain
// lock; it is dropped and retaken around remote calls.
func (d *Domain) purgeList(force bool) error {
	candidates := d.purge.Snapshot(d.purge.Len())
	for _, res := range candidates {
		if !d.purge.Contains(res) {
			continue
		}
		res.mu.Lock()
		if res.state.Has(dlm.StateDroppingRef) {
			res.mu.Unlock()
			continue
		}
		unused, err := d.unused(res)
		if err != nil {
			res.mu.Unlock()
			return err
		}
		if !unused {
			res.mu.Unlock()
			continue
		}
		if !force && d.clock.Now().Before(res.lastUsed.Add(d.cfg.PurgeInterval)) {
			res.mu.Unlock()
			break
		}

		res.get()
		err = d.purgeResource(res)
		if perr := res.put(); err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// purgeResource evicts one resource.  The caller holds the domain lock
// and the resource lock.  It returns with the domain lock held and the
// resource lock released.
func (d *Domain) purgeResource(res *Resource) error {
	log := d.resLog(res)
	if res.owner != d.node {
		res.setState(dlm.StateDroppingRef)
		res.mu.Unlock()
		d.sem.Unlock()

		res.mu.Lock()
		res.waitOnFlags(dlm.StateMigrating | dlm.StateSetRefInProgress)
		master := res.owner
		res.mu.Unlock()

		ref := dlm.Reference{Domain: d.name, Resource: res.name, Node: d.node}
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.MessageTimeout)
		err := d.cfg.Messenger.SendRemoveReference(ctx, master, ref)
		cancel()
		if err != nil {
			if !d.cfg.Membership.IsNodeDown(err) {
				d.metrics.purgeFailures.Inc()
				log.WithError(err).WithField("master", master).Error("could not drop reference")
				res.mu.Lock()
				res.clearState(dlm.StateDroppingRef)
				res.mu.Unlock()
				d.sem.Lock()
				return &dlm.RemoveReferenceError{Resource: res.name, Master: master, Err: err}
			}
			// The master is gone; recovery will forget our
			// reference along with everything else.
			log.WithError(err).WithField("master", master).Warn("master is down, dropping reference anyway")
		}

		d.sem.Lock()
		res.mu.Lock()
		if d.purge.Remove(res) {
			if err := res.put(); err != nil {
				res.mu.Unlock()
				return err
			}
		}
		if unused, err := d.unused(res); err != nil || !unused {
			res.clearState(dlm.StateDroppingRef)
			res.mu.Unlock()
			if err != nil {
				return err
			}
			return dlm.Invariantf(res.name, "resource was used while dropping its reference")
		}
	} else if d.purge.Remove(res) {
		if err := res.put(); err != nil {
			res.mu.Unlock()
			return err
		}
	}

	err := d.unhash(res)
	res.clearState(dlm.StateDroppingRef)
	res.mu.Unlock()
	if err != nil {
		return err
	}
	d.metrics.purged.Inc()
	log.Debug("purged resource")
	return nil
}
