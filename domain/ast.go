// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"

	"github.com/diffeo/go-dlm/dlm"
)

// queueAST lists a grant notification for lock.  If one is already
// listed this does nothing.  Otherwise it reserves a notification on
// the lock's resource, which flush releases after delivery.
func (d *Domain) queueAST(lock *Lock) {
	d.astMu.Lock()
	defer d.astMu.Unlock()
	if lock.astListed {
		return
	}
	lock.res.reserve()
	lock.astListed = true
	lock.astPending = true
	d.pendingASTs = append(d.pendingASTs, lock)
}

// queueBAST lists a block notification for lock, the same way as
// queueAST.
func (d *Domain) queueBAST(lock *Lock) {
	d.astMu.Lock()
	defer d.astMu.Unlock()
	if lock.bastListed {
		return
	}
	lock.res.reserve()
	lock.bastListed = true
	lock.bastPending = true
	d.pendingBASTs = append(d.pendingBASTs, lock)
	d.metrics.blocks.Inc()
}

// dropNotifications unlists any notifications still waiting for
// lock and releases their reservations.  A notification already being
// delivered is not affected.  The caller holds d.astMu.
func (d *Domain) dropNotifications(lock *Lock) error {
	var err error
	if lock.astListed {
		d.pendingASTs = unlist(d.pendingASTs, lock)
		lock.astListed = false
		lock.astPending = false
		err = lock.res.release()
	}
	if lock.bastListed {
		d.pendingBASTs = unlist(d.pendingBASTs, lock)
		lock.bastListed = false
		lock.bastPending = false
		lock.mu.Lock()
		lock.highestBlocked = dlm.ModeInvalid
		lock.mu.Unlock()
		if rerr := lock.res.release(); err == nil {
			err = rerr
		}
	}
	return err
}

func unlist(locks []*Lock, lock *Lock) []*Lock {
	for i, l := range locks {
		if l == lock {
			copy(locks[i:], locks[i+1:])
			locks[len(locks)-1] = nil
			return locks[:len(locks)-1]
		}
	}
	return locks
}

// flush delivers every listed notification, grants first.  The
// dispatcher lock is dropped around each delivery, so a notification
// queued meanwhile, even for the lock being delivered, is picked up by
// this same flush.
func (d *Domain) flush() error {
	d.astMu.Lock()
	defer d.astMu.Unlock()

	for len(d.pendingASTs) != 0 {
		lock := d.pendingASTs[0]
		d.pendingASTs[0] = nil
		d.pendingASTs = d.pendingASTs[1:]
		if !lock.astPending {
			return dlm.Invariantf(lock.res.name, "listed grant for lock %v is not pending", lock.cookie)
		}
		lock.astListed = false

		d.astMu.Unlock()
		d.deliverAST(lock)
		d.astMu.Lock()

		if lock.astListed {
			d.log.WithFields(lock.fields()).Debug("grant queued again during delivery")
		} else {
			lock.astPending = false
		}
		if err := lock.res.release(); err != nil {
			return err
		}
	}

	for len(d.pendingBASTs) != 0 {
		lock := d.pendingBASTs[0]
		d.pendingBASTs[0] = nil
		d.pendingBASTs = d.pendingBASTs[1:]
		if !lock.bastPending {
			return dlm.Invariantf(lock.res.name, "listed block for lock %v is not pending", lock.cookie)
		}
		lock.bastListed = false

		lock.mu.Lock()
		level := lock.highestBlocked
		lock.highestBlocked = dlm.ModeInvalid
		lock.mu.Unlock()
		if level <= dlm.ModeInvalid {
			return dlm.Invariantf(lock.res.name, "block for lock %v at level %v", lock.cookie, level)
		}

		d.astMu.Unlock()
		d.deliverBAST(lock, level)
		d.astMu.Lock()

		if lock.bastListed {
			d.log.WithFields(lock.fields()).Debug("block queued again during delivery")
		} else {
			lock.bastPending = false
		}
		if err := lock.res.release(); err != nil {
			return err
		}
	}

	return nil
}

func (d *Domain) notification(lock *Lock, level dlm.Mode) dlm.Notification {
	return dlm.Notification{
		Domain:   d.name,
		Resource: lock.res.name,
		Cookie:   lock.cookie,
		Mode:     lock.Mode(),
		Level:    level,
	}
}

func (d *Domain) deliverAST(lock *Lock) {
	if lock.node == d.node {
		d.metrics.delivered.WithLabelValues("ast", "local").Inc()
		if lock.ast != nil {
			lock.ast(lock)
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.MessageTimeout)
	defer cancel()
	err := d.cfg.Messenger.SendGrantNotification(ctx, lock.node, d.notification(lock, dlm.ModeInvalid))
	if err != nil {
		d.metrics.deliveryFailures.WithLabelValues("ast").Inc()
		d.log.WithFields(lock.fields()).WithError(err).Error("grant notification failed")
		return
	}
	d.metrics.delivered.WithLabelValues("ast", "remote").Inc()
}

func (d *Domain) deliverBAST(lock *Lock, level dlm.Mode) {
	if lock.node == d.node {
		d.metrics.delivered.WithLabelValues("bast", "local").Inc()
		if lock.bast != nil {
			lock.bast(lock, level)
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.MessageTimeout)
	defer cancel()
	err := d.cfg.Messenger.SendBlockNotification(ctx, lock.node, d.notification(lock, level))
	if err != nil {
		d.metrics.deliveryFailures.WithLabelValues("bast").Inc()
		d.log.WithFields(lock.fields()).WithError(err).Error("block notification failed")
		return
	}
	d.metrics.delivered.WithLabelValues("bast", "remote").Inc()
}
