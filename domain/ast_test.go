// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/diffeo/go-dlm/dlm"
)

func TestASTQueuedDuringDelivery(t *testing.T) {
	a := NewDomainAssertions(t)
	res := a.Resource("r")

	calls := 0
	var pendingDuringDelivery bool
	var lock *Lock
	lock = a.Lock(res, LockRequest{
		Mode: dlm.ModeExclusive,
		AST: func(l *Lock) {
			calls++
			if calls == 1 {
				a.Domain.queueAST(l)
				a.Domain.astMu.Lock()
				pendingDuringDelivery = l.astPending && l.astListed
				a.Domain.astMu.Unlock()
			}
		},
	})
	a.Pass()
	a.Equal(2, calls)
	a.True(pendingDuringDelivery)
	a.Domain.astMu.Lock()
	a.False(lock.astPending)
	a.False(lock.astListed)
	a.Domain.astMu.Unlock()
	a.Equal(0, res.Reserved())
}

func TestQueueASTTwiceIsOneDelivery(t *testing.T) {
	a := NewDomainAssertions(t)
	res := a.Resource("r")
	calls := 0
	lock := a.Lock(res, LockRequest{
		Mode: dlm.ModeExclusive,
		AST:  func(*Lock) { calls++ },
	})
	a.Domain.queueAST(lock)
	a.Domain.queueAST(lock)
	a.Equal(1, res.Reserved())
	a.Equal(1, a.Domain.Summarize().PendingASTs)
	a.NoError(a.Domain.flush())
	a.Equal(1, calls)
	a.Equal(0, res.Reserved())
}

func TestRemoteNotifications(t *testing.T) {
	a := NewDomainAssertions(t)
	res := a.Resource("r")

	holder, err := a.Domain.RemoteLock(res, 2, LockRequest{Mode: dlm.ModeProtectedRead, Cookie: "holder"})
	if !a.NoError(err) {
		return
	}
	a.Equal([]dlm.NodeID{2}, res.References())
	a.Pass()
	a.Equal(dlm.StatusNormal, holder.Status())

	_, err = a.Domain.RemoteLock(res, 3, LockRequest{Mode: dlm.ModeExclusive, Cookie: "waiter"})
	a.NoError(err)
	a.Pass()

	a.Messenger.mu.Lock()
	defer a.Messenger.mu.Unlock()
	a.Equal([]dlm.Notification{{
		Domain:   "test",
		Resource: "r",
		Cookie:   "holder",
		Mode:     dlm.ModeProtectedRead,
		Level:    dlm.ModeInvalid,
	}}, a.Messenger.grants)
	a.Equal([]dlm.Notification{{
		Domain:   "test",
		Resource: "r",
		Cookie:   "holder",
		Mode:     dlm.ModeProtectedRead,
		Level:    dlm.ModeExclusive,
	}}, a.Messenger.blocks)
	a.Equal([]dlm.NodeID{2, 3}, res.References())
	a.Equal(0, res.Reserved())
}

func TestNoMessengerDropsNotification(t *testing.T) {
	d := New(Config{Name: "alone", Node: 1})
	res, err := d.Resource("r")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.RemoteLock(res, 2, LockRequest{Mode: dlm.ModeNull}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.pass(); err != nil {
		t.Fatal(err)
	}
	if n := res.Reserved(); n != 0 {
		t.Errorf("%d reservations left", n)
	}
}

func TestReservationUnderflow(t *testing.T) {
	a := NewDomainAssertions(t)
	res := a.Resource("r")
	err := res.release()
	a.True(errors.Is(err, dlm.ErrInvariant), "%v", err)
}

func TestGrantNotificationFromMaster(t *testing.T) {
	a := NewDomainAssertions(t)
	res, err := a.Domain.AdoptResource("r", 2)
	if !a.NoError(err) {
		return
	}
	var granted, blocked dlm.Mode = dlm.ModeInvalid, dlm.ModeInvalid
	lock := a.Lock(res, LockRequest{
		Mode:   dlm.ModeExclusive,
		Cookie: "c",
		AST:    func(l *Lock) { granted = l.Mode() },
		BAST:   func(l *Lock, level dlm.Mode) { blocked = level },
	})
	// The master grants it, not us.
	a.Pass()
	a.Equal(dlm.StatusPending, lock.Status())
	a.Equal(0, a.Domain.Summarize().Dirty)

	n := dlm.Notification{Domain: "test", Resource: "r", Cookie: "c", Mode: dlm.ModeExclusive, Level: dlm.ModeInvalid}
	a.NoError(a.Domain.HandleGrantNotification(context.Background(), n))
	a.Equal(dlm.ModeExclusive, granted)
	a.Equal(dlm.StatusNormal, lock.Status())
	a.Equal([]*Lock{lock}, res.Granted())

	n.Level = dlm.ModeProtectedRead
	a.NoError(a.Domain.HandleBlockNotification(context.Background(), n))
	a.Equal(dlm.ModeProtectedRead, blocked)

	n.Cookie = "missing"
	a.Equal(dlm.ErrNoSuchLock, a.Domain.HandleGrantNotification(context.Background(), n))
	a.Equal(dlm.ErrNoSuchLock, a.Domain.HandleBlockNotification(context.Background(), n))
}

func TestGrantNotificationOnMaster(t *testing.T) {
	a := NewDomainAssertions(t)
	res := a.Resource("r")
	a.Lock(res, LockRequest{Mode: dlm.ModeExclusive, Cookie: "c"})
	n := dlm.Notification{Domain: "test", Resource: "r", Cookie: "c", Mode: dlm.ModeExclusive}
	a.Equal(dlm.ErrNotMaster, a.Domain.HandleGrantNotification(context.Background(), n))
}

func TestUnlockDropsListedNotifications(t *testing.T) {
	a := NewDomainAssertions(t)
	rec := &recorder{}
	res := a.Resource("r")
	lock := a.Lock(res, rec.req("A", dlm.ModeExclusive))
	a.Pass()
	a.Equal([]string{"ast A EX"}, rec.take())

	a.Domain.queueAST(lock)
	lock.mu.Lock()
	lock.highestBlocked = dlm.ModeExclusive
	lock.mu.Unlock()
	a.Domain.queueBAST(lock)
	a.Equal(2, res.Reserved())

	a.NoError(a.Domain.Unlock(lock))
	a.Equal(0, res.Reserved())
	a.Equal(dlm.ModeInvalid, lock.HighestBlocked())
	a.Equal(0, a.Domain.Summarize().PendingASTs)
	a.Equal(0, a.Domain.Summarize().PendingBASTs)

	a.NoError(a.Domain.flush())
	a.Empty(rec.take())
	a.NoError(a.Domain.Err())
}
