// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/diffeo/go-dlm/dlm"
)

// LaunchWorker starts the domain's worker goroutine.  It returns
// dlm.ErrWorkerRunning if the worker is already running.
func (d *Domain) LaunchWorker() error {
	if err := d.Err(); err != nil {
		return err
	}
	d.workerMu.Lock()
	defer d.workerMu.Unlock()
	if d.stop != nil {
		return dlm.ErrWorkerRunning
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	d.log.Info("domain worker started")
	return nil
}

// StopWorker stops the worker goroutine and waits for it to exit.  It
// is a no-op if the worker is not running.  It returns the domain's
// abort error, if any.
func (d *Domain) StopWorker() error {
	d.workerMu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.workerMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
		d.log.Info("domain worker stopped")
	}
	return d.Err()
}

func (d *Domain) running() bool {
	d.workerMu.Lock()
	defer d.workerMu.Unlock()
	return d.stop != nil
}

func (d *Domain) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		more, err := d.pass()
		if err != nil {
			d.invariant(err)
			return
		}
		select {
		case d.passed <- struct{}{}:
		default:
		}
		if more {
			runtime.Gosched()
			continue
		}

		d.sem.Lock()
		idle := d.dirty.Len() == 0
		d.sem.Unlock()
		if !idle {
			runtime.Gosched()
			continue
		}
		select {
		case <-stop:
			return
		case <-d.wake:
		case <-d.clock.After(d.cfg.WorkerTimeout):
		}
	}
}

// invariant reports a corrupted-state error and aborts the domain.
func (d *Domain) invariant(err error) {
	d.log.WithError(err).Error("domain aborted")
	if d.cfg.InvariantHandler != nil {
		d.cfg.InvariantHandler(err)
	}
	d.abort(err)
}

// pass runs one iteration of the worker: purge, process dirty
// resources, deliver notifications.  It returns true if it stopped
// early with dirty resources left over.  Any error it returns means
// the domain's state is corrupt.
func (d *Domain) pass() (bool, error) {
	err := d.runPurge(d.isLeaving())
	var rrErr *dlm.RemoveReferenceError
	if errors.As(err, &rrErr) {
		d.log.WithError(err).Warn("purge pass stopped early")
	} else if err != nil {
		return false, err
	}

	more, err := d.processDirty()
	if err != nil {
		return false, err
	}
	if err := d.flush(); err != nil {
		return false, err
	}
	return more, nil
}

// processDirty shuffles up to MaxDirty resources off the dirty list.
// It returns true if it hit that limit and more remain.
func (d *Domain) processDirty() (bool, error) {
	d.sem.Lock()
	defer d.sem.Unlock()

	for n := 0; n < d.cfg.MaxDirty; n++ {
		res := d.dirty.Front()
		if res == nil {
			return false, nil
		}

		// Trade the dirty list's reference for our own.
		res.get()
		res.mu.Lock()
		d.dirty.Remove(res)
		res.mu.Unlock()
		if err := res.put(); err != nil {
			return false, err
		}

		d.sem.Unlock()
		requeue, err := d.processResource(res)
		d.sem.Lock()

		if err == nil && requeue {
			res.mu.Lock()
			d.markDirty(res)
			res.mu.Unlock()
		}
		if perr := res.put(); err == nil {
			err = perr
		}
		if err != nil {
			return false, err
		}
	}
	return d.dirty.Len() != 0, nil
}

// processResource shuffles one dirty resource.  It returns true if
// the resource is busy and should go back on the dirty list.
func (d *Domain) processResource(res *Resource) (bool, error) {
	res.mu.Lock()
	if res.owner != d.node {
		res.mu.Unlock()
		return false, dlm.Invariantf(res.name, "dirty resource is mastered by %v", res.owner)
	}
	if res.state.Has(dlm.StateMigrating) {
		res.mu.Unlock()
		return false, dlm.Invariantf(res.name, "dirty resource is migrating")
	}
	if res.state.Has(dlm.StateInProgress | dlm.StateRecovering) {
		res.state &^= dlm.StateDirty
		res.mu.Unlock()
		d.metrics.deferred.Inc()
		d.resLog(res).Debug("resource is busy, trying again later")
		return true, nil
	}

	err := d.shuffle(res)
	res.state &^= dlm.StateDirty
	res.mu.Unlock()
	if err != nil {
		return false, err
	}
	d.metrics.shuffled.Inc()
	return false, d.recomputeUsage(res)
}

// Leave shuts the domain down.  New resources and locks are refused,
// and the worker purges every unused resource without waiting for the
// purge interval.  Leave returns once every resource is gone and the
// worker has stopped.  If ctx ends first, it stops the worker anyway
// and returns the last purge failure, or ctx's error.
func (d *Domain) Leave(ctx context.Context) error {
	atomic.StoreInt32(&d.leaving, 1)
	d.log.Info("leaving domain")

	if !d.running() {
		if err := d.Err(); err != nil {
			return err
		}
		if err := d.runPurge(true); err != nil {
			return err
		}
		if n := d.count(); n != 0 {
			return fmt.Errorf("dlm: %d resources still in use", n)
		}
		return nil
	}

	d.workerMu.Lock()
	done := d.done
	d.workerMu.Unlock()
	for d.count() != 0 {
		d.kick()
		select {
		case <-done:
			// The worker aborted.
			return d.StopWorker()
		case <-ctx.Done():
			d.sem.Lock()
			err := d.lastPurgeErr
			d.sem.Unlock()
			if err == nil {
				err = ctx.Err()
			}
			if serr := d.StopWorker(); serr != nil {
				return serr
			}
			return err
		case <-d.passed:
		}
	}
	return d.StopWorker()
}

func (d *Domain) count() int {
	d.sem.Lock()
	defer d.sem.Unlock()
	return len(d.resources)
}
