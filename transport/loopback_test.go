// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/stretchr/testify/assert"
)

// cluster is a pair of domains named "test" on nodes 1 and 2, joined
// by a loopback network.  Node 1 masters everything.
type cluster struct {
	*assert.Assertions
	Network *Network
	Master  *domain.Domain
	Peer    *domain.Domain
}

func newCluster(t *testing.T) *cluster {
	net := NewNetwork()
	mock := clock.NewMock()
	c := &cluster{
		Assertions: assert.New(t),
		Network:    net,
		Master: domain.New(domain.Config{
			Name:      "test",
			Node:      1,
			Clock:     mock,
			Messenger: net.Messenger(1),
		}),
		Peer: domain.New(domain.Config{
			Name:      "test",
			Node:      2,
			Clock:     mock,
			Messenger: net.Messenger(2),
		}),
	}
	net.Attach(1, "test", c.Master)
	net.Attach(2, "test", c.Peer)
	return c
}

func wait(t *testing.T, ch <-chan dlm.Mode, what string) dlm.Mode {
	select {
	case mode := <-ch:
		return mode
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", what)
		return dlm.ModeInvalid
	}
}

func TestLoopbackNotifications(t *testing.T) {
	c := newCluster(t)
	granted := make(chan dlm.Mode, 1)
	blocked := make(chan dlm.Mode, 1)

	// The peer's local copy of its lock.
	peerRes, err := c.Peer.AdoptResource("r", 1)
	if !c.NoError(err) {
		return
	}
	peerLock, err := c.Peer.Lock(peerRes, domain.LockRequest{
		Mode:   dlm.ModeExclusive,
		Cookie: "c",
		AST:    func(l *domain.Lock) { granted <- l.Mode() },
		BAST:   func(l *domain.Lock, level dlm.Mode) { blocked <- level },
	})
	if !c.NoError(err) {
		return
	}

	// The master's copy of the same lock.
	res, err := c.Master.Resource("r")
	if !c.NoError(err) {
		return
	}
	masterLock, err := c.Master.RemoteLock(res, 2, domain.LockRequest{
		Mode:   dlm.ModeExclusive,
		Cookie: "c",
	})
	if !c.NoError(err) {
		return
	}
	c.Equal([]dlm.NodeID{2}, res.References())

	c.NoError(c.Master.LaunchWorker())
	defer c.Master.StopWorker()

	c.Equal(dlm.ModeExclusive, wait(t, granted, "grant"))
	c.Equal([]*domain.Lock{peerLock}, peerRes.Granted())
	c.Equal(dlm.StatusNormal, peerLock.Status())

	// A local request on the master now blocks the peer.
	_, err = c.Master.Lock(res, domain.LockRequest{Mode: dlm.ModeProtectedRead})
	c.NoError(err)
	c.Equal(dlm.ModeProtectedRead, wait(t, blocked, "block"))

	// The peer gives up its lock and its copy of the resource; the
	// master hears about it.
	c.NoError(c.Peer.Unlock(peerLock))
	c.NoError(c.Peer.Release(peerRes))
	c.NoError(c.Master.Unlock(masterLock))
	c.NoError(c.Peer.Leave(context.Background()))
	c.Empty(res.References())
	c.NoError(c.Master.Release(res))
}

func TestLoopbackMasterDown(t *testing.T) {
	c := newCluster(t)
	res, err := c.Master.Resource("r")
	if !c.NoError(err) {
		return
	}
	c.Master.SetReference(res, 2)

	peerRes, err := c.Peer.AdoptResource("r", 1)
	if !c.NoError(err) {
		return
	}
	c.NoError(c.Peer.RecomputeUsage(peerRes))
	c.NoError(c.Peer.Release(peerRes))

	// A dead master cannot be holding our reference, so the peer
	// purges anyway.
	c.Network.SetDown(1, true)
	c.NoError(c.Peer.Leave(context.Background()))
	_, err = c.Peer.Lookup("r")
	c.Equal(dlm.ErrNoSuchResource, err)
	c.Equal([]dlm.NodeID{2}, res.References())
}

func TestLoopbackErrors(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m := c.Network.Messenger(2)

	err := m.SendRemoveReference(ctx, 1, dlm.Reference{Domain: "test", Resource: "nope", Node: 2})
	c.True(errors.Is(err, dlm.ErrNoSuchResource))

	err = m.SendGrantNotification(ctx, 1, dlm.Notification{Domain: "other", Resource: "r"})
	c.True(errors.Is(err, ErrNoSuchDomain))

	c.Network.Detach(1, "test")
	err = m.SendBlockNotification(ctx, 1, dlm.Notification{Domain: "test", Resource: "r"})
	c.True(errors.Is(err, ErrNoSuchDomain))

	c.Network.SetDown(3, true)
	err = m.SendBlockNotification(ctx, 3, dlm.Notification{Domain: "test", Resource: "r"})
	c.True(dlm.IsNodeDown(err))
	c.Network.SetDown(3, false)
	err = m.SendBlockNotification(ctx, 3, dlm.Notification{Domain: "test", Resource: "r"})
	c.False(dlm.IsNodeDown(err))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = m.SendGrantNotification(cancelled, 1, dlm.Notification{Domain: "test", Resource: "r"})
	c.Equal(context.Canceled, err)
}
