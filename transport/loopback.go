// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"context"
	"fmt"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/puzpuzpuz/xsync/v3"
)

type endpoint struct {
	Node   dlm.NodeID
	Domain string
}

// Network connects receivers in the same process.  Messages are
// delivered by calling the destination receiver directly, on the
// sender's goroutine.
type Network struct {
	receivers *xsync.MapOf[endpoint, dlm.Receiver]
	down      *xsync.MapOf[dlm.NodeID, bool]
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		receivers: xsync.NewMapOf[endpoint, dlm.Receiver](),
		down:      xsync.NewMapOf[dlm.NodeID, bool](),
	}
}

// Attach makes r the receiver for domain on node.
func (n *Network) Attach(node dlm.NodeID, domain string, r dlm.Receiver) {
	n.receivers.Store(endpoint{node, domain}, r)
}

// Detach removes the receiver for domain on node.
func (n *Network) Detach(node dlm.NodeID, domain string) {
	n.receivers.Delete(endpoint{node, domain})
}

// SetDown marks node as down or back up.  Messages to a down node fail
// with an error wrapping dlm.ErrNodeDown.
func (n *Network) SetDown(node dlm.NodeID, down bool) {
	if down {
		n.down.Store(node, true)
	} else {
		n.down.Delete(node)
	}
}

// Messenger returns a dlm.Messenger that sends from node from.
func (n *Network) Messenger(from dlm.NodeID) dlm.Messenger {
	return &loopback{network: n, from: from}
}

func (n *Network) receiver(node dlm.NodeID, domain string) (dlm.Receiver, error) {
	if _, down := n.down.Load(node); down {
		return nil, fmt.Errorf("node %v: %w", node, dlm.ErrNodeDown)
	}
	r, ok := n.receivers.Load(endpoint{node, domain})
	if !ok {
		return nil, fmt.Errorf("node %v domain %q: %w", node, domain, ErrNoSuchDomain)
	}
	return r, nil
}

type loopback struct {
	network *Network
	from    dlm.NodeID
}

func (l *loopback) SendRemoveReference(ctx context.Context, master dlm.NodeID, ref dlm.Reference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := l.network.receiver(master, ref.Domain)
	if err != nil {
		return err
	}
	return r.HandleRemoveReference(ctx, ref)
}

func (l *loopback) SendGrantNotification(ctx context.Context, node dlm.NodeID, n dlm.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := l.network.receiver(node, n.Domain)
	if err != nil {
		return err
	}
	return r.HandleGrantNotification(ctx, n)
}

func (l *loopback) SendBlockNotification(ctx context.Context, node dlm.NodeID, n dlm.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := l.network.receiver(node, n.Domain)
	if err != nil {
		return err
	}
	return r.HandleBlockNotification(ctx, n)
}
