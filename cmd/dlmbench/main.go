// Copyright 2016-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dlmbench provides a load-generation tool for the lock
// manager.  It runs a small cluster in one process, joined by the
// loopback transport, with node 1 mastering every resource and the
// other nodes holding locks on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/diffeo/go-dlm/transport"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

type bench struct {
	Master      *domain.Domain
	Peers       []*domain.Domain
	Resources   []string
	Concurrency int
	Timeout     time.Duration
	Shared      float64

	granted int64
}

// newBench builds a cluster of nodes nodes sharing one domain.
func newBench(nodes int, logger logrus.FieldLogger) *bench {
	net := transport.NewNetwork()
	b := &bench{}
	for node := 1; node <= nodes; node++ {
		id := dlm.NodeID(node)
		d := domain.New(domain.Config{
			Name:      "bench",
			Node:      id,
			Messenger: net.Messenger(id),
			Logger:    logger,
		})
		net.Attach(id, "bench", d)
		if node == 1 {
			b.Master = d
		} else {
			b.Peers = append(b.Peers, d)
		}
	}
	return b
}

func (b *bench) mode() dlm.Mode {
	if rand.Float64() < b.Shared {
		return dlm.ModeProtectedRead
	}
	return dlm.ModeExclusive
}

// cycle takes, maybe converts, and drops one lock on a random
// resource, on behalf of a random node.
func (b *bench) cycle(ctx context.Context) error {
	name := b.Resources[rand.Intn(len(b.Resources))]
	holder := rand.Intn(len(b.Peers) + 1)
	granted := make(chan struct{}, 1)
	ast := func(*domain.Lock) {
		granted <- struct{}{}
	}
	req := domain.LockRequest{
		Mode:   b.mode(),
		Cookie: uuid.NewV4().String(),
	}

	res, err := b.Master.Resource(name)
	if err != nil {
		return err
	}
	defer b.Master.Release(res)

	var peer *domain.Domain
	var peerRes *domain.Resource
	var peerLock *domain.Lock
	if holder > 0 {
		peer = b.Peers[holder-1]
		peerRes, err = peer.AdoptResource(name, b.Master.Node())
		if err != nil {
			return err
		}
		defer peer.Release(peerRes)
		peerReq := req
		peerReq.AST = ast
		peerLock, err = peer.Lock(peerRes, peerReq)
		if err != nil {
			return err
		}
	} else {
		req.AST = ast
	}

	var lock *domain.Lock
	if peer != nil {
		lock, err = b.Master.RemoteLock(res, peer.Node(), req)
	} else {
		lock, err = b.Master.Lock(res, req)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	wait := func() error {
		select {
		case <-granted:
			atomic.AddInt64(&b.granted, 1)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("lock on %v: %w", name, ctx.Err())
		}
	}
	if err := wait(); err != nil {
		return err
	}

	// Sometimes down-convert an exclusive lock before dropping it.
	if req.Mode == dlm.ModeExclusive && rand.Intn(2) == 0 {
		if peerLock != nil {
			if err := peer.Convert(peerLock, dlm.ModeProtectedRead); err != nil {
				return err
			}
		}
		if err := b.Master.Convert(lock, dlm.ModeProtectedRead); err != nil {
			return err
		}
		if err := wait(); err != nil {
			return err
		}
	}

	if peerLock != nil {
		if err := peer.Unlock(peerLock); err != nil {
			return err
		}
	}
	return b.Master.Unlock(lock)
}

// run performs count cycles spread across the configured concurrency.
func (b *bench) run(ctx context.Context, count int) error {
	var remaining = int64(count)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.Concurrency; i++ {
		g.Go(func() error {
			for atomic.AddInt64(&remaining, -1) >= 0 {
				if err := b.cycle(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// shutdown leaves the domain on every node, peers first so their
// reference drops reach the master.
func (b *bench) shutdown(ctx context.Context) error {
	var first error
	for _, d := range append(b.Peers, b.Master) {
		if err := d.Leave(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"node": d.Node(),
				"err":  err,
			}).Error("could not leave")
			if first == nil {
				first = fmt.Errorf("node %v: %w", d.Node(), err)
			}
		}
	}
	return first
}

func main() {
	app := cli.NewApp()
	app.Usage = "benchmark the lock manager scheduling engine"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "nodes",
			Value: 3,
			Usage: "number of nodes in the cluster",
		},
		cli.IntFlag{
			Name:  "resources",
			Value: 16,
			Usage: "number of distinct lock resources",
		},
		cli.IntFlag{
			Name:  "count",
			Value: 10000,
			Usage: "number of lock/unlock cycles",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Value: runtime.NumCPU(),
			Usage: "run this many lockers in parallel",
		},
		cli.Float64Flag{
			Name:  "shared",
			Value: 0.5,
			Usage: "fraction of requests that are protected-read",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "give up on a single lock after this long",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log every engine event",
		},
	}
	app.Action = func(c *cli.Context) error {
		if c.Int("nodes") < 1 || c.Int("resources") < 1 || c.Int("concurrency") < 1 {
			return errors.New("nodes, resources and concurrency must be positive")
		}
		logger := logrus.New()
		if c.Bool("debug") {
			logger.Level = logrus.DebugLevel
		} else {
			logger.Level = logrus.WarnLevel
		}

		b := newBench(c.Int("nodes"), logger)
		b.Concurrency = c.Int("concurrency")
		b.Timeout = c.Duration("timeout")
		b.Shared = c.Float64("shared")
		for i := 0; i < c.Int("resources"); i++ {
			b.Resources = append(b.Resources, fmt.Sprintf("res%04d", i))
		}
		if err := b.Master.LaunchWorker(); err != nil {
			return err
		}

		start := time.Now()
		err := b.run(context.Background(), c.Int("count"))
		elapsed := time.Since(start)
		if err != nil {
			b.Master.StopWorker()
			return err
		}
		logrus.WithFields(logrus.Fields{
			"granted":  atomic.LoadInt64(&b.granted),
			"elapsed":  elapsed,
			"per_lock": elapsed / time.Duration(c.Int("count")),
		}).Info("done")

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return b.shutdown(ctx)
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithField("err", err).Fatal("dlmbench failed")
	}
}
