// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dlmd runs one node of the distributed lock manager.  It
// joins the configured lock domains, runs each domain's worker, and
// serves the inter-node messages over HTTP.  On SIGINT or SIGTERM it
// leaves every domain, telling the resource masters it no longer holds
// references, before exiting.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/diffeo/go-dlm/transport"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	peers := transport.Peers{}
	app := cli.NewApp()
	app.Name = "dlmd"
	app.Usage = "run a distributed lock manager node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			EnvVar: "DLM_CONFIG",
			Usage:  "YAML configuration file",
		},
		cli.IntFlag{
			Name:   "node",
			EnvVar: "DLM_NODE",
			Usage:  "this node's number",
		},
		cli.StringSliceFlag{
			Name:   "domain",
			EnvVar: "DLM_DOMAINS",
			Usage:  "lock domain to join",
		},
		cli.GenericFlag{
			Name:   "peer",
			Value:  peers,
			EnvVar: "DLM_PEERS",
			Usage:  "node=url of another node",
		},
		cli.StringFlag{
			Name:   "http",
			EnvVar: "DLM_HTTP",
			Usage:  "[ip]:port for the HTTP interface",
		},
		cli.StringFlag{
			Name:   "log-level",
			EnvVar: "DLM_LOG_LEVEL",
			Usage:  "minimum level of log messages",
		},
		cli.BoolFlag{
			Name:  "log-requests",
			Usage: "log all HTTP requests",
		},
	}
	app.Action = func(c *cli.Context) error {
		cfg, err := configure(c)
		if err != nil {
			return err
		}
		return run(cfg, peers, c.Bool("log-requests"))
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithFields(logrus.Fields{
			"err": err,
		}).Fatal("dlmd failed")
	}
}

// configure reads the configuration file, if any, and applies the
// command-line overrides.
func configure(c *cli.Context) (Config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		raw, err := loadConfigYaml(path)
		if err != nil {
			return cfg, err
		}
		if err := decodeConfig(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("node") {
		cfg.Node = dlm.NodeID(c.Int("node"))
	}
	if c.IsSet("domain") {
		cfg.Domains = c.StringSlice("domain")
	}
	if c.IsSet("http") {
		cfg.HTTP = c.String("http")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, cfg.validate()
}

func run(cfg Config, extraPeers transport.Peers, logRequests bool) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logger := logrus.StandardLogger()

	peers, err := cfg.peerTable(extraPeers)
	if err != nil {
		return err
	}
	client := transport.NewClient(peers)
	server := transport.NewServer(logger)

	domains := make([]*domain.Domain, 0, len(cfg.Domains))
	for _, name := range cfg.Domains {
		dc := cfg.domainConfig(name, client)
		dc.Logger = logger
		d := domain.New(dc)
		if err := d.LaunchWorker(); err != nil {
			return err
		}
		server.Register(name, d)
		domains = append(domains, d)
	}

	var reqLogger logrus.FieldLogger
	if logRequests {
		reqLogger = logger
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTP,
		Handler: newHandler(server, domains, reqLogger),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"node": cfg.Node,
			"http": cfg.HTTP,
		}).Info("serving")
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		observe(ctx, clock.New(), cfg.MetricsInterval, domains)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// The HTTP server stays up until every domain has left.
		err := leave(cfg.LeaveTimeout, domains, logger)
		for _, d := range domains {
			server.Unregister(d.Name())
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaveTimeout)
		defer cancel()
		return firstError(err, httpServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// leave leaves every domain in parallel.
func leave(timeout time.Duration, domains []*domain.Domain, logger logrus.FieldLogger) error {
	var g errgroup.Group
	for _, d := range domains {
		d := d
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := d.Leave(ctx)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"domain": d.Name(),
					"err":    err,
				}).Error("could not leave domain cleanly")
			}
			return err
		})
	}
	return g.Wait()
}

func firstError(e1, e2 error) error {
	if e1 != nil {
		return e1
	}
	return e2
}
