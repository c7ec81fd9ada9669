// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-dlm/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var domainSummary = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "diffeo",
		Subsystem: "dlm",
		Name:      "domain_summary",
		Help:      "Resource and queue counts per lock domain",
	},
	[]string{
		"domain",
		"queue",
	},
)

func init() {
	prometheus.MustRegister(domainSummary)
	prometheus.MustRegister(domain.Collectors()...)
}

func record(s domain.Summary) {
	counts := map[string]int{
		"resources":     s.Resources,
		"dirty":         s.Dirty,
		"purge":         s.Purge,
		"pending_asts":  s.PendingASTs,
		"pending_basts": s.PendingBASTs,
	}
	for queue, count := range counts {
		domainSummary.With(prometheus.Labels{
			"domain": s.Domain,
			"queue":  queue,
		}).Set(float64(count))
	}
}

// observe exports domain summaries every interval until ctx is done.
func observe(ctx context.Context, clk clock.Clock, interval time.Duration, domains []*domain.Domain) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		for _, d := range domains {
			record(d.Summarize())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
