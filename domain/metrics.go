// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import "github.com/prometheus/client_golang/prometheus"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diffeo",
			Subsystem: "dlm",
			Name:      name,
			Help:      help,
		},
		append([]string{"domain"}, labels...),
	)
}

var (
	resourcesCreatedTotal = counterVec("resources_created_total",
		"Lock resources created")
	purgedTotal = counterVec("resources_purged_total",
		"Lock resources purged")
	purgeFailuresTotal = counterVec("purge_failures_total",
		"Remove-reference messages the master rejected")
	referencesDroppedTotal = counterVec("references_dropped_total",
		"Remote references dropped on resources mastered here")
	shuffledTotal = counterVec("dirty_processed_total",
		"Dirty resources shuffled by the domain worker")
	deferredTotal = counterVec("dirty_deferred_total",
		"Dirty resources put back because they were busy")
	grantsTotal = counterVec("grants_total",
		"Locks granted or converted")
	blocksTotal = counterVec("blocks_total",
		"Block notifications queued")
	deliveredTotal = counterVec("notifications_delivered_total",
		"Notifications delivered", "kind", "target")
	deliveryFailuresTotal = counterVec("notification_failures_total",
		"Notifications the messenger could not deliver", "kind")
)

// Collectors returns the metrics this package maintains, for the
// caller to register.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		resourcesCreatedTotal,
		purgedTotal,
		purgeFailuresTotal,
		referencesDroppedTotal,
		shuffledTotal,
		deferredTotal,
		grantsTotal,
		blocksTotal,
		deliveredTotal,
		deliveryFailuresTotal,
	}
}

// domainMetrics holds the package metrics curried with one domain's
// label.
type domainMetrics struct {
	resourcesCreated  prometheus.Counter
	purged            prometheus.Counter
	purgeFailures     prometheus.Counter
	referencesDropped prometheus.Counter
	shuffled          prometheus.Counter
	deferred          prometheus.Counter
	grants            prometheus.Counter
	blocks            prometheus.Counter
	delivered         *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
}

func newDomainMetrics(name string) *domainMetrics {
	labels := prometheus.Labels{"domain": name}
	return &domainMetrics{
		resourcesCreated:  resourcesCreatedTotal.With(labels),
		purged:            purgedTotal.With(labels),
		purgeFailures:     purgeFailuresTotal.With(labels),
		referencesDropped: referencesDroppedTotal.With(labels),
		shuffled:          shuffledTotal.With(labels),
		deferred:          deferredTotal.With(labels),
		grants:            grantsTotal.With(labels),
		blocks:            blocksTotal.With(labels),
		delivered:         deliveredTotal.MustCurryWith(labels),
		deliveryFailures:  deliveryFailuresTotal.MustCurryWith(labels),
	}
}
