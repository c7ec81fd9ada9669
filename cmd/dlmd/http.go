// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net/http"
	"time"

	"github.com/diffeo/go-dlm/domain"
	"github.com/diffeo/go-dlm/transport"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

// newHandler builds the daemon's HTTP interface: the inter-node
// message routes, plus /status and /metrics.  If reqLogger is non-nil
// every request is logged to it.
func newHandler(server *transport.Server, domains []*domain.Domain, reqLogger logrus.FieldLogger) http.Handler {
	r := mux.NewRouter()
	server.PopulateRouter(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Methods("GET").Path("/status").Handler(statusHandler(domains))

	n := negroni.New(negroni.NewRecovery())
	if reqLogger != nil {
		n.Use(requestLogger(reqLogger))
	}
	n.UseHandler(r)
	return n
}

// statusHandler reports the summary of every domain as JSON.
func statusHandler(domains []*domain.Domain) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		summaries := make([]domain.Summary, len(domains))
		for i, d := range domains {
			summaries[i] = d.Summarize()
		}
		resp.Header().Set("Content-Type", "application/json")
		_ = transport.Encode("application/json", resp, summaries)
	})
}

func requestLogger(logger logrus.FieldLogger) negroni.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request, next http.HandlerFunc) {
		start := time.Now()
		next(rw, req)
		res := rw.(negroni.ResponseWriter)
		logger.WithFields(logrus.Fields{
			"method":   req.Method,
			"path":     req.URL.Path,
			"status":   res.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}
