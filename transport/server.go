// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// Server dispatches incoming HTTP messages to the receivers of the
// domains this node has joined.
type Server struct {
	receivers *xsync.MapOf[string, dlm.Receiver]
	log       logrus.FieldLogger
}

// NewServer creates a server with no domains.  If logger is nil, uses
// the logrus standard logger.
func NewServer(logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		receivers: xsync.NewMapOf[string, dlm.Receiver](),
		log:       logger,
	}
}

// Register routes messages for domain to r, replacing any previous
// receiver.
func (s *Server) Register(domain string, r dlm.Receiver) {
	s.receivers.Store(domain, r)
}

// Unregister stops routing messages for domain.
func (s *Server) Unregister(domain string) {
	s.receivers.Delete(domain)
}

func (s *Server) receiver(domain string) (dlm.Receiver, error) {
	r, ok := s.receivers.Load(domain)
	if !ok {
		return nil, ErrNoSuchDomain
	}
	return r, nil
}

// NewRouter creates a new HTTP handler that serves every message route
// under the URL path root.  For more control over this setup, create
// a mux.Router and call PopulateRouter instead.
func NewRouter(s *Server) http.Handler {
	r := mux.NewRouter()
	s.PopulateRouter(r)
	return r
}

// PopulateRouter adds the message routes to an existing
// github.com/gorilla/mux router object.
func (s *Server) PopulateRouter(r *mux.Router) {
	res := r.PathPrefix("/v1/domain/{domain}/resource/{resource}").Subrouter()
	res.Methods("POST").Path("/grant").Name("grant").Handler(&messageHandler{
		Server: s,
		Body:   true,
		Handle: func(ctx context.Context, rcv dlm.Receiver, m message) error {
			return rcv.HandleGrantNotification(ctx, m.Notification())
		},
	})
	res.Methods("POST").Path("/block").Name("block").Handler(&messageHandler{
		Server: s,
		Body:   true,
		Handle: func(ctx context.Context, rcv dlm.Receiver, m message) error {
			return rcv.HandleBlockNotification(ctx, m.Notification())
		},
	})
	res.Methods("DELETE").Path("/ref/{node:[0-9]+}").Name("ref").Handler(&messageHandler{
		Server: s,
		Handle: func(ctx context.Context, rcv dlm.Receiver, m message) error {
			return rcv.HandleRemoveReference(ctx, dlm.Reference{
				Domain:   m.Domain,
				Resource: m.Resource,
				Node:     m.Node,
			})
		},
	})
}

// message is everything parsed out of one request.
type message struct {
	Domain   string
	Resource string
	Node     dlm.NodeID
	Data     NotificationData
}

func (m message) Notification() dlm.Notification {
	return dlm.Notification{
		Domain:   m.Domain,
		Resource: m.Resource,
		Cookie:   m.Data.Cookie,
		Mode:     m.Data.Mode,
		Level:    m.Data.Level,
	}
}

type messageHandler struct {
	// Server holds the receiver registry.
	Server *Server

	// Body is true if the request carries a NotificationData.
	Body bool

	// Handle delivers the message.
	Handle func(context.Context, dlm.Receiver, message) error
}

func (h *messageHandler) parse(req *http.Request) (message, error) {
	var m message
	var err error
	vars := mux.Vars(req)
	m.Domain, err = DecodeName(vars["domain"])
	if err != nil {
		return m, errBadRequest{err}
	}
	m.Resource, err = DecodeName(vars["resource"])
	if err != nil {
		return m, errBadRequest{err}
	}
	if node, present := vars["node"]; present {
		m.Node, err = ParseNodeID(node)
		if err != nil {
			return m, errBadRequest{err}
		}
	}
	if h.Body {
		err = Decode(req.Header.Get("Content-Type"), req.Body, &m.Data)
		if _, unsupported := err.(errUnsupportedMediaType); err != nil && !unsupported {
			err = errBadRequest{err}
		}
	}
	return m, err
}

func (h *messageHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	// Errors go back in whatever format the caller prefers.
	responseType := V1CBORMediaType
	if strings.Contains(req.Header.Get("Accept"), "json") {
		responseType = V1JSONMediaType
	}

	// Recover from panics by sending an HTTP error.
	defer func() {
		if recovered := recover(); recovered != nil {
			response := ErrorResponse{}
			response.FromPanic(recovered)
			h.Server.log.WithField("panic", response.Message).Error("message handler panicked")
			resp.Header().Set("Content-Type", responseType)
			resp.WriteHeader(http.StatusInternalServerError)
			_ = Encode(responseType, resp, response)
		}
	}()

	m, err := h.parse(req)
	var rcv dlm.Receiver
	if err == nil {
		rcv, err = h.Server.receiver(m.Domain)
	}
	if err == nil {
		err = h.Handle(req.Context(), rcv, m)
	}
	if err == nil {
		resp.WriteHeader(http.StatusNoContent)
		return
	}

	status := httpStatus(err)
	h.Server.log.WithFields(logrus.Fields{
		"path":   req.URL.Path,
		"status": status,
		"err":    err,
	}).Debug("message failed")
	response := ErrorResponse{}
	response.FromError(err)
	resp.Header().Set("Content-Type", responseType)
	resp.WriteHeader(status)
	_ = Encode(responseType, resp, response)
}

// ParseNodeID parses a decimal node number.
func ParseNodeID(s string) (dlm.NodeID, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return dlm.NodeID(n), nil
}
