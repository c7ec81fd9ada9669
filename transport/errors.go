// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/diffeo/go-dlm/dlm"
)

// ErrNoSuchDomain is returned when a message names a domain that has
// no receiver on the destination node.
var ErrNoSuchDomain = errors.New("transport: no such lock domain on this node")

// ErrUnknownNode is returned when sending to a node with no known
// address.  It wraps dlm.ErrNodeDown: a node we cannot reach is down
// as far as the lock manager is concerned.
var ErrUnknownNode = fmt.Errorf("transport: unknown node: %w", dlm.ErrNodeDown)

// ErrorStatus describes errors that correspond to specific HTTP status
// codes.
type ErrorStatus interface {
	// HTTPStatus returns the HTTP status code for this error.
	HTTPStatus() int
}

// errUnsupportedMediaType is returned from Decode() if the provided
// Content-Type: is unrecognized.
type errUnsupportedMediaType struct {
	Type string
}

func (e errUnsupportedMediaType) Error() string {
	return fmt.Sprintf("Unsupported media type %q", e.Type)
}

func (e errUnsupportedMediaType) HTTPStatus() int {
	return http.StatusUnsupportedMediaType
}

// errBadRequest is returned when there is an error decoding the URL,
// HTTP headers or the request body.
type errBadRequest struct {
	Err error
}

func (e errBadRequest) Error() string {
	return e.Err.Error()
}

func (e errBadRequest) HTTPStatus() int {
	return http.StatusBadRequest
}

func (e errBadRequest) Unwrap() error {
	return e.Err
}

// httpStatus picks the response status for a handler error.
func httpStatus(err error) int {
	var errS ErrorStatus
	if errors.As(err, &errS) {
		return errS.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrNoSuchDomain),
		errors.Is(err, dlm.ErrNoSuchResource),
		errors.Is(err, dlm.ErrNoSuchLock):
		return http.StatusNotFound
	case errors.Is(err, dlm.ErrNotMaster):
		return http.StatusConflict
	case errors.Is(err, dlm.ErrLeaving),
		errors.Is(err, dlm.ErrDomainAborted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorHTTP is a catch-all error for non-successes returned from the
// HTTP endpoint that could not be decoded as an ErrorResponse.
type ErrorHTTP struct {
	// Response holds a pointer to the failing HTTP response.
	Response *http.Response

	// Body holds the contents of the message body, presumed to
	// be text.
	Body string
}

func (e ErrorHTTP) Error() string {
	return e.Response.Status
}
