// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package transport carries the lock manager's messages between
// nodes.  Network is an in-process implementation for tests and
// single-binary setups; Client and Server speak HTTP, with message
// bodies encoded as CBOR (or JSON, for humans with curl).
//
// URL Structure
//
// Every message is addressed to a resource in a domain:
//
//     POST   /v1/domain/{domain}/resource/{resource}/grant
//     POST   /v1/domain/{domain}/resource/{resource}/block
//     DELETE /v1/domain/{domain}/resource/{resource}/ref/{node}
//
// The grant and block calls carry a NotificationData body.  Domain and
// resource names that are not URL-safe are encoded with EncodeName.
// Errors come back as an ErrorResponse body with a matching HTTP
// status; well-known lock manager errors survive the round trip.
package transport

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"runtime"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/ugorji/go/codec"
)

// V1CBORMediaType is the preferred wire format.
const V1CBORMediaType = "application/vnd.diffeo.dlm.v1+cbor"

// V1JSONMediaType is the JSON equivalent of V1CBORMediaType.
const V1JSONMediaType = "application/vnd.diffeo.dlm.v1+json"

// NotificationData is the body of a grant or block message.
type NotificationData struct {
	// Cookie identifies the lock.
	Cookie string `json:"cookie"`

	// Mode is the lock's granted mode.
	Mode dlm.Mode `json:"mode"`

	// Level is the highest blocked mode, for block messages.
	Level dlm.Mode `json:"level"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	// Error is a short code, the name of a well-known error if
	// there is one.
	Error string `json:"error"`

	// Message is the human-readable error text.
	Message string `json:"message,omitempty"`

	// Stack is a stack trace, if the server panicked.
	Stack string `json:"stack,omitempty"`
}

// wellKnown lists the errors that keep their identity across the
// wire, most specific first.
var wellKnown = []struct {
	code string
	err  error
}{
	{"ErrUnknownNode", ErrUnknownNode},
	{"ErrNoSuchDomain", ErrNoSuchDomain},
	{"ErrNodeDown", dlm.ErrNodeDown},
	{"ErrNotMaster", dlm.ErrNotMaster},
	{"ErrNoSuchLock", dlm.ErrNoSuchLock},
	{"ErrNoSuchResource", dlm.ErrNoSuchResource},
	{"ErrDomainAborted", dlm.ErrDomainAborted},
	{"ErrLeaving", dlm.ErrLeaving},
	{"ErrInvalidMode", dlm.ErrInvalidMode},
	{"ErrNotGranted", dlm.ErrNotGranted},
	{"ErrAlreadyConverting", dlm.ErrAlreadyConverting},
}

// FromError populates an ErrorResponse from an error value,
// recognizing the well-known lock manager errors even when wrapped.
func (e *ErrorResponse) FromError(err error) {
	e.Error = "error"
	e.Message = err.Error()
	for _, known := range wellKnown {
		if errors.Is(err, known.err) {
			e.Error = known.code
			return
		}
	}
}

// ToError converts e back to a lock manager error, if that is
// possible.  If not, returns a plain error with e.Message text.
func (e *ErrorResponse) ToError() error {
	for _, known := range wellKnown {
		if known.code == e.Error {
			return known.err
		}
	}
	return errors.New(e.Message)
}

// FromPanic populates an error response based on a panic.
func (e *ErrorResponse) FromPanic(obj interface{}) {
	e.Error = "panic"
	if recoveredError, isError := obj.(error); isError {
		e.Message = recoveredError.Error()
	} else {
		e.Message = fmt.Sprintf("%+v", obj)
	}
	var stack [4096]byte
	len := runtime.Stack(stack[:], false)
	e.Stack = string(stack[:len])
}

// handleFor returns the codec handle for a media type.
func handleFor(contentType string) (codec.Handle, error) {
	if contentType == "" {
		// RFC 7231 section 3.1.1.5
		contentType = "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errBadRequest{err}
	}
	switch mediaType {
	case V1CBORMediaType, "application/cbor":
		return &codec.CborHandle{}, nil
	case V1JSONMediaType, "application/json", "text/json":
		return &codec.JsonHandle{}, nil
	default:
		return nil, errUnsupportedMediaType{Type: mediaType}
	}
}

// Decode reads a message body of the given content type into out,
// which must be a pointer.
func Decode(contentType string, r io.Reader, out interface{}) error {
	h, err := handleFor(contentType)
	if err != nil {
		return err
	}
	return codec.NewDecoder(r, h).Decode(out)
}

// Encode writes v to w in the given media type.
func Encode(mediaType string, w io.Writer, v interface{}) error {
	h, err := handleFor(mediaType)
	if err != nil {
		return err
	}
	return codec.NewEncoder(w, h).Encode(v)
}
