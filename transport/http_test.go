// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/stretchr/testify/assert"
)

// recordingReceiver remembers every message and returns err.
type recordingReceiver struct {
	mu     sync.Mutex
	refs   []dlm.Reference
	grants []dlm.Notification
	blocks []dlm.Notification
	err    error
	panic  bool
}

func (r *recordingReceiver) set(err error, panics bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.panic = panics
}

func (r *recordingReceiver) messages() ([]dlm.Reference, []dlm.Notification, []dlm.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs, r.grants, r.blocks
}

func (r *recordingReceiver) HandleRemoveReference(ctx context.Context, ref dlm.Reference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	return r.err
}

func (r *recordingReceiver) HandleGrantNotification(ctx context.Context, n dlm.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panic {
		panic("grant exploded")
	}
	r.grants = append(r.grants, n)
	return r.err
}

func (r *recordingReceiver) HandleBlockNotification(ctx context.Context, n dlm.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, n)
	return r.err
}

// httpFixture runs one node's server behind httptest, with a client
// that knows it as node 1.
type httpFixture struct {
	*assert.Assertions
	Receiver *recordingReceiver
	Server   *Server
	HTTP     *httptest.Server
	Client   *Client
}

func newHTTPFixture(t *testing.T) *httpFixture {
	f := &httpFixture{
		Assertions: assert.New(t),
		Receiver:   &recordingReceiver{},
		Server:     NewServer(nil),
	}
	f.Server.Register("test", f.Receiver)
	f.HTTP = httptest.NewServer(NewRouter(f.Server))
	peers := Peers{}
	if err := peers.Set("1=" + f.HTTP.URL); err != nil {
		t.Fatal(err)
	}
	f.Client = NewClient(peers)
	return f
}

func TestHTTPMessages(t *testing.T) {
	f := newHTTPFixture(t)
	defer f.HTTP.Close()
	ctx := context.Background()

	err := f.Client.SendRemoveReference(ctx, 1, dlm.Reference{
		Domain:   "test",
		Resource: "a/b",
		Node:     2,
	})
	f.NoError(err)

	n := dlm.Notification{
		Domain:   "test",
		Resource: "inode.1234",
		Cookie:   "c",
		Mode:     dlm.ModeProtectedRead,
		Level:    dlm.ModeExclusive,
	}
	f.NoError(f.Client.SendGrantNotification(ctx, 1, n))
	f.NoError(f.Client.SendBlockNotification(ctx, 1, n))

	refs, grants, blocks := f.Receiver.messages()
	f.Equal([]dlm.Reference{{Domain: "test", Resource: "a/b", Node: 2}}, refs)
	f.Equal([]dlm.Notification{n}, grants)
	f.Equal([]dlm.Notification{n}, blocks)
}

func TestHTTPErrors(t *testing.T) {
	f := newHTTPFixture(t)
	defer f.HTTP.Close()
	ctx := context.Background()
	ref := dlm.Reference{Domain: "test", Resource: "r", Node: 2}

	f.Receiver.set(dlm.ErrNotMaster, false)
	err := f.Client.SendRemoveReference(ctx, 1, ref)
	f.Equal(dlm.ErrNotMaster, err)

	f.Receiver.set(fmt.Errorf("cookie c: %w", dlm.ErrNoSuchLock), false)
	err = f.Client.SendGrantNotification(ctx, 1, dlm.Notification{Domain: "test", Resource: "r"})
	f.Equal(dlm.ErrNoSuchLock, err)

	f.Receiver.set(errors.New("something else"), false)
	err = f.Client.SendBlockNotification(ctx, 1, dlm.Notification{Domain: "test", Resource: "r"})
	if f.Error(err) {
		f.Equal("something else", err.Error())
	}

	f.Receiver.set(nil, false)
	err = f.Client.SendRemoveReference(ctx, 1, dlm.Reference{Domain: "other", Resource: "r", Node: 2})
	f.Equal(ErrNoSuchDomain, err)

	err = f.Client.SendRemoveReference(ctx, 7, ref)
	f.True(errors.Is(err, ErrUnknownNode))
	f.True(dlm.IsNodeDown(err))

	f.Receiver.set(nil, true)
	err = f.Client.SendGrantNotification(ctx, 1, dlm.Notification{Domain: "test", Resource: "r"})
	if f.Error(err) {
		f.Equal("grant exploded", err.Error())
	}
}

func TestHTTPNodeDown(t *testing.T) {
	f := newHTTPFixture(t)
	f.HTTP.Close()
	err := f.Client.SendRemoveReference(context.Background(), 1, dlm.Reference{Domain: "test", Resource: "r", Node: 2})
	f.True(dlm.IsNodeDown(err))
}

func TestHTTPJSON(t *testing.T) {
	f := newHTTPFixture(t)
	defer f.HTTP.Close()

	body := bytes.NewBufferString(`{"cookie":"c","mode":5,"level":0}`)
	resp, err := http.Post(f.HTTP.URL+"/v1/domain/test/resource/r/grant", "application/json", body)
	if f.NoError(err) {
		resp.Body.Close()
		f.Equal(http.StatusNoContent, resp.StatusCode)
	}
	_, grants, _ := f.Receiver.messages()
	f.Equal([]dlm.Notification{{
		Domain:   "test",
		Resource: "r",
		Cookie:   "c",
		Mode:     dlm.ModeExclusive,
		Level:    dlm.ModeNull,
	}}, grants)

	req, err := http.NewRequest("POST", f.HTTP.URL+"/v1/domain/test/resource/r/block", bytes.NewBufferString("hi"))
	if !f.NoError(err) {
		return
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if f.NoError(err) {
		defer resp.Body.Close()
		f.Equal(http.StatusUnsupportedMediaType, resp.StatusCode)
		var errResp ErrorResponse
		if f.NoError(Decode(resp.Header.Get("Content-Type"), resp.Body, &errResp)) {
			f.Equal("error", errResp.Error)
		}
	}
	_, _, blocks := f.Receiver.messages()
	f.Empty(blocks)

	resp, err = http.Post(f.HTTP.URL+"/v1/domain/-!!/resource/r/grant", "application/json", bytes.NewBufferString("{}"))
	if f.NoError(err) {
		resp.Body.Close()
		f.Equal(http.StatusBadRequest, resp.StatusCode)
	}
}

// TestHTTPDomain runs the real engine behind the HTTP server.
func TestHTTPDomain(t *testing.T) {
	a := assert.New(t)
	d := domain.New(domain.Config{Name: "test", Node: 1})
	server := NewServer(nil)
	server.Register("test", d)
	ts := httptest.NewServer(NewRouter(server))
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	if !a.NoError(err) {
		return
	}
	client := NewClient(Peers{1: u})
	ctx := context.Background()

	res, err := d.Resource("a/b")
	if !a.NoError(err) {
		return
	}
	d.SetReference(res, 2)
	d.SetReference(res, 3)

	a.NoError(client.SendRemoveReference(ctx, 1, dlm.Reference{Domain: "test", Resource: "a/b", Node: 2}))
	a.Equal([]dlm.NodeID{3}, res.References())

	err = client.SendGrantNotification(ctx, 1, dlm.Notification{Domain: "test", Resource: "a/b", Cookie: "c"})
	a.Equal(dlm.ErrNotMaster, err)

	err = client.SendRemoveReference(ctx, 1, dlm.Reference{Domain: "test", Resource: "nope", Node: 2})
	a.Equal(dlm.ErrNoSuchResource, err)

	server.Unregister("test")
	err = client.SendRemoveReference(ctx, 1, dlm.Reference{Domain: "test", Resource: "a/b", Node: 3})
	a.Equal(ErrNoSuchDomain, err)
	a.Equal([]dlm.NodeID{3}, res.References())
}

func TestPeers(t *testing.T) {
	a := assert.New(t)
	peers := Peers{}
	a.NoError(peers.Set("2=http://b:5990, 1=http://a:5990/"))
	a.NoError(peers.Set("10=https://c"))
	a.Equal("1=http://a:5990/,2=http://b:5990,10=https://c", peers.String())
	a.Equal("b:5990", peers[2].Host)

	a.Error(peers.Set("1"))
	a.Error(peers.Set("x=http://a"))
	a.Error(peers.Set("1=/relative"))
	a.Error(peers.Set("300=http://a"))
	a.Equal("", Peers{}.String())
}
