// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/jtacoma/uritemplates"
)

const (
	grantTemplate = "/v1/domain/{domain}/resource/{resource}/grant"
	blockTemplate = "/v1/domain/{domain}/resource/{resource}/block"
	refTemplate   = "/v1/domain/{domain}/resource/{resource}/ref/{node}"
)

// Client is a dlm.Messenger that sends messages over HTTP to the
// nodes listed in its peer table.
type Client struct {
	// Peers maps node numbers to the root URL of their servers.
	Peers Peers

	// HTTP is the client used for requests.  If nil, uses
	// http.DefaultClient.
	HTTP *http.Client
}

// NewClient creates a client that talks to peers.
func NewClient(peers Peers) *Client {
	return &Client{Peers: peers}
}

// SendRemoveReference implements dlm.Messenger.
func (c *Client) SendRemoveReference(ctx context.Context, master dlm.NodeID, ref dlm.Reference) error {
	u, err := c.url(master, refTemplate, map[string]interface{}{
		"domain":   ref.Domain,
		"resource": ref.Resource,
		"node":     strconv.Itoa(int(ref.Node)),
	})
	if err != nil {
		return err
	}
	return c.do(ctx, "DELETE", u, nil)
}

// SendGrantNotification implements dlm.Messenger.
func (c *Client) SendGrantNotification(ctx context.Context, node dlm.NodeID, n dlm.Notification) error {
	return c.notify(ctx, node, grantTemplate, n)
}

// SendBlockNotification implements dlm.Messenger.
func (c *Client) SendBlockNotification(ctx context.Context, node dlm.NodeID, n dlm.Notification) error {
	return c.notify(ctx, node, blockTemplate, n)
}

func (c *Client) notify(ctx context.Context, node dlm.NodeID, template string, n dlm.Notification) error {
	u, err := c.url(node, template, map[string]interface{}{
		"domain":   n.Domain,
		"resource": n.Resource,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, "POST", u, NotificationData{
		Cookie: n.Cookie,
		Mode:   n.Mode,
		Level:  n.Level,
	})
}

// url expands a URI template relative to node's root URL.  String
// values in vars are encoded with EncodeName.
func (c *Client) url(node dlm.NodeID, template string, vars map[string]interface{}) (*url.URL, error) {
	base, ok := c.Peers[node]
	if !ok {
		return nil, fmt.Errorf("node %v: %w", node, ErrUnknownNode)
	}
	tmpl, err := uritemplates.Parse(template)
	if err != nil {
		return nil, err
	}
	for k, v := range vars {
		if s, isString := v.(string); isString && k != "node" {
			vars[k] = EncodeName(s)
		}
	}
	expanded, err := tmpl.Expand(vars)
	if err != nil {
		return nil, err
	}
	return base.Parse(expanded)
}

// do performs one request.  If in is non-nil it is sent as the CBOR
// request body.  Failing to get any response at all means the node is
// down.
func (c *Client) do(ctx context.Context, method string, u *url.URL, in interface{}) (err error) {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err = Encode(V1CBORMediaType, &buf, in); err != nil {
			return err
		}
		body = &buf
	}

	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	if in != nil {
		req.Header.Set("Content-Type", V1CBORMediaType)
	}
	req.Header.Set("Accept", V1CBORMediaType)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", dlm.ErrNodeDown, err)
	}
	defer func() {
		err = firstError(err, resp.Body.Close())
	}()
	return checkHTTPStatus(resp)
}

// checkHTTPStatus examines an HTTP response and returns an error if
// it is not successful.
func checkHTTPStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Always collect the entire body; we will need it as a fallback
	// and can only parse it once.
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Take a shot at decoding it as a better error
	var errResp ErrorResponse
	contentType := resp.Header.Get("Content-Type")
	if err := Decode(contentType, bytes.NewReader(body), &errResp); err == nil && errResp.Error != "" {
		return errResp.ToError()
	}

	return ErrorHTTP{Response: resp, Body: string(body)}
}

func firstError(e1, e2 error) error {
	if e1 != nil {
		return e1
	}
	return e2
}
