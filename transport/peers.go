// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/diffeo/go-dlm/dlm"
)

// Peers maps node numbers to the root URLs of their HTTP servers.  It
// implements flag.Value (and so urfave/cli's Generic), accepting a
// comma-separated list of node=url pairs; repeated flags accumulate.
//
//     dlmd --peer 1=http://10.0.0.1:5990 --peer 2=http://10.0.0.2:5990
type Peers map[dlm.NodeID]*url.URL

// Add records the root URL of node.
func (p Peers) Add(node dlm.NodeID, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("peer URL %q must be absolute", rawurl)
	}
	p[node] = u
	return nil
}

// Set parses a list of node=url pairs.
func (p Peers) Set(value string) error {
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("peer %q is not node=url", pair)
		}
		node, err := ParseNodeID(parts[0])
		if err != nil {
			return fmt.Errorf("peer %q: %v", pair, err)
		}
		if err := p.Add(node, parts[1]); err != nil {
			return err
		}
	}
	return nil
}

// String renders the peers in the form Set accepts, in node order.
func (p Peers) String() string {
	nodes := make([]int, 0, len(p))
	for node := range p {
		nodes = append(nodes, int(node))
	}
	sort.Ints(nodes)
	pairs := make([]string, len(nodes))
	for i, node := range nodes {
		pairs[i] = fmt.Sprintf("%d=%s", node, p[dlm.NodeID(node)])
	}
	return strings.Join(pairs, ",")
}
