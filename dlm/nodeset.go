// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dlm

import (
	"math/bits"
	"strconv"
)

// NodeID identifies a node in the cluster.
type NodeID uint8

// MaxNodes is the number of distinct node identifiers.
const MaxNodes = 256

// String renders the node number.
func (n NodeID) String() string {
	return strconv.Itoa(int(n))
}

// NodeSet is a set of node identifiers.  The zero value is empty and
// ready to use.
type NodeSet struct {
	words [MaxNodes / 64]uint64
}

// Set adds n to the set.
func (s *NodeSet) Set(n NodeID) {
	s.words[n/64] |= 1 << (n % 64)
}

// Clear removes n from the set.
func (s *NodeSet) Clear(n NodeID) {
	s.words[n/64] &^= 1 << (n % 64)
}

// Has returns true if n is in the set.
func (s *NodeSet) Has(n NodeID) bool {
	return s.words[n/64]&(1<<(n%64)) != 0
}

// Empty returns true if no node is in the set.
func (s *NodeSet) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// HasOtherThan returns true if the set contains any node besides self.
func (s *NodeSet) HasOtherThan(self NodeID) bool {
	for i, w := range s.words {
		if i == int(self/64) {
			w &^= 1 << (self % 64)
		}
		if w != 0 {
			return true
		}
	}
	return false
}

// Len returns the number of nodes in the set.
func (s *NodeSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Nodes lists the members of the set in ascending order.
func (s *NodeSet) Nodes() []NodeID {
	var nodes []NodeID
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			nodes = append(nodes, NodeID(i*64+b))
			w &^= 1 << uint(b)
		}
	}
	return nodes
}
