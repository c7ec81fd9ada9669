// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

// This file provides the ordered sets behind the dirty list and the
// purge list: FIFO order with constant-time removal of any member.

import "container/list"

// orderedSet is an insertion-ordered set of resources.  A resource is
// in the set at most once.  The set is not safe for concurrent use;
// the domain lock protects both of the domain's sets.
type orderedSet struct {
	order *list.List
	index map[*Resource]*list.Element
}

func newOrderedSet() *orderedSet {
	return &orderedSet{
		order: list.New(),
		index: make(map[*Resource]*list.Element),
	}
}

// PushBack appends res to the tail of the set.  It returns false and
// leaves the set unchanged if res is already a member.
func (s *orderedSet) PushBack(res *Resource) bool {
	if _, present := s.index[res]; present {
		return false
	}
	s.index[res] = s.order.PushBack(res)
	return true
}

// Remove takes res out of the set.  It returns false if res was not a
// member.
func (s *orderedSet) Remove(res *Resource) bool {
	element, present := s.index[res]
	if !present {
		return false
	}
	delete(s.index, res)
	s.order.Remove(element)
	return true
}

// Contains returns true if res is in the set.
func (s *orderedSet) Contains(res *Resource) bool {
	_, present := s.index[res]
	return present
}

// Front returns the oldest member, or nil if the set is empty.
func (s *orderedSet) Front() *Resource {
	head := s.order.Front()
	if head == nil {
		return nil
	}
	return head.Value.(*Resource)
}

// Len returns the number of members.
func (s *orderedSet) Len() int {
	return len(s.index)
}

// Snapshot returns up to max members, oldest first.
func (s *orderedSet) Snapshot(max int) []*Resource {
	out := make([]*Resource, 0, max)
	for e := s.order.Front(); e != nil && len(out) < max; e = e.Next() {
		out = append(out, e.Value.(*Resource))
	}
	return out
}
