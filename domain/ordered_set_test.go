// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type SetAssertions struct {
	*assert.Assertions
	Set       *orderedSet
	Resources map[string]*Resource
}

func NewSetAssertions(t assert.TestingT) *SetAssertions {
	return &SetAssertions{
		assert.New(t),
		newOrderedSet(),
		make(map[string]*Resource),
	}
}

// res returns a stand-in resource with a name, creating it if needed.
func (a *SetAssertions) res(name string) *Resource {
	r, present := a.Resources[name]
	if !present {
		r = &Resource{name: name}
		a.Resources[name] = r
	}
	return r
}

// Push appends a resource and asserts it was not already present.
func (a *SetAssertions) Push(name string) {
	a.True(a.Set.PushBack(a.res(name)), "push %v", name)
}

// PushDuplicate asserts that appending a resource is a no-op.
func (a *SetAssertions) PushDuplicate(name string) {
	a.False(a.Set.PushBack(a.res(name)), "duplicate push %v", name)
}

// Order asserts the exact contents of the set, oldest first.
func (a *SetAssertions) Order(names ...string) {
	snap := a.Set.Snapshot(a.Set.Len())
	got := make([]string, len(snap))
	for i, r := range snap {
		got[i] = r.name
	}
	if len(names) == 0 {
		a.Empty(got)
		a.Nil(a.Set.Front())
		return
	}
	a.Equal(names, got)
	a.Equal(names[0], a.Set.Front().name)
}

func TestSetPushInOrder(t *testing.T) {
	a := NewSetAssertions(t)
	a.Push("a")
	a.Push("b")
	a.Push("c")
	a.Order("a", "b", "c")
	a.Equal(3, a.Set.Len())
}

func TestSetAtMostOnce(t *testing.T) {
	a := NewSetAssertions(t)
	a.Push("a")
	a.Push("b")
	a.PushDuplicate("a")
	a.Order("a", "b")
	a.True(a.Set.Contains(a.res("a")))
}

func TestSetRemoveMiddle(t *testing.T) {
	a := NewSetAssertions(t)
	a.Push("a")
	a.Push("b")
	a.Push("c")
	a.True(a.Set.Remove(a.res("b")))
	a.False(a.Set.Remove(a.res("b")))
	a.Order("a", "c")
	a.False(a.Set.Contains(a.res("b")))
}

func TestSetRequeueGoesToTail(t *testing.T) {
	a := NewSetAssertions(t)
	a.Push("a")
	a.Push("b")
	a.Set.Remove(a.res("a"))
	a.Push("a")
	a.Order("b", "a")
}

func TestSetSnapshotBounded(t *testing.T) {
	a := NewSetAssertions(t)
	a.Push("a")
	a.Push("b")
	a.Push("c")
	snap := a.Set.Snapshot(2)
	if a.Len(snap, 2) {
		a.Equal("a", snap[0].name)
		a.Equal("b", snap[1].name)
	}
	a.Set.Remove(a.res("a"))
	a.Set.Remove(a.res("b"))
	a.Set.Remove(a.res("c"))
	a.Order()
}
