// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dlm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeSetZero(t *testing.T) {
	var s NodeSet
	assert.True(t, s.Empty())
	assert.False(t, s.HasOtherThan(3))
	assert.Zero(t, s.Len())
	assert.Nil(t, s.Nodes())
}

func TestNodeSetSelfOnly(t *testing.T) {
	var s NodeSet
	s.Set(3)
	assert.False(t, s.Empty())
	assert.True(t, s.Has(3))
	assert.False(t, s.HasOtherThan(3))
	assert.True(t, s.HasOtherThan(4))
}

func TestNodeSetHighNodes(t *testing.T) {
	var s NodeSet
	s.Set(0)
	s.Set(64)
	s.Set(255)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []NodeID{0, 64, 255}, s.Nodes())
	s.Clear(64)
	assert.False(t, s.Has(64))
	assert.Equal(t, []NodeID{0, 255}, s.Nodes())
	assert.True(t, s.HasOtherThan(0))
	s.Clear(255)
	assert.False(t, s.HasOtherThan(0))
}
