// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dlm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var allModes = []Mode{ModeNull, ModeProtectedRead, ModeExclusive}

func TestStandardCompatibilitySymmetric(t *testing.T) {
	for _, a := range allModes {
		for _, b := range allModes {
			assert.Equal(t,
				StandardCompatibility.Compatible(a, b),
				StandardCompatibility.Compatible(b, a),
				"%v/%v", a, b)
		}
	}
}

func TestStandardCompatibilityTable(t *testing.T) {
	for _, m := range allModes {
		assert.True(t, StandardCompatibility.Compatible(ModeNull, m), "NL/%v", m)
	}
	assert.True(t, StandardCompatibility.Compatible(ModeProtectedRead, ModeProtectedRead))
	assert.False(t, StandardCompatibility.Compatible(ModeProtectedRead, ModeExclusive))
	assert.False(t, StandardCompatibility.Compatible(ModeExclusive, ModeExclusive))
}

func TestModeOrdering(t *testing.T) {
	assert.True(t, ModeInvalid < ModeNull)
	assert.True(t, ModeNull < ModeProtectedRead)
	assert.True(t, ModeProtectedRead < ModeExclusive)
	assert.False(t, ModeInvalid.Valid())
	assert.Equal(t, "PR", ModeProtectedRead.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "none", State(0).String())
	assert.Equal(t, "dirty|dropping-ref", (StateDirty | StateDroppingRef).String())
	assert.True(t, (StateDirty | StateMigrating).Has(StateMigrating|StateRecovering))
	assert.False(t, StateDirty.Has(StateMigrating))
}

func TestInvariantErrorKind(t *testing.T) {
	err := Invariantf("res", "refcount %d", -1)
	assert.True(t, errors.Is(err, ErrInvariant))
	wrapped := fmt.Errorf("worker: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInvariant))
	assert.Contains(t, err.Error(), `"res"`)
}

func TestDefaultMembership(t *testing.T) {
	assert.True(t, DefaultMembership.IsNodeDown(fmt.Errorf("send: %w", ErrNodeDown)))
	assert.False(t, DefaultMembership.IsNodeDown(errors.New("protocol")))
	rre := &RemoveReferenceError{Resource: "r", Master: 2, Err: ErrNodeDown}
	assert.True(t, IsNodeDown(rre))
}
