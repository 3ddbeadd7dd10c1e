package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettlement/internal/journal"
)

func TestSequenceValidator_StrictOrder(t *testing.T) {
	j := journal.New()
	sv := NewSequenceValidator(j)

	require.NoError(t, sv.Validate(0))
	sv.Advance()
	require.NoError(t, sv.Validate(1))
	sv.Advance()

	require.ErrorIs(t, sv.Validate(1), ErrTxIDMismatch)
	require.ErrorIs(t, sv.Validate(5), ErrTxIDMismatch)
	assert.Equal(t, uint64(2), sv.Expected())
	assert.Equal(t, int64(1), sv.Metrics().Stale())
	assert.Equal(t, int64(1), sv.Metrics().Gaps())
	assert.Equal(t, uint64(5), sv.Metrics().MaxSeen())
}

func TestSequenceValidator_RevertRestoresCounter(t *testing.T) {
	j := journal.New()
	sv := NewSequenceValidator(j)
	sv.Advance()
	j.Commit()

	mark := j.Mark()
	sv.Advance()
	sv.Advance()
	assert.Equal(t, uint64(3), sv.Expected())

	j.RevertTo(mark)
	assert.Equal(t, uint64(1), sv.Expected())
}

func TestSequenceValidator_Exhausted(t *testing.T) {
	sv := NewSequenceValidator(journal.New())
	sv.SetExpected(math.MaxUint32)
	require.NoError(t, sv.Validate(math.MaxUint32))
	sv.Advance()

	err := sv.Validate(0)
	require.ErrorIs(t, err, ErrTxCounterExhausted)
	assert.True(t, IsFatal(err))
}
