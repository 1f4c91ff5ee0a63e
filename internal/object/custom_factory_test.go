package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
)

func TestCustomFactorySweepReclaimsUnmarked(t *testing.T) {
	f := NewCustomFactory()
	survivor := f.CreateObject(scalarType, 8)
	dead := f.CreateObject(scalarType, 8)
	survivor.TryMark()

	queue, err := f.Sweep(epoch.ID(1))
	require.NoError(t, err)
	assert.Empty(t, queue)

	unlock := f.LockForIter()
	defer unlock()
	var live []*Header
	f.Iterate(func(h *Header) bool { live = append(live, h); return true })
	assert.Equal(t, []*Header{survivor}, live)
	assert.False(t, survivor.IsMarked(), "survivor mark bit must be cleared for next epoch")
	_ = dead
}

func TestCustomFactorySweepQueuesFinalizableDeadObjects(t *testing.T) {
	f := NewCustomFactory()
	dead := f.CreateObject(scalarType, 8)
	extra := f.CreateExtraObjectData(dead)
	extra.HasFinalizer = true
	ran := false
	extra.Finalizer = func() { ran = true }

	queue, err := f.Sweep(epoch.ID(1))
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Same(t, extra, queue[0])

	queue[0].Finalizer()
	assert.True(t, ran)
}

func TestCustomFactorySweepDropsNonFinalizableExtraData(t *testing.T) {
	f := NewCustomFactory()
	dead := f.CreateObject(scalarType, 8)
	extra := f.CreateExtraObjectData(dead)

	queue, err := f.Sweep(epoch.ID(1))
	require.NoError(t, err)
	assert.Empty(t, queue)

	unlock := f.LockForIter()
	defer unlock()
	var found bool
	f.IterateExtras(func(e *ExtraData) bool {
		if e == extra {
			found = true
		}
		return true
	})
	assert.False(t, found)
}
