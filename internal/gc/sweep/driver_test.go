package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

var scalarType = &object.TypeInfo{Name: "scalar", Kind: object.KindScalar}

func TestNewDriverPicksGenericForPlainFactory(t *testing.T) {
	f := object.NewFactory()
	d := NewDriver(f)
	_, ok := d.(*GenericDriver)
	assert.True(t, ok)
}

func TestNewDriverPicksCustomForCustomFactory(t *testing.T) {
	f := object.NewCustomFactory()
	d := NewDriver(f)
	_, ok := d.(*CustomDriver)
	assert.True(t, ok)
}

func TestGenericDriverReclaimsUnmarkedAndQueuesFinalizers(t *testing.T) {
	f := object.NewFactory()
	survivor := f.CreateObject(scalarType, 8)
	survivor.TryMark()

	deadPlain := f.CreateObject(scalarType, 8)
	_ = deadPlain

	deadFinalizable := f.CreateObject(scalarType, 8)
	extra := f.CreateExtraObjectData(deadFinalizable)
	extra.HasFinalizer = true

	d := NewDriver(f)
	queue, err := d.Sweep(epoch.ID(1))
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Same(t, extra, queue[0])

	unlock := f.LockForIter()
	defer unlock()
	var live []*object.Header
	f.Iterate(func(h *object.Header) bool { live = append(live, h); return true })
	assert.Equal(t, []*object.Header{survivor}, live)
	assert.False(t, survivor.IsMarked())
}
