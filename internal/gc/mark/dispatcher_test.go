package mark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmusin/pmcs-gc/internal/gc/gcconfig"
	"github.com/jvmusin/pmcs-gc/internal/object"
	"github.com/jvmusin/pmcs-gc/internal/threadreg"
)

var scalarType = &object.TypeInfo{Name: "scalar", Kind: object.KindScalar}

func linkType() *object.TypeInfo {
	return &object.TypeInfo{
		Name: "link",
		Kind: object.KindStruct,
		Refs: func(h *object.Header) []*object.Header { return h.Extra().StrongTargets },
	}
}

func link(f *object.Factory, typ *object.TypeInfo, children ...*object.Header) *object.Header {
	h := f.CreateObject(typ, 8)
	extra := f.CreateExtraObjectData(h)
	extra.StrongTargets = children
	return h
}

type rootsFunc func() []*object.Header

func (f rootsFunc) ScanRoots() []*object.Header { return f() }

type nopPublisher struct{}

func (nopPublisher) Publish() {}

func runEpochAndMark(t *testing.T, cfg gcconfig.Config, roots []*object.Header) {
	t.Helper()

	factory := object.NewFactory()
	registry := threadreg.New(factory)
	d := New(registry, nil, cfg)

	s := registry.Register(rootsFunc(func() []*object.Header { return roots }), nopPublisher{}, d, d.CooperateFlag())

	ctx := WithGCOwnership(context.Background())
	d.BeginMarkingEpoch(1, registry)

	parkDone := make(chan error, 1)
	go func() {
		// SafePoint only parks once STW is pending.
		for !registry.STWRequested() {
			time.Sleep(time.Millisecond)
		}
		parkDone <- s.SafePoint(WithMutatorOwnership(context.Background()))
	}()

	require.NoError(t, d.RequestSTW(ctx))
	require.NoError(t, d.RunMainInSTW(ctx))
	d.EndMarkingEpoch()
	d.ResumeAll()

	select {
	case err := <-parkDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mutator never resumed")
	}
}

func TestMarkTraversalReachesEveryLiveObject(t *testing.T) {
	factory := object.NewFactory()
	typ := linkType()

	leafB := link(factory, typ)
	nodeA := link(factory, typ, leafB)
	root := link(factory, typ, nodeA)
	unreachable := link(factory, typ)

	cfg := gcconfig.Default()
	cfg.AuxGCThreads = 2

	runEpochAndMark(t, cfg, []*object.Header{root})

	assert.True(t, root.IsMarked())
	assert.True(t, nodeA.IsMarked())
	assert.True(t, leafB.IsMarked())
	assert.False(t, unreachable.IsMarked())
}

func TestMarkTraversalSingleThreaded(t *testing.T) {
	factory := object.NewFactory()
	typ := linkType()
	child := link(factory, typ)
	root := link(factory, typ, child)

	cfg := gcconfig.Default()
	cfg.GCMarkSingleThreaded = true
	cfg.AuxGCThreads = 0

	runEpochAndMark(t, cfg, []*object.Header{root})

	assert.True(t, root.IsMarked())
	assert.True(t, child.IsMarked())
}

func TestTryLockRootSetClaimsExactlyOnce(t *testing.T) {
	factory := object.NewFactory()
	registry := threadreg.New(factory)
	cfg := gcconfig.Default()
	d := New(registry, nil, cfg)

	root := factory.CreateObject(scalarType, 8)
	s := registry.Register(rootsFunc(func() []*object.Header { return []*object.Header{root} }), nopPublisher{}, d, d.CooperateFlag())

	first := s.TryLockRootSet()
	second := s.TryLockRootSet()

	assert.True(t, first)
	assert.False(t, second)
}
