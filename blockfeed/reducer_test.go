package blockfeed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/connext/pisa/chain"
)

func stub(n uint64) *chain.BlockStub {
	return &chain.BlockStub{Number: n}
}

func TestAnchorSeedsThenReduces(t *testing.T) {
	anchor := NewAnchor(Reducer[uint64]{
		Initial: func(b *chain.BlockStub) uint64 { return b.Number },
		Reduce:  func(prev uint64, b *chain.BlockStub) uint64 { return prev + 1 },
	})

	assert.Equal(t, uint64(10), anchor.Apply(stub(10)))
	assert.Equal(t, uint64(11), anchor.Apply(stub(11)))
	assert.Equal(t, uint64(12), anchor.Apply(stub(12)))
	assert.Equal(t, uint64(12), anchor.State())
}

func TestMappedReducerTracksDynamicCollection(t *testing.T) {
	live := []string{"a"}
	m := NewMappedReducer(
		func() []string { return live },
		func(id string, b *chain.BlockStub) int { return int(b.Number) },
		func(id string, prev int, b *chain.BlockStub) int { return prev + 1 },
	)

	states := m.Apply(stub(5))
	assert.Equal(t, map[string]int{"a": 5}, states)

	// a new id gets an initial state from the current block, the old one
	// keeps reducing
	live = []string{"a", "b"}
	states = m.Apply(stub(6))
	assert.Equal(t, map[string]int{"a": 6, "b": 6}, states)

	// ids that left the collection are dropped
	live = []string{"b"}
	states = m.Apply(stub(7))
	assert.Equal(t, map[string]int{"b": 7}, states)
	_, ok := m.Get("a")
	assert.False(t, ok)

	// a re-appearing id is fresh, not resumed
	live = []string{"a", "b"}
	states = m.Apply(stub(8))
	assert.Equal(t, map[string]int{"a": 8, "b": 8}, states)
}

func TestMappedReducerSetAndDrop(t *testing.T) {
	live := []string{"x"}
	m := NewMappedReducer(
		func() []string { return live },
		func(string, *chain.BlockStub) string { return "initial" },
		func(_ string, prev string, _ *chain.BlockStub) string { return prev },
	)
	m.Apply(stub(1))

	m.Set("x", "overridden")
	got, ok := m.Get("x")
	assert.True(t, ok)
	assert.Equal(t, "overridden", got)

	// the override is sticky under reduction
	m.Apply(stub(2))
	got, _ = m.Get("x")
	assert.Equal(t, "overridden", got)

	m.Drop("x")
	_, ok = m.Get("x")
	assert.False(t, ok)
}
