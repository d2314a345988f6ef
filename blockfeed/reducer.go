package blockfeed

import "github.com/connext/pisa/chain"

// Reducer folds a component's anchor state over the block stream.
type Reducer[S any] struct {
	Initial func(block *chain.BlockStub) S
	Reduce  func(prev S, block *chain.BlockStub) S
}

// Anchor carries the current reduced state for one component.
type Anchor[S any] struct {
	reducer Reducer[S]
	state   S
	seeded  bool
}

func NewAnchor[S any](r Reducer[S]) *Anchor[S] {
	return &Anchor[S]{reducer: r}
}

func (a *Anchor[S]) Apply(block *chain.BlockStub) S {
	if !a.seeded {
		a.state = a.reducer.Initial(block)
		a.seeded = true
	} else {
		a.state = a.reducer.Reduce(a.state, block)
	}
	return a.state
}

func (a *Anchor[S]) State() S { return a.state }

// MappedReducer indexes sub-states by a string id drawn from a dynamic
// collection. Ids seen for the first time get an initial state computed from
// the current block; ids that left the collection are dropped.
type MappedReducer[S any] struct {
	IDs     func() []string
	Initial func(id string, block *chain.BlockStub) S
	Reduce  func(id string, prev S, block *chain.BlockStub) S

	states map[string]S
}

func NewMappedReducer[S any](
	ids func() []string,
	initial func(id string, block *chain.BlockStub) S,
	reduce func(id string, prev S, block *chain.BlockStub) S,
) *MappedReducer[S] {
	return &MappedReducer[S]{
		IDs:     ids,
		Initial: initial,
		Reduce:  reduce,
		states:  make(map[string]S),
	}
}

func (m *MappedReducer[S]) Apply(block *chain.BlockStub) map[string]S {
	live := m.IDs()
	next := make(map[string]S, len(live))
	for _, id := range live {
		if prev, ok := m.states[id]; ok {
			next[id] = m.Reduce(id, prev, block)
		} else {
			next[id] = m.Initial(id, block)
		}
	}
	m.states = next
	return next
}

// Get returns the sub-state for id, if present.
func (m *MappedReducer[S]) Get(id string) (S, bool) {
	s, ok := m.states[id]
	return s, ok
}

// Set overrides one sub-state, for transitions driven by something other
// than the block stream (log deliveries, retractions).
func (m *MappedReducer[S]) Set(id string, s S) {
	m.states[id] = s
}

// Drop removes one sub-state without waiting for the id to leave the
// collection.
func (m *MappedReducer[S]) Drop(id string) {
	delete(m.states, id)
}
