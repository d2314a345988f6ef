package blockfeed

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/connext/pisa/chain"
)

// fakeChain serves stubs for a mutable canonical chain.
type fakeChain struct {
	blocks map[uint64]*chain.BlockStub
	head   uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[uint64]*chain.BlockStub)}
}

func hashOf(tag string) common.Hash {
	return common.BytesToHash([]byte(tag))
}

// extend appends a block on the given fork tag.
func (f *fakeChain) extend(number uint64, tag, parentTag string) {
	f.blocks[number] = &chain.BlockStub{
		Hash:       hashOf(fmt.Sprintf("%s-%d", tag, number)),
		ParentHash: hashOf(fmt.Sprintf("%s-%d", parentTag, number-1)),
		Number:     number,
	}
	if number > f.head {
		f.head = number
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) StubByNumber(_ context.Context, n uint64) (*chain.BlockStub, error) {
	stub, ok := f.blocks[n]
	if !ok {
		return nil, fmt.Errorf("no block %d", n)
	}
	return stub, nil
}

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func collect(f *Feed) *[]Event {
	events := &[]Event{}
	f.Attach(func(ev Event) { *events = append(*events, ev) })
	return events
}

// drive feeds the chain's current canonical blocks through the detector
// without the polling loop.
func drive(t *testing.T, f *Feed, c *fakeChain, from, to uint64) {
	t.Helper()
	for n := from; n <= to; n++ {
		stub, err := c.StubByNumber(context.Background(), n)
		require.NoError(t, err)
		require.NoError(t, f.process(context.Background(), stub))
	}
}

func TestFeedEmitsHeadsInOrder(t *testing.T) {
	c := newFakeChain()
	c.extend(1, "a", "a")
	c.extend(2, "a", "a")
	c.extend(3, "a", "a")

	f := NewFeed(c, zap.NewNop(), 0, 10)
	events := collect(f)
	drive(t, f, c, 1, 3)

	require.Len(t, *events, 3)
	for i, ev := range *events {
		assert.Equal(t, NewHead, ev.Kind)
		assert.Equal(t, uint64(i+1), ev.Block.Number)
	}
	assert.Equal(t, uint64(3), f.Head().Number)
}

func TestFeedDetectsReorg(t *testing.T) {
	c := newFakeChain()
	c.extend(1, "a", "a")
	c.extend(2, "a", "a")
	c.extend(3, "a", "a")

	f := NewFeed(c, zap.NewNop(), 0, 10)
	events := collect(f)
	drive(t, f, c, 1, 3)
	*events = (*events)[:0]

	// fork at height 2: blocks 2' and 3' replace 2 and 3, then 4' extends
	c.extend(2, "b", "a")
	c.extend(3, "b", "b")
	c.extend(4, "b", "b")
	stub, err := c.StubByNumber(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, f.process(context.Background(), stub))

	require.Len(t, *events, 4)
	assert.Equal(t, ReorgTo, (*events)[0].Kind)
	assert.Equal(t, uint64(1), (*events)[0].Height)
	for i, n := range []uint64{2, 3, 4} {
		ev := (*events)[i+1]
		assert.Equal(t, NewHead, ev.Kind)
		assert.Equal(t, n, ev.Block.Number)
		assert.Equal(t, hashOf(fmt.Sprintf("b-%d", n)), ev.Block.Hash)
	}
	assert.Equal(t, hashOf("b-4"), f.Head().Hash)
}

func TestFeedShallowSiblingReorg(t *testing.T) {
	c := newFakeChain()
	c.extend(1, "a", "a")
	c.extend(2, "a", "a")

	f := NewFeed(c, zap.NewNop(), 0, 10)
	events := collect(f)
	drive(t, f, c, 1, 2)
	*events = (*events)[:0]

	// a sibling at the same height wins
	c.extend(2, "b", "a")
	c.extend(3, "b", "b")
	drive(t, f, c, 3, 3)

	require.Len(t, *events, 3)
	assert.Equal(t, ReorgTo, (*events)[0].Kind)
	assert.Equal(t, uint64(1), (*events)[0].Height)
	assert.Equal(t, uint64(2), (*events)[1].Block.Number)
	assert.Equal(t, uint64(3), (*events)[2].Block.Number)
}

func TestFeedFailsFastOnDeepReorg(t *testing.T) {
	c := newFakeChain()
	for n := uint64(1); n <= 8; n++ {
		c.extend(n, "a", "a")
	}

	// window of 3: only heads 6..8 are retained
	f := NewFeed(c, zap.NewNop(), 0, 3)
	drive(t, f, c, 1, 8)

	// a fork rooted below the window
	for n := uint64(4); n <= 9; n++ {
		c.extend(n, "b", "b")
	}
	stub, err := c.StubByNumber(context.Background(), 9)
	require.NoError(t, err)
	err = f.process(context.Background(), stub)
	assert.ErrorIs(t, err, ErrDeepReorg)
}
