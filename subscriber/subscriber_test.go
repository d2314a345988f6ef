package subscriber

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
)

type fakeLogSource struct {
	logs []types.Log // served for every query
}

func (f *fakeLogSource) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeLogSource) StubByNumber(context.Context, uint64) (*chain.BlockStub, error) {
	return nil, nil
}

func (f *fakeLogSource) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeLogSource) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeLogSource) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeLogSource) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func filterFor(addr string) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(addr)},
		Topics:    [][]common.Hash{{common.HexToHash("0x01")}},
	}
}

func TestAddRemoveRefcounting(t *testing.T) {
	s := New(&fakeLogSource{}, zap.NewNop(), 10)

	q := filterFor("0xaa")
	s.Add(q, "appt-1")
	s.Add(q, "appt-2")
	assert.True(t, s.Subscribed("appt-1"))
	assert.True(t, s.Subscribed("appt-2"))

	s.Remove("appt-1")
	assert.False(t, s.Subscribed("appt-1"))
	assert.True(t, s.Subscribed("appt-2"))

	s.Remove("appt-2")
	assert.False(t, s.Subscribed("appt-2"))

	// removing an unknown id is harmless
	s.Remove("appt-3")
}

func TestReAddReplacesFilter(t *testing.T) {
	s := New(&fakeLogSource{}, zap.NewNop(), 10)

	s.Add(filterFor("0xaa"), "appt-1")
	s.Add(filterFor("0xbb"), "appt-1")
	assert.True(t, s.Subscribed("appt-1"))

	s.Remove("appt-1")
	assert.False(t, s.Subscribed("appt-1"))
}

func TestLogsRoutedToEveryListener(t *testing.T) {
	lg := types.Log{
		Address:     common.HexToAddress("0xaa"),
		TxHash:      common.HexToHash("0x02"),
		BlockNumber: 10,
	}
	source := &fakeLogSource{logs: []types.Log{lg}}
	s := New(source, zap.NewNop(), 10)

	delivered := map[string]int{}
	s.OnLog(func(id string, _ types.Log) { delivered[id]++ })

	s.Add(filterFor("0xaa"), "appt-1")
	s.Add(filterFor("0xaa"), "appt-2")

	listener := s.Listener(context.Background())
	listener(blockfeed.Event{Kind: blockfeed.NewHead, Block: &chain.BlockStub{Number: 10, Hash: common.HexToHash("0x10")}})

	assert.Equal(t, map[string]int{"appt-1": 1, "appt-2": 1}, delivered)
}

func TestReorgRetractsOrphanedLogs(t *testing.T) {
	lg := types.Log{
		Address:     common.HexToAddress("0xaa"),
		TxHash:      common.HexToHash("0x02"),
		BlockNumber: 10,
	}
	source := &fakeLogSource{logs: []types.Log{lg}}
	s := New(source, zap.NewNop(), 10)

	var retracted []string
	s.OnRetraction(func(id string, _ types.Log) { retracted = append(retracted, id) })
	s.Add(filterFor("0xaa"), "appt-1")

	listener := s.Listener(context.Background())
	listener(blockfeed.Event{Kind: blockfeed.NewHead, Block: &chain.BlockStub{Number: 10, Hash: common.HexToHash("0x10")}})

	// a rewind below the delivery height retracts
	listener(blockfeed.Event{Kind: blockfeed.ReorgTo, Height: 9})
	require.Equal(t, []string{"appt-1"}, retracted)

	// a second rewind has nothing left to retract
	listener(blockfeed.Event{Kind: blockfeed.ReorgTo, Height: 9})
	assert.Len(t, retracted, 1)
}

func TestReorgAboveDeliveryHeightKeepsLogs(t *testing.T) {
	lg := types.Log{Address: common.HexToAddress("0xaa"), BlockNumber: 10}
	source := &fakeLogSource{logs: []types.Log{lg}}
	s := New(source, zap.NewNop(), 100)

	var retracted int
	s.OnRetraction(func(string, types.Log) { retracted++ })
	s.Add(filterFor("0xaa"), "appt-1")

	listener := s.Listener(context.Background())
	listener(blockfeed.Event{Kind: blockfeed.NewHead, Block: &chain.BlockStub{Number: 10, Hash: common.HexToHash("0x10")}})
	listener(blockfeed.Event{Kind: blockfeed.ReorgTo, Height: 10})

	assert.Zero(t, retracted)
}

func TestDeliveredLogsPrunedBeyondWindow(t *testing.T) {
	lg := types.Log{Address: common.HexToAddress("0xaa"), BlockNumber: 10}
	source := &fakeLogSource{logs: []types.Log{lg}}
	s := New(source, zap.NewNop(), 5)

	var retracted int
	s.OnRetraction(func(string, types.Log) { retracted++ })
	s.Add(filterFor("0xaa"), "appt-1")

	listener := s.Listener(context.Background())
	listener(blockfeed.Event{Kind: blockfeed.NewHead, Block: &chain.BlockStub{Number: 10, Hash: common.HexToHash("0x10")}})

	// march the head past the retention window; the delivery record ages out
	source.logs = nil
	for n := uint64(11); n <= 20; n++ {
		listener(blockfeed.Event{Kind: blockfeed.NewHead, Block: &chain.BlockStub{Number: n}})
	}
	listener(blockfeed.Event{Kind: blockfeed.ReorgTo, Height: 9})
	assert.Zero(t, retracted)
}
