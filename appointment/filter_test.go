package appointment

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventABI(t *testing.T) {
	event, err := ParseEventABI("event EventDispute(uint256 indexed channelId, uint256 round)")
	require.NoError(t, err)
	assert.Equal(t, "EventDispute", event.Name)
	require.Len(t, event.Inputs, 2)
	assert.True(t, event.Inputs[0].Indexed)
	assert.Equal(t, "channelId", event.Inputs[0].Name)
	assert.False(t, event.Inputs[1].Indexed)
	assert.Equal(t, crypto.Keccak256Hash([]byte("EventDispute(uint256,uint256)")), event.ID)

	t.Run("keyword optional", func(t *testing.T) {
		bare, err := ParseEventABI("EventResolve(uint256 round)")
		require.NoError(t, err)
		assert.Equal(t, "EventResolve", bare.Name)
	})

	t.Run("no arguments", func(t *testing.T) {
		empty, err := ParseEventABI("event Ping()")
		require.NoError(t, err)
		assert.Len(t, empty.Inputs, 0)
	})

	t.Run("unnamed argument", func(t *testing.T) {
		ev, err := ParseEventABI("event Transfer(address indexed, uint256)")
		require.NoError(t, err)
		assert.True(t, ev.Inputs[0].Indexed)
		assert.Equal(t, "arg0", ev.Inputs[0].Name)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseEventABI("not an event")
		assert.Error(t, err)
	})

	t.Run("bad type", func(t *testing.T) {
		_, err := ParseEventABI("event Bad(notatype x)")
		assert.Error(t, err)
	})
}

func TestEventArgsRoundTrip(t *testing.T) {
	indices := []uint64{0, 2}
	values := []common.Hash{common.HexToHash("0x2a"), common.HexToHash("0xff")}
	enc, err := EncodeEventArgs(indices, values)
	require.NoError(t, err)
	require.Len(t, enc, 32*5)

	gotIdx, gotVals, err := decodeEventArgs(enc)
	require.NoError(t, err)
	assert.Equal(t, indices, gotIdx)
	assert.Equal(t, values, gotVals)

	t.Run("empty is a wildcard-only filter", func(t *testing.T) {
		idx, vals, err := decodeEventArgs(nil)
		require.NoError(t, err)
		assert.Nil(t, idx)
		assert.Nil(t, vals)
	})

	t.Run("truncated payload rejected", func(t *testing.T) {
		_, _, err := decodeEventArgs(enc[:64])
		assert.ErrorIs(t, err, ErrEventArgsEncoded)
	})

	t.Run("oversize index word rejected", func(t *testing.T) {
		bad := make([]byte, len(enc))
		copy(bad, enc)
		bad[33] = 0x01 // dirt in the high bytes of the first index
		_, _, err := decodeEventArgs(bad)
		assert.ErrorIs(t, err, ErrEventArgsEncoded)
	})
}

func TestFilterDerivation(t *testing.T) {
	a := validAppointment()
	q, err := a.Filter()
	require.NoError(t, err)

	assert.Equal(t, []common.Address{a.ContractAddress}, q.Addresses)
	// topic 0 is the signature, topic 1 the pinned channel id
	require.Len(t, q.Topics, 2)
	assert.Equal(t,
		crypto.Keccak256Hash([]byte("EventDispute(uint256,uint256)")),
		q.Topics[0][0])
	assert.Equal(t, common.HexToHash("0x2a"), q.Topics[1][0])

	t.Run("unselected indexed args stay wildcards", func(t *testing.T) {
		b := validAppointment()
		b.EventABI = "event EventDispute(uint256 indexed channelId, address indexed challenger, uint256 round)"
		b.EventArgs = mustEventArgs([]uint64{1}, []common.Hash{common.HexToHash("0xbb")})
		q, err := b.Filter()
		require.NoError(t, err)
		require.Len(t, q.Topics, 3)
		assert.Nil(t, q.Topics[1])
		assert.Equal(t, common.HexToHash("0xbb"), q.Topics[2][0])
	})

	t.Run("index beyond indexed inputs rejected", func(t *testing.T) {
		c := validAppointment()
		c.EventArgs = mustEventArgs([]uint64{1}, []common.Hash{{}})
		_, err := c.Filter()
		assert.ErrorIs(t, err, ErrEventArgsIndex)
	})
}
