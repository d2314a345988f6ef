package appointment

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAppointment() *Appointment {
	return &Appointment{
		ContractAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CustomerAddress:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		StartBlock:       100,
		EndBlock:         200,
		ChallengePeriod:  50,
		CustomerChosenID: 42,
		JobID:            1,
		Data:             []byte{0x01, 0x02, 0x03},
		Refund:           big.NewInt(1_000_000_000),
		GasLimit:         400_000,
		Mode:             0,
		EventABI:         "event EventDispute(uint256 indexed channelId, uint256 round)",
		EventArgs:        mustEventArgs([]uint64{0}, []common.Hash{common.HexToHash("0x2a")}),
		PreCondition:     nil,
		PostCondition:    []byte{0xaa},
		PaymentHash:      FreeTierPaymentHash,
		CustomerSig:      make([]byte, 65),
	}
}

func mustEventArgs(indices []uint64, values []common.Hash) []byte {
	out, err := EncodeEventArgs(indices, values)
	if err != nil {
		panic(err)
	}
	return out
}

func TestLocatorAndID(t *testing.T) {
	a := validAppointment()
	assert.Equal(t, "42:0x2222222222222222222222222222222222222222", a.Locator())
	assert.Equal(t, a.Locator()+":1", a.ID())

	b := validAppointment()
	b.JobID = 2
	assert.Equal(t, a.Locator(), b.Locator())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Appointment)
		wantErr error
	}{
		{"valid", func(*Appointment) {}, nil},
		{"inverted window", func(a *Appointment) { a.StartBlock = 300 }, ErrWindowInverted},
		{"zero gas", func(a *Appointment) { a.GasLimit = 0 }, ErrZeroGasLimit},
		{"negative refund", func(a *Appointment) { a.Refund = big.NewInt(-1) }, ErrNegativeRefund},
		{"nil refund", func(a *Appointment) { a.Refund = nil }, ErrNegativeRefund},
		{"short signature", func(a *Appointment) { a.CustomerSig = make([]byte, 64) }, ErrBadSignatureLen},
		{"missing contract", func(a *Appointment) { a.ContractAddress = common.Address{} }, ErrMissingField},
		{"missing event abi", func(a *Appointment) { a.EventABI = "" }, ErrMissingField},
		{"wrong payment hash", func(a *Appointment) { a.PaymentHash = common.HexToHash("0x01") }, ErrPaymentHash},
		{"filter index out of range", func(a *Appointment) {
			a.EventArgs = mustEventArgs([]uint64{5}, []common.Hash{{}})
		}, ErrEventArgsIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAppointment()
			tt.mutate(a)
			err := a.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := validAppointment()
	blob, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded Appointment
	require.NoError(t, json.Unmarshal(blob, &decoded))
	assert.True(t, a.Equal(&decoded), "round-tripped appointment differs")

	// the refund crosses the wire as a decimal string
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.JSONEq(t, `"1000000000"`, string(raw["refund"]))
}

func TestJSONRejectsBadRefund(t *testing.T) {
	a := validAppointment()
	blob, err := json.Marshal(a)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	raw["refund"] = json.RawMessage(`"not-a-number"`)
	reblob, err := json.Marshal(raw)
	require.NoError(t, err)

	var decoded Appointment
	assert.Error(t, json.Unmarshal(reblob, &decoded))
}

func TestEqualDetectsContentChange(t *testing.T) {
	a := validAppointment()
	b := validAppointment()
	require.True(t, a.Equal(b))

	b.Data = []byte{0xff}
	assert.False(t, a.Equal(b))
}
