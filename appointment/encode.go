package appointment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PackedEncoding is the canonical tightly-packed form the receipt signature
// commits to. Field order and widths are fixed: addresses contribute their
// 20 raw bytes, integers 32 big-endian bytes, byte strings and the event ABI
// their raw bytes with no length prefix.
func (a *Appointment) PackedEncoding() []byte {
	var out []byte
	out = append(out, a.ContractAddress.Bytes()...)
	out = append(out, a.CustomerAddress.Bytes()...)
	out = append(out, packUint64(a.StartBlock)...)
	out = append(out, packUint64(a.EndBlock)...)
	out = append(out, packUint64(a.ChallengePeriod)...)
	out = append(out, packUint64(a.CustomerChosenID)...)
	out = append(out, packUint64(a.JobID)...)
	out = append(out, a.Data...)
	out = append(out, packBig(a.Refund)...)
	out = append(out, packUint64(a.GasLimit)...)
	out = append(out, packUint64(a.Mode)...)
	out = append(out, []byte(a.EventABI)...)
	out = append(out, a.EventArgs...)
	out = append(out, a.PostCondition...)
	out = append(out, a.PaymentHash.Bytes()...)
	return out
}

func packUint64(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func packBig(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
