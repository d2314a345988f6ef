// Package appointment holds the customer-facing hiring contract: the
// appointment record, its wire codec, the canonical packed encoding the
// receipt signature commits to, and the event filter derived from it.
package appointment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingField     = errors.New("missing required field")
	ErrWindowInverted   = errors.New("start block after end block")
	ErrZeroGasLimit     = errors.New("gas limit must be positive")
	ErrNegativeRefund   = errors.New("refund must be non-negative")
	ErrBadSignatureLen  = errors.New("customer signature must be 65 bytes")
	ErrPaymentHash      = errors.New("payment hash does not match the free tier")
	ErrEventArgsIndex   = errors.New("event argument index out of range")
	ErrEventArgsEncoded = errors.New("malformed event args encoding")
)

// FreeTierPaymentHash is the only payment hash the tower accepts. Customers
// on the free tier commit to the preimage "on-the-house".
var FreeTierPaymentHash = crypto.Keccak256Hash([]byte("on-the-house"))

// Appointment is immutable once accepted. Many appointments may share a
// locator; the one with the greatest job id is the live one.
type Appointment struct {
	ContractAddress common.Address
	CustomerAddress common.Address

	StartBlock      uint64
	EndBlock        uint64
	ChallengePeriod uint64

	CustomerChosenID uint64
	JobID            uint64

	Data     []byte
	Refund   *big.Int
	GasLimit uint64
	Mode     uint64

	EventABI  string
	EventArgs []byte

	PreCondition  []byte
	PostCondition []byte

	PaymentHash common.Hash
	CustomerSig []byte
}

// Locator is the non-unique customer-facing key.
func (a *Appointment) Locator() string {
	return fmt.Sprintf("%d:%s", a.CustomerChosenID, strings.ToLower(a.CustomerAddress.Hex()))
}

// ID uniquely identifies the appointment: locator plus job id.
func (a *Appointment) ID() string {
	return fmt.Sprintf("%s:%d", a.Locator(), a.JobID)
}

// Validate performs the schema-level checks of the admission path. Protocol
// checks belong to the mode's inspector.
func (a *Appointment) Validate() error {
	if a.ContractAddress == (common.Address{}) {
		return fmt.Errorf("%w: contractAddress", ErrMissingField)
	}
	if a.CustomerAddress == (common.Address{}) {
		return fmt.Errorf("%w: customerAddress", ErrMissingField)
	}
	if a.StartBlock > a.EndBlock {
		return fmt.Errorf("%w: [%d,%d]", ErrWindowInverted, a.StartBlock, a.EndBlock)
	}
	if a.GasLimit == 0 {
		return ErrZeroGasLimit
	}
	if a.Refund == nil || a.Refund.Sign() < 0 {
		return ErrNegativeRefund
	}
	if len(a.CustomerSig) != 65 {
		return ErrBadSignatureLen
	}
	if a.EventABI == "" {
		return fmt.Errorf("%w: eventABI", ErrMissingField)
	}
	if a.PaymentHash != FreeTierPaymentHash {
		return ErrPaymentHash
	}
	if _, err := a.Filter(); err != nil {
		return err
	}
	return nil
}

// Equal reports whether two appointments have identical contents. Used by
// the store to allow idempotent re-puts.
func (a *Appointment) Equal(b *Appointment) bool {
	if a.ContractAddress != b.ContractAddress ||
		a.CustomerAddress != b.CustomerAddress ||
		a.StartBlock != b.StartBlock ||
		a.EndBlock != b.EndBlock ||
		a.ChallengePeriod != b.ChallengePeriod ||
		a.CustomerChosenID != b.CustomerChosenID ||
		a.JobID != b.JobID ||
		a.GasLimit != b.GasLimit ||
		a.Mode != b.Mode ||
		a.EventABI != b.EventABI ||
		a.PaymentHash != b.PaymentHash {
		return false
	}
	if a.Refund.Cmp(b.Refund) != 0 {
		return false
	}
	return bytes.Equal(a.Data, b.Data) &&
		bytes.Equal(a.EventArgs, b.EventArgs) &&
		bytes.Equal(a.PreCondition, b.PreCondition) &&
		bytes.Equal(a.PostCondition, b.PostCondition) &&
		bytes.Equal(a.CustomerSig, b.CustomerSig)
}

// appointmentJSON is the HTTP wire form. Byte strings are 0x-hex, the refund
// is a decimal string since wei amounts overflow float-backed JSON numbers.
type appointmentJSON struct {
	ContractAddress  common.Address `json:"contractAddress"`
	CustomerAddress  common.Address `json:"customerAddress"`
	StartBlock       uint64         `json:"startBlock"`
	EndBlock         uint64         `json:"endBlock"`
	ChallengePeriod  uint64         `json:"challengePeriod"`
	CustomerChosenID uint64         `json:"customerChosenId"`
	JobID            uint64         `json:"jobId"`
	Data             hexutil.Bytes  `json:"data"`
	Refund           string         `json:"refund"`
	GasLimit         uint64         `json:"gasLimit"`
	Mode             uint64         `json:"mode"`
	EventABI         string         `json:"eventABI"`
	EventArgs        hexutil.Bytes  `json:"eventArgs"`
	PreCondition     hexutil.Bytes  `json:"preCondition"`
	PostCondition    hexutil.Bytes  `json:"postCondition"`
	PaymentHash      common.Hash    `json:"paymentHash"`
	CustomerSig      hexutil.Bytes  `json:"customerSig"`
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	refund := "0"
	if a.Refund != nil {
		refund = a.Refund.String()
	}
	return json.Marshal(appointmentJSON{
		ContractAddress:  a.ContractAddress,
		CustomerAddress:  a.CustomerAddress,
		StartBlock:       a.StartBlock,
		EndBlock:         a.EndBlock,
		ChallengePeriod:  a.ChallengePeriod,
		CustomerChosenID: a.CustomerChosenID,
		JobID:            a.JobID,
		Data:             a.Data,
		Refund:           refund,
		GasLimit:         a.GasLimit,
		Mode:             a.Mode,
		EventABI:         a.EventABI,
		EventArgs:        a.EventArgs,
		PreCondition:     a.PreCondition,
		PostCondition:    a.PostCondition,
		PaymentHash:      a.PaymentHash,
		CustomerSig:      a.CustomerSig,
	})
}

func (a *Appointment) UnmarshalJSON(data []byte) error {
	var w appointmentJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	refund := new(big.Int)
	if w.Refund != "" {
		if _, ok := refund.SetString(w.Refund, 10); !ok {
			return fmt.Errorf("invalid refund %q", w.Refund)
		}
	}
	*a = Appointment{
		ContractAddress:  w.ContractAddress,
		CustomerAddress:  w.CustomerAddress,
		StartBlock:       w.StartBlock,
		EndBlock:         w.EndBlock,
		ChallengePeriod:  w.ChallengePeriod,
		CustomerChosenID: w.CustomerChosenID,
		JobID:            w.JobID,
		Data:             w.Data,
		Refund:           refund,
		GasLimit:         w.GasLimit,
		Mode:             w.Mode,
		EventABI:         w.EventABI,
		EventArgs:        w.EventArgs,
		PreCondition:     w.PreCondition,
		PostCondition:    w.PostCondition,
		PaymentHash:      w.PaymentHash,
		CustomerSig:      w.CustomerSig,
	}
	return nil
}
