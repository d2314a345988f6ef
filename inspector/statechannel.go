package inspector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/chain"

	"github.com/ethereum/go-ethereum/core/types"
)

// StateChannelMode selects the bidirectional state-channel dispute handler.
const StateChannelMode uint64 = 1

var (
	ErrWrongBytecode      = errors.New("target contract bytecode mismatch")
	ErrStaleRound         = errors.New("claimed round not greater than on-chain round")
	ErrDisputeWindowShort = errors.New("on-chain dispute period below minimum")
	ErrDisputeWindowLong  = errors.New("on-chain dispute period exceeds appointment window")
	ErrBadResponsePayload = errors.New("response payload is not a setstate call")
	ErrMissingSignature   = errors.New("channel participant has not signed the claimed state")
)

// stateChannelABI is the channel surface the inspector reads plus the
// setstate call carried as the appointment's response payload.
const stateChannelABI = `[
	{"type":"function","name":"bestRound","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"disputePeriod","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"plist","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"setstate","stateMutability":"nonpayable","inputs":[
		{"name":"sigs","type":"bytes[]"},
		{"name":"round","type":"uint256"},
		{"name":"hstate","type":"bytes32"}],"outputs":[]}
]`

var channelABI abi.ABI

func init() {
	var err error
	channelABI, err = abi.JSON(strings.NewReader(stateChannelABI))
	if err != nil {
		panic(err)
	}
}

// StateChannel inspects appointments covering a two-party state channel.
type StateChannel struct {
	reader chain.Reader

	// keccak256 of the deployed channel bytecode the tower is willing to
	// watch; only exact deployments are insurable.
	codeHash common.Hash

	// minimum on-chain dispute period, in blocks
	minDisputePeriod uint64
}

func NewStateChannel(reader chain.Reader, codeHash common.Hash, minDisputePeriod uint64) *StateChannel {
	return &StateChannel{reader: reader, codeHash: codeHash, minDisputePeriod: minDisputePeriod}
}

func (s *StateChannel) Mode() uint64 { return StateChannelMode }

func (s *StateChannel) Validate(ctx context.Context, a *appointment.Appointment) error {
	code, err := s.reader.CodeAt(ctx, a.ContractAddress, nil)
	if err != nil {
		return fmt.Errorf("read channel code: %w", err)
	}
	if crypto.Keccak256Hash(code) != s.codeHash {
		return fmt.Errorf("%w: %s", ErrWrongBytecode, a.ContractAddress.Hex())
	}

	sigs, round, hstate, err := decodeSetState(a.Data)
	if err != nil {
		return err
	}

	onchainRound, err := s.callUint(ctx, a.ContractAddress, "bestRound")
	if err != nil {
		return err
	}
	if round.Cmp(onchainRound) <= 0 {
		return fmt.Errorf("%w: claimed %s, on-chain %s", ErrStaleRound, round, onchainRound)
	}

	disputePeriod, err := s.callUint(ctx, a.ContractAddress, "disputePeriod")
	if err != nil {
		return err
	}
	if disputePeriod.Uint64() < s.minDisputePeriod {
		return fmt.Errorf("%w: %s < %d", ErrDisputeWindowShort, disputePeriod, s.minDisputePeriod)
	}
	if window := a.EndBlock - a.StartBlock; disputePeriod.Uint64() >= window {
		return fmt.Errorf("%w: period %s, window %d", ErrDisputeWindowLong, disputePeriod, window)
	}

	return s.checkSignatures(ctx, a.ContractAddress, sigs, round, hstate)
}

// checkSignatures requires every channel participant to have signed the
// claimed state hash for the claimed round.
func (s *StateChannel) checkSignatures(ctx context.Context, channel common.Address, sigs [][]byte, round *big.Int, hstate common.Hash) error {
	data, err := channelABI.Pack("plist")
	if err != nil {
		return err
	}
	out, err := s.reader.CallContract(ctx, ethereum.CallMsg{To: &channel, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("read participants: %w", err)
	}
	vals, err := channelABI.Unpack("plist", out)
	if err != nil {
		return err
	}
	participants := vals[0].([]common.Address)

	var packed []byte
	packed = append(packed, hstate.Bytes()...)
	packed = append(packed, common.LeftPadBytes(round.Bytes(), 32)...)
	packed = append(packed, channel.Bytes()...)
	digest := accounts.TextHash(crypto.Keccak256(packed))

	signers := make(map[common.Address]bool, len(sigs))
	for _, sig := range sigs {
		if len(sig) != 65 {
			continue
		}
		plain := make([]byte, 65)
		copy(plain, sig)
		if plain[64] >= 27 {
			plain[64] -= 27
		}
		pub, err := crypto.SigToPub(digest, plain)
		if err != nil {
			continue
		}
		signers[crypto.PubkeyToAddress(*pub)] = true
	}
	for _, p := range participants {
		if !signers[p] {
			return fmt.Errorf("%w: %s", ErrMissingSignature, p.Hex())
		}
	}
	return nil
}

// DecodeTime reads the challenge deadline a dispute event commits to: the
// first word of the log payload.
func (s *StateChannel) DecodeTime(lg types.Log) (uint64, error) {
	if len(lg.Data) < 32 {
		return 0, fmt.Errorf("dispute log payload too short: %d bytes", len(lg.Data))
	}
	return new(big.Int).SetBytes(lg.Data[:32]).Uint64(), nil
}

// CheckPost holds when some observed log's payload hashes to the
// appointment's post condition. An empty post condition always holds.
func (s *StateChannel) CheckPost(a *appointment.Appointment, logs []types.Log) error {
	if len(a.PostCondition) == 0 {
		return nil
	}
	want := common.BytesToHash(a.PostCondition)
	for _, lg := range logs {
		if crypto.Keccak256Hash(lg.Data) == want {
			return nil
		}
	}
	return errors.New("post condition not observed")
}

func (s *StateChannel) callUint(ctx context.Context, to common.Address, method string) (*big.Int, error) {
	data, err := channelABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := s.reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := channelABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func decodeSetState(payload []byte) (sigs [][]byte, round *big.Int, hstate common.Hash, err error) {
	method, ok := methodOf(payload)
	if !ok || method.Name != "setstate" {
		return nil, nil, common.Hash{}, ErrBadResponsePayload
	}
	vals, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return nil, nil, common.Hash{}, fmt.Errorf("%w: %v", ErrBadResponsePayload, err)
	}
	sigs = vals[0].([][]byte)
	round = vals[1].(*big.Int)
	hstate = common.Hash(vals[2].([32]byte))
	return sigs, round, hstate, nil
}

func methodOf(payload []byte) (*abi.Method, bool) {
	if len(payload) < 4 {
		return nil, false
	}
	for i := range channelABI.Methods {
		m := channelABI.Methods[i]
		if bytes.Equal(m.ID, payload[:4]) {
			return &m, true
		}
	}
	return nil, false
}
