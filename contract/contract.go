// Package contract is the off-chain view of the accountability contract:
// packing respond() calls, deriving the on-chain pisa id, and reading the
// dispute registry shards.
package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/chain"
)

// TowerABI is the slice of the accountability contract the responder calls.
const TowerABI = `[
	{"type":"function","name":"respond","stateMutability":"nonpayable","inputs":[
		{"name":"sc","type":"address"},
		{"name":"cus","type":"address"},
		{"name":"appointmentid","type":"uint256"},
		{"name":"jobid","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"gas","type":"uint256"}],"outputs":[]}
]`

// RegistryABI is the dispute-registry read surface.
const RegistryABI = `[
	{"type":"function","name":"getTotalShards","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"fetchRecords","stateMutability":"view","inputs":[
		{"name":"datashard","type":"uint256"},
		{"name":"sc","type":"address"},
		{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"bytes[]"}]}
]`

var (
	towerABI    abi.ABI
	registryABI abi.ABI
	recordArgs  abi.Arguments
)

func init() {
	var err error
	if towerABI, err = abi.JSON(strings.NewReader(TowerABI)); err != nil {
		panic(err)
	}
	if registryABI, err = abi.JSON(strings.NewReader(RegistryABI)); err != nil {
		panic(err)
	}
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	recordArgs = abi.Arguments{{Type: uint256Ty}, {Type: bytes32Ty}}
}

// PisaID is the on-chain key a response is recorded under:
// keccak256(sc ‖ cus ‖ appointment_id ‖ job_id).
func PisaID(sc, cus common.Address, appointmentID, jobID uint64) common.Hash {
	var buf []byte
	buf = append(buf, sc.Bytes()...)
	buf = append(buf, cus.Bytes()...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(appointmentID).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(jobID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// BuildResponse turns a triggered appointment into the respond() call the
// watcher hands to the responder.
func BuildResponse(towerContract common.Address, a *appointment.Appointment) *appointment.ResponseData {
	return &appointment.ResponseData{
		ContractAddress: towerContract,
		ABI:             TowerABI,
		FunctionName:    "respond",
		Args: []interface{}{
			a.ContractAddress,
			a.CustomerAddress,
			new(big.Int).SetUint64(a.CustomerChosenID),
			new(big.Int).SetUint64(a.JobID),
			a.Data,
			new(big.Int).SetUint64(a.GasLimit),
		},
		EndBlock: a.EndBlock,
	}
}

// PackCall ABI-encodes a response's calldata.
func PackCall(rd *appointment.ResponseData) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(rd.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse response abi: %w", err)
	}
	data, err := parsed.Pack(rd.FunctionName, rd.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", rd.FunctionName, err)
	}
	return data, nil
}

// Record is one dispute-registry entry written by respond().
type Record struct {
	BlockNumber uint64
	DataHash    common.Hash
}

// Registry reads the dispute registry.
type Registry struct {
	reader  chain.Reader
	address common.Address
}

func NewRegistry(reader chain.Reader, address common.Address) *Registry {
	return &Registry{reader: reader, address: address}
}

func (r *Registry) TotalShards(ctx context.Context) (uint64, error) {
	data, err := registryABI.Pack("getTotalShards")
	if err != nil {
		return 0, err
	}
	out, err := r.reader.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("getTotalShards: %w", err)
	}
	vals, err := registryABI.Unpack("getTotalShards", out)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// FetchRecords returns the records stored for (shard, contract, id). A
// present record is how the tower recognises an existing cheat entry.
func (r *Registry) FetchRecords(ctx context.Context, shard uint64, sc common.Address, id uint64) ([]Record, error) {
	data, err := registryABI.Pack("fetchRecords",
		new(big.Int).SetUint64(shard), sc, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	out, err := r.reader.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("fetchRecords: %w", err)
	}
	vals, err := registryABI.Unpack("fetchRecords", out)
	if err != nil {
		return nil, err
	}
	raw := vals[0].([][]byte)
	records := make([]Record, 0, len(raw))
	for i, blob := range raw {
		decoded, err := recordArgs.Unpack(blob)
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		records = append(records, Record{
			BlockNumber: decoded[0].(*big.Int).Uint64(),
			DataHash:    common.Hash(decoded[1].([32]byte)),
		})
	}
	return records, nil
}
