package appointment

import (
	"encoding/binary"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParseEventABI parses a human-readable event declaration such as
//
//	event EventDispute(uint256 indexed channelId, uint256 round)
//
// into a go-ethereum abi.Event. The leading "event" keyword is optional.
func ParseEventABI(decl string) (abi.Event, error) {
	s := strings.TrimSpace(decl)
	s = strings.TrimPrefix(s, "event ")
	open := strings.Index(s, "(")
	closing := strings.LastIndex(s, ")")
	if open <= 0 || closing < open {
		return abi.Event{}, fmt.Errorf("malformed event declaration %q", decl)
	}
	name := strings.TrimSpace(s[:open])

	var inputs abi.Arguments
	argList := strings.TrimSpace(s[open+1 : closing])
	if argList != "" {
		for i, raw := range strings.Split(argList, ",") {
			fields := strings.Fields(raw)
			if len(fields) == 0 {
				return abi.Event{}, fmt.Errorf("empty argument %d in %q", i, decl)
			}
			typ, err := abi.NewType(fields[0], "", nil)
			if err != nil {
				return abi.Event{}, fmt.Errorf("argument %d of %q: %w", i, decl, err)
			}
			arg := abi.Argument{Type: typ}
			rest := fields[1:]
			if len(rest) > 0 && rest[0] == "indexed" {
				arg.Indexed = true
				rest = rest[1:]
			}
			if len(rest) > 0 {
				arg.Name = rest[0]
			} else {
				arg.Name = fmt.Sprintf("arg%d", i)
			}
			inputs = append(inputs, arg)
		}
	}
	return abi.NewEvent(name, name, false, inputs), nil
}

// EncodeEventArgs builds the event_args byte string: a 32-byte count, the
// selected indices (32 bytes each, positions within the event's indexed
// inputs) and then one 32-byte topic value per index.
func EncodeEventArgs(indices []uint64, values []common.Hash) ([]byte, error) {
	if len(indices) != len(values) {
		return nil, fmt.Errorf("%w: %d indices, %d values", ErrEventArgsEncoded, len(indices), len(values))
	}
	out := make([]byte, 0, 32*(1+2*len(indices)))
	out = append(out, pad32(uint64(len(indices)))...)
	for _, idx := range indices {
		out = append(out, pad32(idx)...)
	}
	for _, v := range values {
		out = append(out, v.Bytes()...)
	}
	return out, nil
}

// decodeEventArgs is the inverse of EncodeEventArgs.
func decodeEventArgs(data []byte) ([]uint64, []common.Hash, error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	if len(data)%32 != 0 || len(data) < 32 {
		return nil, nil, ErrEventArgsEncoded
	}
	n := binary.BigEndian.Uint64(data[24:32])
	if uint64(len(data)) != 32*(1+2*n) {
		return nil, nil, ErrEventArgsEncoded
	}
	indices := make([]uint64, n)
	values := make([]common.Hash, n)
	for i := uint64(0); i < n; i++ {
		word := data[32*(1+i) : 32*(2+i)]
		for _, b := range word[:24] {
			if b != 0 {
				return nil, nil, ErrEventArgsEncoded
			}
		}
		indices[i] = binary.BigEndian.Uint64(word[24:])
	}
	for i := uint64(0); i < n; i++ {
		copy(values[i][:], data[32*(1+n+i):])
	}
	return indices, values, nil
}

// Filter derives the provider-level log filter: the contract address plus
// topic constraints from the event signature and the selected indexed
// arguments. Unselected indexed positions stay wildcards.
func (a *Appointment) Filter() (ethereum.FilterQuery, error) {
	event, err := ParseEventABI(a.EventABI)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	indexed := 0
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	topics := make([][]common.Hash, 1+indexed)
	topics[0] = []common.Hash{event.ID}

	indices, values, err := decodeEventArgs(a.EventArgs)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	for i, idx := range indices {
		if idx >= uint64(indexed) {
			return ethereum.FilterQuery{}, fmt.Errorf("%w: %d of %d indexed", ErrEventArgsIndex, idx, indexed)
		}
		topics[1+idx] = []common.Hash{values[i]}
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{a.ContractAddress},
		Topics:    topics,
	}, nil
}

func pad32(v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return word[:]
}
