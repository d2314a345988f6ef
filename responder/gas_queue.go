// Package responder orders, signs, broadcasts and confirms response
// transactions under the tower's single signing key. Conflicts are resolved
// by replace-by-fee at a fixed nonce, never by parallel broadcast.
package responder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/connext/pisa/appointment"
)

var (
	ErrQueueFull = errors.New("gas queue full")

	// ErrQueueInvariant is an ApplicationError: a broken queue is a
	// programming bug, it is never returned to a customer.
	ErrQueueInvariant = errors.New("gas queue invariant broken")
)

// Request is one response intent: the transaction identifier plus the
// higher-level response it delivers.
type Request struct {
	AppointmentID string
	Response      *appointment.ResponseData

	ChainID  *big.Int
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	IdealGasPrice *big.Int

	// Deadline is the block the response must be confirmed by
	// (end block + challenge period). Informational for operators.
	Deadline uint64

	// noop marks a cancellation self-transfer occupying a reclaimed nonce.
	noop bool
}

// Identifier fingerprints the transaction identity
// (chain_id, data, to, value, gas_limit). Two live queue items must never
// share one.
func (r *Request) Identifier() common.Hash {
	var buf []byte
	buf = append(buf, common.LeftPadBytes(r.ChainID.Bytes(), 32)...)
	buf = append(buf, r.To.Bytes()...)
	value := r.Value
	if value == nil {
		value = new(big.Int)
	}
	buf = append(buf, common.LeftPadBytes(value.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(r.GasLimit).Bytes(), 32)...)
	buf = append(buf, r.Data...)
	return crypto.Keccak256Hash(buf)
}

// QueueItem is one nonce slot. CurrentGasPrice only ever rises and never
// drops below IdealGasPrice.
type QueueItem struct {
	Request         *Request
	Nonce           uint64
	IdealGasPrice   *big.Int
	CurrentGasPrice *big.Int
}

func (it *QueueItem) clone() *QueueItem {
	return &QueueItem{
		Request:         it.Request,
		Nonce:           it.Nonce,
		IdealGasPrice:   new(big.Int).Set(it.IdealGasPrice),
		CurrentGasPrice: new(big.Int).Set(it.CurrentGasPrice),
	}
}

// GasQueue is a logically immutable value: every mutation returns a new
// queue, validated on construction.
type GasQueue struct {
	items           []*QueueItem // ascending nonce
	emptyNonce      uint64       // next free nonce
	replacementRate int          // percent, e.g. 15 means +15%
	maxDepth        int
}

// NewGasQueue validates and builds a queue from its parts.
func NewGasQueue(items []*QueueItem, emptyNonce uint64, replacementRate, maxDepth int) (*GasQueue, error) {
	q := &GasQueue{items: items, emptyNonce: emptyNonce, replacementRate: replacementRate, maxDepth: maxDepth}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *GasQueue) validate() error {
	if len(q.items) > q.maxDepth {
		return fmt.Errorf("%w: depth %d > %d", ErrQueueInvariant, len(q.items), q.maxDepth)
	}
	seen := make(map[common.Hash]bool, len(q.items))
	for i, it := range q.items {
		if i > 0 {
			if it.Nonce != q.items[i-1].Nonce+1 {
				return fmt.Errorf("%w: nonces %d,%d not contiguous", ErrQueueInvariant, q.items[i-1].Nonce, it.Nonce)
			}
			if it.IdealGasPrice.Cmp(q.items[i-1].IdealGasPrice) > 0 {
				return fmt.Errorf("%w: ideal gas price increases at nonce %d", ErrQueueInvariant, it.Nonce)
			}
		}
		if it.CurrentGasPrice.Cmp(it.IdealGasPrice) < 0 {
			return fmt.Errorf("%w: current below ideal at nonce %d", ErrQueueInvariant, it.Nonce)
		}
		id := it.Request.Identifier()
		if seen[id] {
			return fmt.Errorf("%w: duplicate transaction identifier %s", ErrQueueInvariant, id.Hex())
		}
		seen[id] = true
	}
	if len(q.items) > 0 && q.emptyNonce != q.items[len(q.items)-1].Nonce+1 {
		return fmt.Errorf("%w: empty nonce %d after last nonce %d",
			ErrQueueInvariant, q.emptyNonce, q.items[len(q.items)-1].Nonce)
	}
	return nil
}

func (q *GasQueue) derive(items []*QueueItem, emptyNonce uint64) (*GasQueue, error) {
	return NewGasQueue(items, emptyNonce, q.replacementRate, q.maxDepth)
}

func (q *GasQueue) Len() int           { return len(q.items) }
func (q *GasQueue) EmptyNonce() uint64 { return q.emptyNonce }

// Head is the lowest-nonce item, nil when empty.
func (q *GasQueue) Head() *QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Items returns a defensive copy in nonce order.
func (q *GasQueue) Items() []*QueueItem {
	out := make([]*QueueItem, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// replacementPrice is the minimum price miners accept as a replacement:
// ceil(current · (100+rate)/100).
func (q *GasQueue) replacementPrice(current *big.Int) *big.Int {
	raised := new(big.Int).Mul(current, big.NewInt(int64(100+q.replacementRate)))
	raised.Add(raised, big.NewInt(99))
	return raised.Div(raised, big.NewInt(100))
}

// Add inserts a request so ideal gas prices stay non-increasing along the
// queue. Appending takes the empty nonce; inserting shifts later items up
// one nonce each, and any item shifted onto a nonce that already carried a
// broadcast transaction is re-priced to honour replace-by-fee.
func (q *GasQueue) Add(req *Request) (*GasQueue, error) {
	if len(q.items)+1 > q.maxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrQueueFull, q.maxDepth)
	}
	p := req.IdealGasPrice

	at := len(q.items)
	for i, it := range q.items {
		if it.IdealGasPrice.Cmp(p) < 0 {
			at = i
			break
		}
	}

	items := make([]*QueueItem, 0, len(q.items)+1)
	for _, it := range q.items[:at] {
		items = append(items, it.clone())
	}

	var nonce uint64
	if at == len(q.items) {
		nonce = q.emptyNonce
	} else {
		nonce = q.items[at].Nonce
	}
	items = append(items, &QueueItem{
		Request:         req,
		Nonce:           nonce,
		IdealGasPrice:   new(big.Int).Set(p),
		CurrentGasPrice: new(big.Int).Set(p),
	})

	for _, it := range q.items[at:] {
		shifted := it.clone()
		shifted.Nonce++
		if shifted.Nonce < q.emptyNonce {
			// the advanced nonce already carries a broadcast
			// transaction, the shifted item must out-bid it
			bumped := q.replacementPrice(shifted.CurrentGasPrice)
			if bumped.Cmp(shifted.CurrentGasPrice) > 0 {
				shifted.CurrentGasPrice = bumped
			}
		}
		items = append(items, shifted)
	}

	return q.derive(items, q.emptyNonce+1)
}

// Bump raises an item's current gas price by the replacement rate, for a
// rebroadcast at the same nonce.
func (q *GasQueue) Bump(nonce uint64) (*GasQueue, error) {
	items := make([]*QueueItem, len(q.items))
	for i, it := range q.items {
		c := it.clone()
		if c.Nonce == nonce {
			c.CurrentGasPrice = q.replacementPrice(c.CurrentGasPrice)
		}
		items[i] = c
	}
	return q.derive(items, q.emptyNonce)
}

// DropHead removes the confirmed lowest-nonce item.
func (q *GasQueue) DropHead() (*GasQueue, error) {
	if len(q.items) == 0 {
		return q, nil
	}
	items := make([]*QueueItem, 0, len(q.items)-1)
	for _, it := range q.items[1:] {
		items = append(items, it.clone())
	}
	return q.derive(items, q.emptyNonce)
}

// PushFront re-inserts an item whose confirmation was orphaned, at its
// original nonce and last gas price.
func (q *GasQueue) PushFront(item *QueueItem) (*GasQueue, error) {
	if len(q.items) > 0 && item.Nonce+1 != q.items[0].Nonce {
		return nil, fmt.Errorf("%w: reinsert nonce %d before nonce %d",
			ErrQueueInvariant, item.Nonce, q.items[0].Nonce)
	}
	restored := item.clone()
	// G2 is validated on the derived queue. Items added after the head
	// confirmed may carry a higher ideal, so a lower ideal is lifted to the
	// current front's (and current with it, if it would fall below).
	if len(q.items) > 0 && restored.IdealGasPrice.Cmp(q.items[0].IdealGasPrice) < 0 {
		restored.IdealGasPrice = new(big.Int).Set(q.items[0].IdealGasPrice)
		if restored.CurrentGasPrice.Cmp(restored.IdealGasPrice) < 0 {
			restored.CurrentGasPrice = new(big.Int).Set(restored.IdealGasPrice)
		}
	}
	items := make([]*QueueItem, 0, len(q.items)+1)
	items = append(items, restored)
	for _, it := range q.items {
		items = append(items, it.clone())
	}
	emptyNonce := q.emptyNonce
	if len(q.items) == 0 {
		emptyNonce = restored.Nonce + 1
	}
	return q.derive(items, emptyNonce)
}

// ReplaceWithNoop swaps the request at nonce for a cancellation
// self-transfer priced at the replacement rate, keeping the nonce occupied.
func (q *GasQueue) ReplaceWithNoop(nonce uint64, noop *Request) (*GasQueue, error) {
	items := make([]*QueueItem, len(q.items))
	for i, it := range q.items {
		c := it.clone()
		if c.Nonce == nonce {
			c.Request = noop
			c.CurrentGasPrice = q.replacementPrice(c.CurrentGasPrice)
			// the noop inherits the slot's ideal so ordering is untouched
			noop.IdealGasPrice = new(big.Int).Set(c.IdealGasPrice)
		}
		items[i] = c
	}
	return q.derive(items, q.emptyNonce)
}

// DropTail removes the last item if it matches the identifier and was never
// broadcast. Used for cancelling a tail intent without burning a nonce.
func (q *GasQueue) DropTail(identifier common.Hash) (*GasQueue, bool, error) {
	n := len(q.items)
	if n == 0 || q.items[n-1].Request.Identifier() != identifier {
		return q, false, nil
	}
	items := make([]*QueueItem, 0, n-1)
	for _, it := range q.items[:n-1] {
		items = append(items, it.clone())
	}
	derived, err := q.derive(items, q.emptyNonce-1)
	if err != nil {
		return nil, false, err
	}
	return derived, true, nil
}

// FindByAppointment returns the live items delivering the appointment.
func (q *GasQueue) FindByAppointment(id string) []*QueueItem {
	var out []*QueueItem
	for _, it := range q.items {
		if !it.Request.noop && it.Request.AppointmentID == id {
			out = append(out, it)
		}
	}
	return out
}
