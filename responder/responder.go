package responder

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
	"github.com/connext/pisa/contract"
)

const (
	DefaultReplacementRate = 15
	DefaultMaxQueueDepth   = 12
	DefaultMaxAttempts     = 10

	// WAIT_TIME_FOR_PROVIDER_RESPONSE
	DefaultWaitForProvider = 30 * time.Second
	// WAIT_TIME_BETWEEN_ATTEMPTS
	DefaultWaitBetweenAttempts = 1 * time.Second

	noopGasLimit = 23000
)

type Config struct {
	ReplacementRate     int
	MaxQueueDepth       int
	MaxAttempts         int
	WaitForProvider     time.Duration
	WaitBetweenAttempts time.Duration
	// ReorgWindow bounds how long a confirmation is considered revocable.
	ReorgWindow uint64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReplacementRate == 0 {
		out.ReplacementRate = DefaultReplacementRate
	}
	if out.MaxQueueDepth == 0 {
		out.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.WaitForProvider == 0 {
		out.WaitForProvider = DefaultWaitForProvider
	}
	if out.WaitBetweenAttempts == 0 {
		out.WaitBetweenAttempts = DefaultWaitBetweenAttempts
	}
	if out.ReorgWindow == 0 {
		out.ReorgWindow = blockfeed.DefaultWindow
	}
	return out
}

type sentTx struct {
	hash       common.Hash
	price      *big.Int
	identifier common.Hash
}

type confirmedEntry struct {
	item        *QueueItem
	hash        common.Hash
	blockNumber uint64
}

// Responder owns the signing key's nonce space. All signing for the key
// happens here and nowhere else.
type Responder struct {
	log    *zap.Logger
	sender chain.Sender
	reader chain.Reader
	cfg    Config

	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer

	relays *RelayBroadcaster
	emitter

	mu        sync.Mutex
	queue     *GasQueue
	sent      map[uint64]sentTx    // nonce -> last broadcast
	attempts  map[common.Hash]int  // identifier -> failed attempts
	announced map[common.Hash]bool // identifier -> ResponseSent emitted
	abandoned map[common.Hash]bool // identifier -> ResponseFailed emitted
	confirmed []confirmedEntry     // ascending nonce, within the reorg window

	kick chan struct{}
}

func New(sender chain.Sender, reader chain.Reader, key *ecdsa.PrivateKey,
	relays *RelayBroadcaster, cfg Config, log *zap.Logger, listeners ...Listener,
) *Responder {
	r := &Responder{
		log:       log.Named("responder"),
		sender:    sender,
		reader:    reader,
		cfg:       cfg.withDefaults(),
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		relays:    relays,
		sent:      make(map[uint64]sentTx),
		attempts:  make(map[common.Hash]int),
		announced: make(map[common.Hash]bool),
		abandoned: make(map[common.Hash]bool),
		kick:      make(chan struct{}, 1),
	}
	r.listeners = listeners
	return r
}

// Address is the broadcast key's account.
func (r *Responder) Address() common.Address { return r.address }

// Start fixes the chain id and seeds the empty nonce from the signer's
// on-chain transaction count. Must run before Run or QueueResponse.
func (r *Responder) Start(ctx context.Context) error {
	chainID, err := r.sender.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("responder chain id: %w", err)
	}
	nonce, err := r.sender.PendingNonceAt(ctx, r.address)
	if err != nil {
		return fmt.Errorf("responder nonce: %w", err)
	}
	r.chainID = chainID
	r.signer = types.LatestSignerForChainID(chainID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue, err = NewGasQueue(nil, nonce, r.cfg.ReplacementRate, r.cfg.MaxQueueDepth)
	if err != nil {
		return err
	}
	r.log.Info("responder ready",
		zap.String("address", r.address.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("chainId", chainID.String()))
	return nil
}

// QueueResponse enqueues one response intent. The ideal gas price is the
// provider's current suggestion; dispatch only ever raises it.
func (r *Responder) QueueResponse(ctx context.Context, id string, rd *appointment.ResponseData, gasLimit, deadline uint64) error {
	calldata, err := contract.PackCall(rd)
	if err != nil {
		return err
	}
	gasPrice, err := r.sender.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	req := &Request{
		AppointmentID: id,
		Response:      rd,
		ChainID:       r.chainID,
		To:            rd.ContractAddress,
		Value:         new(big.Int),
		Data:          calldata,
		GasLimit:      gasLimit,
		IdealGasPrice: gasPrice,
		Deadline:      deadline,
	}

	r.mu.Lock()
	next, err := r.queue.Add(req)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("enqueue response for %s: %w", id, err)
	}
	r.queue = next
	r.mu.Unlock()

	r.log.Info("response queued",
		zap.String("appointment", id),
		zap.String("gasPrice", gasPrice.String()),
		zap.Uint64("deadline", deadline))
	r.wake()
	return nil
}

// Cancel synchronously removes an appointment's intents. A tail intent that
// was never broadcast releases its nonce; anything else keeps its nonce
// occupied by a replacement-rate no-op self-transfer.
func (r *Responder) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return
	}
	for _, it := range r.queue.FindByAppointment(id) {
		identifier := it.Request.Identifier()
		_, broadcast := r.sent[it.Nonce]

		if !broadcast {
			if next, dropped, err := r.queue.DropTail(identifier); err == nil && dropped {
				r.queue = next
				r.forget(identifier)
				r.log.Info("cancelled unbroadcast intent",
					zap.String("appointment", id), zap.Uint64("nonce", it.Nonce))
				continue
			}
		}
		next, err := r.queue.ReplaceWithNoop(it.Nonce, r.noopRequest(it.Nonce))
		if err != nil {
			r.log.Error("cancel failed", zap.String("appointment", id), zap.Error(err))
			continue
		}
		r.queue = next
		r.forget(identifier)
		r.log.Info("cancelled intent, nonce reclaimed by no-op",
			zap.String("appointment", id), zap.Uint64("nonce", it.Nonce))
	}
}

func (r *Responder) forget(identifier common.Hash) {
	delete(r.attempts, identifier)
	delete(r.announced, identifier)
	delete(r.abandoned, identifier)
}

// noopRequest is a zero-value self-transfer; the nonce in the payload keeps
// transaction identifiers distinct across reclaimed slots.
func (r *Responder) noopRequest(nonce uint64) *Request {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, nonce)
	return &Request{
		AppointmentID: "",
		ChainID:       r.chainID,
		To:            r.address,
		Value:         new(big.Int),
		Data:          data,
		GasLimit:      noopGasLimit,
		IdealGasPrice: new(big.Int).SetUint64(1),
		noop:          true,
	}
}

// Listener feeds block events into the responder: new heads prune the
// revocable-confirmation window, rewinds re-enqueue orphaned confirmations.
func (r *Responder) Listener() blockfeed.Listener {
	return func(ev blockfeed.Event) {
		switch ev.Kind {
		case blockfeed.NewHead:
			r.pruneConfirmed(ev.Block.Number)
		case blockfeed.ReorgTo:
			r.handleReorg(ev.Height)
		}
	}
}

func (r *Responder) pruneConfirmed(head uint64) {
	if head <= r.cfg.ReorgWindow {
		return
	}
	floor := head - r.cfg.ReorgWindow
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.confirmed[:0]
	for _, c := range r.confirmed {
		if c.blockNumber >= floor {
			kept = append(kept, c)
		} else {
			delete(r.sent, c.item.Nonce)
		}
	}
	r.confirmed = kept
}

// handleReorg re-inserts every confirmation orphaned by the rewind at its
// original nonce; the gas price keeps its last value.
func (r *Responder) handleReorg(height uint64) {
	r.mu.Lock()
	var kept, orphaned []confirmedEntry
	for _, c := range r.confirmed {
		if c.blockNumber > height {
			orphaned = append(orphaned, c)
		} else {
			kept = append(kept, c)
		}
	}
	r.confirmed = kept
	// highest nonce first so each PushFront lands directly before the
	// current queue front
	for i := len(orphaned) - 1; i >= 0; i-- {
		next, err := r.queue.PushFront(orphaned[i].item)
		if err != nil {
			r.log.Error("reorg reinsert failed",
				zap.Uint64("nonce", orphaned[i].item.Nonce), zap.Error(err))
			continue
		}
		r.queue = next
	}
	r.mu.Unlock()

	for _, c := range orphaned {
		r.log.Warn("confirmed response orphaned by reorg, redispatching",
			zap.String("appointment", c.item.Request.AppointmentID),
			zap.Uint64("nonce", c.item.Nonce),
			zap.Uint64("reorgTo", height))
	}
	if len(orphaned) > 0 {
		r.wake()
	}
}

func (r *Responder) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run is the single-threaded dispatcher loop.
func (r *Responder) Run(ctx context.Context) error {
	timer := time.NewTicker(r.cfg.WaitBetweenAttempts)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-timer.C:
		}
		r.step(ctx)
	}
}

// step performs one dispatch round: broadcast every item that needs (re-)
// broadcasting in nonce order, then await inclusion of the head.
func (r *Responder) step(ctx context.Context) {
	r.mu.Lock()
	if r.queue == nil {
		r.mu.Unlock()
		return
	}
	items := r.queue.Items()
	r.mu.Unlock()

	for _, it := range items {
		r.mu.Lock()
		last, ok := r.sent[it.Nonce]
		r.mu.Unlock()
		if ok && last.identifier == it.Request.Identifier() && last.price.Cmp(it.CurrentGasPrice) == 0 {
			continue
		}
		r.broadcastItem(ctx, it)
	}

	r.mu.Lock()
	head := r.queue.Head()
	var last sentTx
	var broadcast bool
	if head != nil {
		last, broadcast = r.sent[head.Nonce]
	}
	r.mu.Unlock()
	if head == nil || !broadcast {
		return
	}

	receipt := r.awaitReceipt(ctx, last.hash)
	if receipt != nil {
		r.confirmHead(head, last, receipt)
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.headTimedOut(head)
}

func (r *Responder) broadcastItem(ctx context.Context, it *QueueItem) {
	to := it.Request.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    it.Nonce,
		To:       &to,
		Value:    it.Request.Value,
		Gas:      it.Request.GasLimit,
		GasPrice: it.CurrentGasPrice,
		Data:     it.Request.Data,
	})
	signed, err := types.SignTx(tx, r.signer, r.key)
	if err != nil {
		r.log.Error("sign response", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.WaitForProvider)
	err = r.sender.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil && !alreadyKnown(err) {
		r.attemptFailed(it, fmt.Sprintf("broadcast: %v", err))
		return
	}

	identifier := it.Request.Identifier()
	r.mu.Lock()
	r.sent[it.Nonce] = sentTx{hash: signed.Hash(), price: new(big.Int).Set(it.CurrentGasPrice), identifier: identifier}
	first := !r.announced[identifier] && !it.Request.noop
	r.announced[identifier] = true
	r.mu.Unlock()

	r.log.Info("response broadcast",
		zap.String("appointment", it.Request.AppointmentID),
		zap.Uint64("nonce", it.Nonce),
		zap.String("tx", signed.Hash().Hex()),
		zap.String("gasPrice", it.CurrentGasPrice.String()))

	if first {
		r.emit(Event{
			Kind:          ResponseSent,
			AppointmentID: it.Request.AppointmentID,
			TxHash:        signed.Hash(),
			Nonce:         it.Nonce,
			GasPrice:      new(big.Int).Set(it.CurrentGasPrice),
		})
	}
	if r.relays != nil {
		if raw, err := signed.MarshalBinary(); err == nil {
			r.relays.Broadcast(raw)
		}
	}
}

// awaitReceipt polls for inclusion for at most WaitForProvider.
func (r *Responder) awaitReceipt(ctx context.Context, hash common.Hash) *types.Receipt {
	deadline := time.Now().Add(r.cfg.WaitForProvider)
	for {
		receipt, err := r.reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil && receipt.BlockNumber != nil {
			return receipt
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.log.Warn("receipt poll failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (r *Responder) confirmHead(head *QueueItem, last sentTx, receipt *types.Receipt) {
	r.mu.Lock()
	next, err := r.queue.DropHead()
	if err != nil {
		r.mu.Unlock()
		r.log.Error("drop confirmed head", zap.Error(err))
		return
	}
	r.queue = next
	r.confirmed = append(r.confirmed, confirmedEntry{
		item:        head,
		hash:        last.hash,
		blockNumber: receipt.BlockNumber.Uint64(),
	})
	r.mu.Unlock()

	if !head.Request.noop {
		r.emit(Event{
			Kind:          ResponseConfirmed,
			AppointmentID: head.Request.AppointmentID,
			TxHash:        last.hash,
			Nonce:         head.Nonce,
			GasPrice:      new(big.Int).Set(head.CurrentGasPrice),
		})
	}
	r.log.Info("response confirmed",
		zap.String("appointment", head.Request.AppointmentID),
		zap.Uint64("nonce", head.Nonce),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))
	r.wake()
}

// headTimedOut re-prices the head for replace-by-fee; the next round
// rebroadcasts at the higher price.
func (r *Responder) headTimedOut(head *QueueItem) {
	r.attemptFailed(head, "inclusion timeout")
}

// attemptFailed counts one failed attempt against the intent, re-prices it,
// and abandons it after MaxAttempts.
func (r *Responder) attemptFailed(it *QueueItem, reason string) {
	if it.Request.noop {
		r.log.Warn("no-op dispatch failed", zap.Uint64("nonce", it.Nonce), zap.String("reason", reason))
		return
	}
	identifier := it.Request.Identifier()

	r.mu.Lock()
	if r.abandoned[identifier] {
		r.mu.Unlock()
		return
	}
	r.attempts[identifier]++
	n := r.attempts[identifier]
	exhausted := n >= r.cfg.MaxAttempts
	r.mu.Unlock()

	r.emit(Event{
		Kind:          AttemptFailed,
		AppointmentID: it.Request.AppointmentID,
		Nonce:         it.Nonce,
		Attempt:       n,
		Reason:        reason,
	})
	r.log.Warn("response attempt failed",
		zap.String("appointment", it.Request.AppointmentID),
		zap.Uint64("nonce", it.Nonce),
		zap.Int("attempt", n),
		zap.String("reason", reason))

	if !exhausted {
		r.mu.Lock()
		if next, err := r.queue.Bump(it.Nonce); err == nil {
			r.queue = next
		} else {
			r.log.Error("bump gas price", zap.Error(err))
		}
		r.mu.Unlock()
		return
	}

	// the intent is abandoned; the on-chain accountability contract is the
	// customer's safety net from here
	r.mu.Lock()
	r.abandoned[identifier] = true
	_, wasBroadcast := r.sent[it.Nonce]
	var err error
	var next *GasQueue
	if !wasBroadcast {
		var dropped bool
		next, dropped, err = r.queue.DropTail(identifier)
		if err == nil && !dropped {
			next, err = r.queue.ReplaceWithNoop(it.Nonce, r.noopRequest(it.Nonce))
		}
	} else {
		next, err = r.queue.ReplaceWithNoop(it.Nonce, r.noopRequest(it.Nonce))
	}
	if err == nil {
		r.queue = next
	}
	r.mu.Unlock()
	if err != nil {
		r.log.Error("abandon intent", zap.Error(err))
	}

	r.emit(Event{
		Kind:          ResponseFailed,
		AppointmentID: it.Request.AppointmentID,
		Nonce:         it.Nonce,
		Attempt:       n,
		Reason:        reason,
	})
	r.log.Error("response failed permanently",
		zap.String("appointment", it.Request.AppointmentID),
		zap.Uint64("nonce", it.Nonce))
}

// QueueDepth is exported for metrics.
func (r *Responder) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return 0
	}
	return r.queue.Len()
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}
