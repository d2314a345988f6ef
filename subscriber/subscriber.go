// Package subscriber routes chain logs to the appointments listening for
// them. Filters are refcounted so many appointments can share one
// provider-level query, and every delivered log is remembered (bounded by
// the reorg window) so it can be retracted when its block is orphaned.
package subscriber

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
)

// FilterKey fingerprints a filter query: one provider subscription per key.
type FilterKey string

func KeyOf(q ethereum.FilterQuery) FilterKey {
	var b strings.Builder
	for _, a := range q.Addresses {
		b.WriteString(strings.ToLower(a.Hex()))
		b.WriteByte(';')
	}
	b.WriteByte('|')
	for _, position := range q.Topics {
		if len(position) == 0 {
			b.WriteByte('*')
		} else {
			for _, t := range position {
				b.WriteString(t.Hex())
			}
		}
		b.WriteByte(';')
	}
	return FilterKey(b.String())
}

type filterEntry struct {
	query ethereum.FilterQuery
	ids   map[string]struct{}
}

type deliveredLog struct {
	id          string
	log         types.Log
	blockNumber uint64
}

type Subscriber struct {
	reader chain.Reader
	log    *zap.Logger
	window uint64

	mu        sync.Mutex
	filters   map[FilterKey]*filterEntry
	byID      map[string]FilterKey
	delivered []deliveredLog

	onLog     func(id string, lg types.Log)
	onRetract func(id string, lg types.Log)
}

func New(reader chain.Reader, log *zap.Logger, window uint64) *Subscriber {
	if window == 0 {
		window = blockfeed.DefaultWindow
	}
	return &Subscriber{
		reader:  reader,
		log:     log.Named("subscriber"),
		window:  window,
		filters: make(map[FilterKey]*filterEntry),
		byID:    make(map[string]FilterKey),
	}
}

// OnLog attaches the delivery callback. Attach before the feed starts.
func (s *Subscriber) OnLog(fn func(id string, lg types.Log)) { s.onLog = fn }

// OnRetraction attaches the orphaned-log callback.
func (s *Subscriber) OnRetraction(fn func(id string, lg types.Log)) { s.onRetract = fn }

// Add registers id for the filter, installing it when it is new. Re-adding
// the same id replaces its previous filter.
func (s *Subscriber) Add(q ethereum.FilterQuery, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
	key := KeyOf(q)
	entry, ok := s.filters[key]
	if !ok {
		entry = &filterEntry{query: q, ids: make(map[string]struct{})}
		s.filters[key] = entry
		s.log.Debug("filter installed", zap.String("key", string(key)))
	}
	entry.ids[id] = struct{}{}
	s.byID[id] = key
}

// Remove drops id's registration and uninstalls the filter when its
// refcount reaches zero.
func (s *Subscriber) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Subscriber) removeLocked(id string) {
	key, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	entry := s.filters[key]
	if entry == nil {
		return
	}
	delete(entry.ids, id)
	if len(entry.ids) == 0 {
		delete(s.filters, key)
		s.log.Debug("filter uninstalled", zap.String("key", string(key)))
	}
}

// Subscribed reports whether id currently has a filter registered.
func (s *Subscriber) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Listener adapts the subscriber to the block feed: logs are fetched per
// head, retractions are emitted on rewind.
func (s *Subscriber) Listener(ctx context.Context) blockfeed.Listener {
	return func(ev blockfeed.Event) {
		switch ev.Kind {
		case blockfeed.NewHead:
			s.handleBlock(ctx, ev.Block)
		case blockfeed.ReorgTo:
			s.handleReorg(ev.Height)
		}
	}
}

// handleBlock queries every installed filter against exactly this block and
// routes matches to every listening appointment.
func (s *Subscriber) handleBlock(ctx context.Context, block *chain.BlockStub) {
	s.mu.Lock()
	queries := make([]*filterEntry, 0, len(s.filters))
	for _, entry := range s.filters {
		queries = append(queries, entry)
	}
	s.mu.Unlock()

	for _, entry := range queries {
		q := entry.query
		blockHash := block.Hash
		q.BlockHash = &blockHash
		q.FromBlock, q.ToBlock = nil, nil

		logs, err := s.reader.FilterLogs(ctx, q)
		if err != nil {
			s.log.Error("log query failed",
				zap.Uint64("block", block.Number), zap.Error(err))
			continue
		}
		for _, lg := range logs {
			s.deliver(entry, lg, block.Number)
		}
	}
	s.prune(block.Number)
}

func (s *Subscriber) deliver(entry *filterEntry, lg types.Log, blockNumber uint64) {
	s.mu.Lock()
	ids := make([]string, 0, len(entry.ids))
	for id := range entry.ids {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.delivered = append(s.delivered, deliveredLog{id: id, log: lg, blockNumber: blockNumber})
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.log.Info("log matched",
			zap.String("appointment", id),
			zap.String("tx", lg.TxHash.Hex()),
			zap.Uint64("block", blockNumber))
		if s.onLog != nil {
			s.onLog(id, lg)
		}
	}
}

// handleReorg retracts every delivered log above the common height.
func (s *Subscriber) handleReorg(height uint64) {
	s.mu.Lock()
	var kept, orphaned []deliveredLog
	for _, d := range s.delivered {
		if d.blockNumber > height {
			orphaned = append(orphaned, d)
		} else {
			kept = append(kept, d)
		}
	}
	s.delivered = kept
	s.mu.Unlock()

	for _, d := range orphaned {
		s.log.Warn("log retracted by reorg",
			zap.String("appointment", d.id),
			zap.String("tx", d.log.TxHash.Hex()),
			zap.Uint64("block", d.blockNumber),
			zap.Uint64("reorgTo", height))
		if s.onRetract != nil {
			s.onRetract(d.id, d.log)
		}
	}
}

// prune drops delivered-log records that have left the reorg window.
func (s *Subscriber) prune(head uint64) {
	if head <= s.window {
		return
	}
	floor := head - s.window
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.delivered[:0]
	for _, d := range s.delivered {
		if d.blockNumber >= floor {
			kept = append(kept, d)
		}
	}
	s.delivered = kept
}

// String is a debugging aid.
func (s *Subscriber) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("subscriber{filters: %d, ids: %d}", len(s.filters), len(s.byID))
}
