package watcher

import (
	"go.uber.org/zap"

	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
	"github.com/connext/pisa/store"
)

// Unsubscriber is the slice of the subscriber the collector needs.
type Unsubscriber interface {
	Remove(id string)
}

// GarbageCollector sweeps appointments whose window has closed deeper than
// the confirmation depth: their filters are dropped and their records
// deleted. Sweeps are idempotent.
type GarbageCollector struct {
	log           *zap.Logger
	store         *store.Store
	subs          Unsubscriber
	watcher       *Watcher
	interval      uint64
	confirmations uint64

	// OnCollected, when set, observes every removed appointment id.
	OnCollected func(id string)

	anchor *blockfeed.Anchor[uint64] // height of the last sweep
}

const DefaultGCInterval = 10

func NewGarbageCollector(st *store.Store, subs Unsubscriber, w *Watcher,
	interval, confirmations uint64, log *zap.Logger,
) *GarbageCollector {
	if interval == 0 {
		interval = DefaultGCInterval
	}
	gc := &GarbageCollector{
		log:           log.Named("gc"),
		store:         st,
		subs:          subs,
		watcher:       w,
		interval:      interval,
		confirmations: confirmations,
	}
	gc.anchor = blockfeed.NewAnchor(blockfeed.Reducer[uint64]{
		Initial: func(block *chain.BlockStub) uint64 {
			gc.sweep(block.Number)
			return block.Number
		},
		Reduce: func(lastSweep uint64, block *chain.BlockStub) uint64 {
			if block.Number >= lastSweep+gc.interval {
				gc.sweep(block.Number)
				return block.Number
			}
			return lastSweep
		},
	})
	return gc
}

func (gc *GarbageCollector) Listener() blockfeed.Listener {
	return func(ev blockfeed.Event) {
		if ev.Kind != blockfeed.NewHead {
			return
		}
		gc.anchor.Apply(ev.Block)
	}
}

// sweep removes every appointment with end_block + confirmations < head.
func (gc *GarbageCollector) sweep(head uint64) {
	if head <= gc.confirmations {
		return
	}
	cutoff := head - gc.confirmations - 1 // end blocks <= cutoff have expired

	var expired []string
	err := gc.store.IterByEndBlockUpto(cutoff, func(rec *store.Record) bool {
		expired = append(expired, rec.Appointment.ID())
		return true
	})
	if err != nil {
		gc.log.Error("expiry scan failed", zap.Uint64("head", head), zap.Error(err))
		return
	}

	for _, id := range expired {
		gc.subs.Remove(id)
		if err := gc.store.Delete(id); err != nil {
			gc.log.Error("delete expired appointment", zap.String("appointment", id), zap.Error(err))
			continue
		}
		gc.watcher.Untrack(id)
		if gc.OnCollected != nil {
			gc.OnCollected(id)
		}
		gc.log.Info("appointment expired and collected",
			zap.String("appointment", id), zap.Uint64("head", head))
	}
}
