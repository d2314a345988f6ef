// Package watcher drives each appointment through its lifecycle and, on an
// event match inside the window, hands the response to the responder.
package watcher

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
	"github.com/connext/pisa/contract"
	"github.com/connext/pisa/responder"
	"github.com/connext/pisa/store"
)

// Phase is an appointment's in-memory lifecycle state. It is never
// persisted: on restart it is rebuilt from the store and the chain.
type Phase int

const (
	Pending Phase = iota
	Active
	Triggered
	Completed
	Expired
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Triggered:
		return "triggered"
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// respondGasOverhead covers the accountability contract's own bookkeeping
// on top of the customer's inner call.
const respondGasOverhead = 150_000

type Dispatcher interface {
	QueueResponse(ctx context.Context, id string, rd *appointment.ResponseData, gasLimit, deadline uint64) error
	Cancel(id string)
}

type Watcher struct {
	log           *zap.Logger
	store         *store.Store
	dispatcher    Dispatcher
	towerContract common.Address

	mu     sync.Mutex
	known  map[string]*appointment.Appointment
	phases *blockfeed.MappedReducer[Phase]
}

func New(st *store.Store, dispatcher Dispatcher, towerContract common.Address, log *zap.Logger) *Watcher {
	w := &Watcher{
		log:           log.Named("watcher"),
		store:         st,
		dispatcher:    dispatcher,
		towerContract: towerContract,
		known:         make(map[string]*appointment.Appointment),
	}
	w.phases = blockfeed.NewMappedReducer[Phase](
		w.liveIDs,
		func(id string, block *chain.BlockStub) Phase {
			return w.windowPhase(id, block.Number)
		},
		func(id string, prev Phase, block *chain.BlockStub) Phase {
			// log-driven and responder-driven phases are sticky, only
			// the window moves with the block stream
			// Expired is recomputed so a rewind below the end block
			// restores the watch.
			switch prev {
			case Triggered, Completed, Failed:
				return prev
			}
			return w.windowPhase(id, block.Number)
		},
	)
	return w
}

func (w *Watcher) liveIDs() []string {
	ids := make([]string, 0, len(w.known))
	for id := range w.known {
		ids = append(ids, id)
	}
	return ids
}

func (w *Watcher) windowPhase(id string, head uint64) Phase {
	a, ok := w.known[id]
	if !ok {
		return Expired
	}
	switch {
	case head < a.StartBlock:
		return Pending
	case head <= a.EndBlock:
		return Active
	default:
		return Expired
	}
}

// Track starts watching an admitted appointment.
func (w *Watcher) Track(a *appointment.Appointment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[a.ID()] = a
}

// Untrack stops watching: used when an appointment is superseded or
// collected.
func (w *Watcher) Untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.known, id)
	w.phases.Drop(id)
}

// Phase reports the appointment's current lifecycle state.
func (w *Watcher) Phase(id string) (Phase, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.known[id]; !ok {
		return 0, false
	}
	if p, ok := w.phases.Get(id); ok {
		return p, true
	}
	return Pending, true
}

// Listener folds the block stream into per-appointment phases and persists
// the resume height once the block's downstream work is done.
func (w *Watcher) Listener() blockfeed.Listener {
	return func(ev blockfeed.Event) {
		if ev.Kind != blockfeed.NewHead {
			return
		}
		w.mu.Lock()
		w.phases.Apply(ev.Block)
		w.mu.Unlock()
		if err := w.store.SetLastBlock(ev.Block.Number); err != nil {
			w.log.Error("persist last block", zap.Uint64("block", ev.Block.Number), zap.Error(err))
		}
	}
}

// OnLog is wired as the subscriber's delivery callback. The appointment is
// re-read from the store; only an Active one triggers.
func (w *Watcher) OnLog(ctx context.Context) func(id string, lg types.Log) {
	return func(id string, lg types.Log) {
		rec, err := w.store.Get(id)
		if err != nil {
			w.log.Warn("log for unknown appointment", zap.String("appointment", id), zap.Error(err))
			return
		}
		a := rec.Appointment

		w.mu.Lock()
		phase, ok := w.phases.Get(id)
		if !ok {
			phase = w.windowPhase(id, lg.BlockNumber)
		}
		if phase != Active {
			w.mu.Unlock()
			w.log.Debug("log ignored",
				zap.String("appointment", id), zap.String("phase", phase.String()))
			return
		}
		w.phases.Set(id, Triggered)
		w.mu.Unlock()

		w.log.Info("appointment triggered",
			zap.String("appointment", id),
			zap.Uint64("block", lg.BlockNumber),
			zap.String("tx", lg.TxHash.Hex()))

		rd := contract.BuildResponse(w.towerContract, a)
		deadline := a.EndBlock + a.ChallengePeriod
		if err := w.dispatcher.QueueResponse(ctx, id, rd, a.GasLimit+respondGasOverhead, deadline); err != nil {
			w.log.Error("enqueue response", zap.String("appointment", id), zap.Error(err))
			w.mu.Lock()
			w.phases.Set(id, Failed)
			w.mu.Unlock()
		}
	}
}

// OnRetraction is wired as the subscriber's retraction callback. A
// Triggered appointment whose log was orphaned returns to Active and its
// pending response is cancelled.
func (w *Watcher) OnRetraction() func(id string, lg types.Log) {
	return func(id string, lg types.Log) {
		w.mu.Lock()
		phase, ok := w.phases.Get(id)
		if !ok || phase != Triggered {
			w.mu.Unlock()
			return
		}
		w.phases.Set(id, Active)
		w.mu.Unlock()

		w.log.Warn("trigger retracted, reverting to active",
			zap.String("appointment", id), zap.Uint64("block", lg.BlockNumber))
		w.dispatcher.Cancel(id)
	}
}

// ResponderListener marks terminal phases from the responder's event
// stream. Attach to the responder before dispatch starts.
func (w *Watcher) ResponderListener() responder.Listener {
	return func(ev responder.Event) {
		if ev.AppointmentID == "" {
			return
		}
		switch ev.Kind {
		case responder.ResponseConfirmed:
			w.mu.Lock()
			w.phases.Set(ev.AppointmentID, Completed)
			w.mu.Unlock()
		case responder.ResponseFailed:
			w.mu.Lock()
			w.phases.Set(ev.AppointmentID, Failed)
			w.mu.Unlock()
		}
	}
}
