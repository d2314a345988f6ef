// Package tower is the admission path: validate, inspect, sign a receipt,
// persist, subscribe. It also rebuilds all in-memory state from the store
// on startup, before any new request is accepted.
package tower

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/chain"
	"github.com/connext/pisa/inspector"
	"github.com/connext/pisa/store"
	"github.com/connext/pisa/subscriber"
	"github.com/connext/pisa/watcher"
)

const recentCacheSize = 1000

// Canceller is the slice of the responder the tower needs when a
// replacement appointment supersedes a live intent.
type Canceller interface {
	Cancel(id string)
}

type Tower struct {
	log        *zap.Logger
	reader     chain.Reader
	store      *store.Store
	subs       *subscriber.Subscriber
	inspectors *inspector.Registry
	signer     *appointment.ReceiptSigner
	watcher    *watcher.Watcher
	canceller  Canceller

	// recently admitted ids, so an identical re-submission is answered
	// from memory without re-inspecting
	recent *lru.Cache[string, *store.Record]
}

func New(reader chain.Reader, st *store.Store, subs *subscriber.Subscriber,
	inspectors *inspector.Registry, signer *appointment.ReceiptSigner,
	w *watcher.Watcher, canceller Canceller, log *zap.Logger,
) *Tower {
	recent, _ := lru.New[string, *store.Record](recentCacheSize)
	return &Tower{
		log:        log.Named("tower"),
		reader:     reader,
		store:      st,
		subs:       subs,
		inspectors: inspectors,
		signer:     signer,
		watcher:    w,
		canceller:  canceller,
		recent:     recent,
	}
}

// TowerAddress is the key customers verify receipts against.
func (t *Tower) TowerAddress() string { return t.signer.Address().Hex() }

// AddAppointment runs the end-to-end accept path and returns the persisted
// record including the receipt signature.
func (t *Tower) AddAppointment(ctx context.Context, a *appointment.Appointment) (*store.Record, error) {
	if err := a.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	id := a.ID()

	if rec, ok := t.recent.Get(id); ok && rec.Appointment.Equal(a) {
		return rec, nil
	}

	insp, err := t.inspectors.Lookup(a.Mode)
	if err != nil {
		return nil, &InspectionError{Err: err}
	}
	if err := insp.Validate(ctx, a); err != nil {
		return nil, &InspectionError{Err: err}
	}

	sig, err := t.signer.Sign(a)
	if err != nil {
		return nil, fmt.Errorf("sign receipt for %s: %w", id, err)
	}

	rec := &store.Record{Appointment: a, Signature: sig}
	replaced, err := t.store.Put(rec)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrSuperseded) {
			return nil, &ValidationError{Err: err}
		}
		return nil, fmt.Errorf("persist %s: %w", id, err)
	}

	// Persisted and now subscribed: a crash between the two is healed by
	// Recover before the next request is accepted.
	filter, err := a.Filter()
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	t.subs.Add(filter, id)
	t.watcher.Track(a)

	if replaced != nil {
		oldID := replaced.Appointment.ID()
		t.recent.Remove(oldID)
		t.subs.Remove(oldID)
		t.watcher.Untrack(oldID)
		if t.canceller != nil {
			t.canceller.Cancel(oldID)
		}
		t.log.Info("appointment superseded",
			zap.String("appointment", oldID),
			zap.String("by", id))
	}

	t.recent.Add(id, rec)
	t.log.Info("appointment accepted",
		zap.String("appointment", id),
		zap.Uint64("startBlock", a.StartBlock),
		zap.Uint64("endBlock", a.EndBlock),
		zap.Uint64("mode", a.Mode))
	return rec, nil
}

// GetAppointment is the customer read-back.
func (t *Tower) GetAppointment(id string) (*store.Record, error) {
	return t.store.Get(id)
}

// Recover rebuilds subscriptions and watch state from the store, then
// re-triggers any appointment whose matching log is still visible on chain.
// Must complete before the HTTP surface opens.
func (t *Tower) Recover(ctx context.Context) error {
	head, err := t.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("recovery head: %w", err)
	}

	var recovered, retriggered int
	onLog := t.watcher.OnLog(ctx)
	err = t.store.All(func(rec *store.Record) bool {
		a := rec.Appointment
		id := a.ID()

		filter, ferr := a.Filter()
		if ferr != nil {
			t.log.Error("persisted appointment has invalid filter",
				zap.String("appointment", id), zap.Error(ferr))
			return true
		}
		t.subs.Add(filter, id)
		t.watcher.Track(a)
		recovered++

		if a.StartBlock > head {
			return true
		}
		to := a.EndBlock
		if to > head {
			to = head
		}
		q := filter
		q.FromBlock = newBig(a.StartBlock)
		q.ToBlock = newBig(to)
		logs, lerr := t.reader.FilterLogs(ctx, q)
		if lerr != nil {
			t.log.Warn("recovery log scan failed", zap.String("appointment", id), zap.Error(lerr))
			return true
		}
		if len(logs) > 0 {
			retriggered++
			onLog(id, logs[0])
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	t.log.Info("recovery complete",
		zap.Int("appointments", recovered),
		zap.Int("retriggered", retriggered),
		zap.Uint64("head", head))
	return nil
}

func newBig(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
