// Package store persists accepted appointments in an embedded ordered
// key-value namespace. It is the single source of truth across restarts:
// subscriptions and responder intents are rebuilt from it.
//
// Layout:
//
//	appointment/<id>          -> JSON(record)
//	endblock/<%020d>/<id>     -> <id>
//	locator/<locator>         -> <id of the live appointment>
//	meta/lastBlock            -> decimal block number
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/connext/pisa/appointment"
)

var (
	ErrNotFound   = errors.New("appointment not found")
	ErrConflict   = errors.New("appointment id already bound to different contents")
	ErrSuperseded = errors.New("appointment job id not greater than the live one")
)

const (
	appointmentPrefix = "appointment/"
	endBlockPrefix    = "endblock/"
	locatorPrefix     = "locator/"
	lastBlockKey      = "meta/lastBlock"
)

// Record is an accepted appointment together with the tower's receipt
// signature, exactly as returned to the customer.
type Record struct {
	Appointment *appointment.Appointment `json:"appointment"`
	Signature   hexutil.Bytes            `json:"signature"`
}

type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory backs the store with transient memory storage, for tests.
func OpenInMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func appointmentKey(id string) []byte { return []byte(appointmentPrefix + id) }

func endBlockKey(endBlock uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", endBlockPrefix, endBlock, id))
}

func locatorKey(locator string) []byte { return []byte(locatorPrefix + locator) }

// Put durably inserts a record in a single batched write. Re-putting the
// same id with identical contents is a no-op. A live appointment with the
// same locator and a lower job id is atomically replaced; the replaced
// record is returned so the caller can drop its subscription.
func (s *Store) Put(rec *Record) (replaced *Record, err error) {
	a := rec.Appointment
	id := a.ID()

	if existing, err := s.Get(id); err == nil {
		if existing.Appointment.Equal(a) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrConflict, id)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	batch := new(leveldb.Batch)

	liveID, err := s.db.Get(locatorKey(a.Locator()), nil)
	switch {
	case err == nil:
		live, err := s.Get(string(liveID))
		if err != nil {
			return nil, err
		}
		if live.Appointment.JobID >= a.JobID {
			return nil, fmt.Errorf("%w: live job %d, submitted %d",
				ErrSuperseded, live.Appointment.JobID, a.JobID)
		}
		replaced = live
		batch.Delete(appointmentKey(string(liveID)))
		batch.Delete(endBlockKey(live.Appointment.EndBlock, string(liveID)))
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return nil, err
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	batch.Put(appointmentKey(id), blob)
	batch.Put(endBlockKey(a.EndBlock, id), []byte(id))
	batch.Put(locatorKey(a.Locator()), []byte(id))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write appointment %s: %w", id, err)
	}
	return replaced, nil
}

func (s *Store) Get(id string) (*Record, error) {
	blob, err := s.db.Get(appointmentKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode appointment %s: %w", id, err)
	}
	return &rec, nil
}

// GetByLocator returns the live appointment for a locator.
func (s *Store) GetByLocator(locator string) (*Record, error) {
	id, err := s.db.Get(locatorKey(locator), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: locator %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, err
	}
	return s.Get(string(id))
}

// IterByEndBlockUpto visits every record with EndBlock <= n in ascending
// end-block order. Returning false stops the walk.
func (s *Store) IterByEndBlockUpto(n uint64, visit func(rec *Record) bool) error {
	limit := []byte(fmt.Sprintf("%s%020d/\xff", endBlockPrefix, n))
	iter := s.db.NewIterator(&util.Range{Start: []byte(endBlockPrefix), Limit: limit}, nil)
	defer iter.Release()
	for iter.Next() {
		rec, err := s.Get(string(iter.Value()))
		if err != nil {
			return err
		}
		if !visit(rec) {
			break
		}
	}
	return iter.Error()
}

// All visits every persisted record. Used by startup recovery.
func (s *Store) All(visit func(rec *Record) bool) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(appointmentPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if !visit(&rec) {
			break
		}
	}
	return iter.Error()
}

// Delete removes a record and its index entries. Deleting an absent id is a
// no-op, the garbage collector relies on that.
func (s *Store) Delete(id string) error {
	rec, err := s.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(appointmentKey(id))
	batch.Delete(endBlockKey(rec.Appointment.EndBlock, id))
	if liveID, err := s.db.Get(locatorKey(rec.Appointment.Locator()), nil); err == nil && string(liveID) == id {
		batch.Delete(locatorKey(rec.Appointment.Locator()))
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// LastBlock returns the persisted resume height, zero when never set.
func (s *Store) LastBlock() (uint64, error) {
	blob, err := s.db.Get([]byte(lastBlockKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(blob), 10, 64)
}

func (s *Store) SetLastBlock(n uint64) error {
	return s.db.Put([]byte(lastBlockKey), []byte(strconv.FormatUint(n, 10)), nil)
}
