// Package blockfeed streams confirmed heads from the chain endpoint, detects
// re-organisations against a bounded suffix of recent heads, and offers a
// small reducer substrate for components that fold state over blocks.
package blockfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/connext/pisa/chain"
)

// ErrDeepReorg is fatal: the common ancestor of a fork is below the retained
// window, the process must restart and recover from the store.
var ErrDeepReorg = errors.New("reorg beyond retained window")

// DefaultWindow is the retained head suffix, which is also the deepest
// recoverable reorg.
const DefaultWindow = 200

const DefaultPollInterval = 5 * time.Second

type EventKind int

const (
	NewHead EventKind = iota
	ReorgTo
)

// Event is either a new head (Block set) or a rewind notice telling
// consumers every block above Height has been orphaned.
type Event struct {
	Kind   EventKind
	Block  *chain.BlockStub // NewHead
	Height uint64           // ReorgTo: last common height
}

// Listener is invoked synchronously and in strict block order. A new block
// is not started until every listener has returned for the previous one.
type Listener func(Event)

type Feed struct {
	reader       chain.Reader
	log          *zap.Logger
	pollInterval time.Duration
	window       int

	suffix    []*chain.BlockStub // ascending, at most window entries
	listeners []Listener
}

func NewFeed(reader chain.Reader, log *zap.Logger, pollInterval time.Duration, window int) *Feed {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Feed{
		reader:       reader,
		log:          log.Named("blockfeed"),
		pollInterval: pollInterval,
		window:       window,
	}
}

// Attach registers a listener. Listeners must be attached before Run.
func (f *Feed) Attach(l Listener) {
	f.listeners = append(f.listeners, l)
}

// Head returns the latest emitted head, or nil before the first poll.
func (f *Feed) Head() *chain.BlockStub {
	if len(f.suffix) == 0 {
		return nil
	}
	return f.suffix[len(f.suffix)-1]
}

// Run polls the endpoint until the context is cancelled. It returns
// ErrDeepReorg when recovery is impossible; the caller is expected to exit.
func (f *Feed) Run(ctx context.Context, fromBlock uint64) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	next := fromBlock
	for {
		head, err := f.reader.BlockNumber(ctx)
		if err != nil {
			f.log.Warn("head poll failed", zap.Error(err))
		} else {
			if next == 0 {
				// no resume point: start at the current head
				next = head
			}
			for ; next <= head; next++ {
				stub, err := f.reader.StubByNumber(ctx, next)
				if err != nil {
					f.log.Warn("block fetch failed", zap.Uint64("number", next), zap.Error(err))
					break
				}
				if err := f.process(ctx, stub); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// process extends the suffix with one head, rewinding first when the parent
// does not match the last emitted head.
func (f *Feed) process(ctx context.Context, stub *chain.BlockStub) error {
	if last := f.Head(); last != nil && stub.ParentHash != last.Hash {
		if err := f.rewind(ctx, stub); err != nil {
			return err
		}
	}
	f.push(stub)
	f.emit(Event{Kind: NewHead, Block: stub})
	return nil
}

// rewind walks the fork back until the retained suffix and the new chain
// share a block, emits ReorgTo for the common height, then replays the new
// chain forward up to (excluding) the head being processed.
func (f *Feed) rewind(ctx context.Context, head *chain.BlockStub) error {
	byNumber := make(map[uint64]*chain.BlockStub, len(f.suffix))
	for _, s := range f.suffix {
		byNumber[s.Number] = s
	}

	// walk parents of the new head down to the common ancestor
	forkBranch := []*chain.BlockStub{}
	cursor := head
	for {
		if cursor.Number == 0 {
			return fmt.Errorf("%w: walked to genesis", ErrDeepReorg)
		}
		parentNumber := cursor.Number - 1
		ours, retained := byNumber[parentNumber]
		if !retained {
			return fmt.Errorf("%w: ancestor below height %d", ErrDeepReorg, f.suffix[0].Number)
		}
		if ours.Hash == cursor.ParentHash {
			// common ancestor found
			f.truncate(parentNumber)
			f.emit(Event{Kind: ReorgTo, Height: parentNumber})
			break
		}
		parent, err := f.reader.StubByNumber(ctx, parentNumber)
		if err != nil {
			return fmt.Errorf("fetch fork block %d: %w", parentNumber, err)
		}
		forkBranch = append(forkBranch, parent)
		cursor = parent
	}

	// re-emit the replacement chain oldest-first
	for i := len(forkBranch) - 1; i >= 0; i-- {
		f.push(forkBranch[i])
		f.emit(Event{Kind: NewHead, Block: forkBranch[i]})
	}
	return nil
}

func (f *Feed) push(stub *chain.BlockStub) {
	f.suffix = append(f.suffix, stub)
	if len(f.suffix) > f.window {
		f.suffix = f.suffix[len(f.suffix)-f.window:]
	}
}

func (f *Feed) truncate(height uint64) {
	for len(f.suffix) > 0 && f.suffix[len(f.suffix)-1].Number > height {
		f.suffix = f.suffix[:len(f.suffix)-1]
	}
}

func (f *Feed) emit(ev Event) {
	for _, l := range f.listeners {
		l(ev)
	}
}
