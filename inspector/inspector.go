// Package inspector performs the protocol-specific admission checks for a
// mode. Each mode supplies the fixed capability set the dispute handlers
// need: validate an appointment, decode the challenge deadline from a
// dispute log, and check the post condition against observed logs.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/connext/pisa/appointment"
)

var ErrUnknownMode = errors.New("no inspector registered for mode")

// Inspector is one mode's capability set.
type Inspector interface {
	Mode() uint64
	Validate(ctx context.Context, a *appointment.Appointment) error
	DecodeTime(lg types.Log) (uint64, error)
	CheckPost(a *appointment.Appointment, logs []types.Log) error
}

// Registry maps mode selectors to inspectors.
type Registry struct {
	mu    sync.RWMutex
	modes map[uint64]Inspector
}

func NewRegistry(inspectors ...Inspector) *Registry {
	r := &Registry{modes: make(map[uint64]Inspector)}
	for _, i := range inspectors {
		r.Register(i)
	}
	return r
}

func (r *Registry) Register(i Inspector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[i.Mode()] = i
}

func (r *Registry) Lookup(mode uint64) (Inspector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
	return i, nil
}

// RawMode accepts any schema-valid appointment without protocol checks. The
// customer takes full responsibility for the response payload.
const RawMode uint64 = 0

type rawInspector struct{}

func NewRawInspector() Inspector { return rawInspector{} }

func (rawInspector) Mode() uint64 { return RawMode }

func (rawInspector) Validate(context.Context, *appointment.Appointment) error { return nil }

// DecodeTime: a raw appointment has no handler-decoded deadline, the
// appointment's own end block bounds the response.
func (rawInspector) DecodeTime(types.Log) (uint64, error) { return 0, nil }

func (rawInspector) CheckPost(*appointment.Appointment, []types.Log) error { return nil }
