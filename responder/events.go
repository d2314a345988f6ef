package responder

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventKind string

const (
	ResponseSent      EventKind = "ResponseSent"
	ResponseConfirmed EventKind = "ResponseConfirmed"
	AttemptFailed     EventKind = "AttemptFailed"
	ResponseFailed    EventKind = "ResponseFailed"
)

// Event is the responder's observable outcome stream.
type Event struct {
	Kind          EventKind   `json:"kind"`
	AppointmentID string      `json:"appointmentId"`
	TxHash        common.Hash `json:"txHash,omitempty"`
	Nonce         uint64      `json:"nonce"`
	GasPrice      *big.Int    `json:"gasPrice,omitempty"`
	Attempt       int         `json:"attempt,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// Listener consumes responder events. Listeners are attached during wiring
// (at construction or through AttachListener) and invoked synchronously in
// attach order.
type Listener func(Event)

type emitter struct {
	listeners []Listener
}

// AttachListener adds a consumer. Attach during wiring, before dispatch
// starts; the listener slice is not guarded.
func (e *emitter) AttachListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

func (e *emitter) emit(ev Event) {
	for _, l := range e.listeners {
		l(ev)
	}
}

const publishTimeout = 3 * time.Second

// NewRedisPublisher returns a listener that JSON-publishes every event to a
// redis pub/sub channel, best effort.
func NewRedisPublisher(client *redis.Client, channel string, log *zap.Logger) Listener {
	log = log.Named("events")
	return func(ev Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error("marshal event", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := client.Publish(ctx, channel, data).Err(); err != nil {
			log.Warn("publish event", zap.String("channel", channel), zap.Error(err))
		}
	}
}
