package responder

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const relayTimeout = 5 * time.Second

// RelayBroadcaster mirrors every signed raw transaction to auxiliary
// JSON-RPC relay endpoints after the primary broadcast. Best effort: relay
// failures are logged, never retried, and never block dispatch.
type RelayBroadcaster struct {
	log     *zap.Logger
	clients map[string]jsonrpc.RPCClient
}

func NewRelayBroadcaster(urls []string, log *zap.Logger) *RelayBroadcaster {
	clients := make(map[string]jsonrpc.RPCClient, len(urls))
	for _, url := range urls {
		clients[url] = jsonrpc.NewClient(url)
	}
	return &RelayBroadcaster{log: log.Named("relay"), clients: clients}
}

func (b *RelayBroadcaster) Broadcast(rawTx []byte) {
	if len(b.clients) == 0 {
		return
	}
	encoded := hexutil.Encode(rawTx)
	for url, client := range b.clients {
		go func(url string, client jsonrpc.RPCClient) {
			ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
			defer cancel()
			res, err := client.Call(ctx, "eth_sendRawTransaction", encoded)
			if err != nil {
				b.log.Warn("relay broadcast failed", zap.String("relay", url), zap.Error(err))
				return
			}
			if res.Error != nil {
				b.log.Debug("relay rejected transaction",
					zap.String("relay", url), zap.String("reason", res.Error.Message))
			}
		}(url, client)
	}
}
