// Package chain wraps the JSON-RPC endpoint behind narrow read/send
// interfaces. Transient provider failures are retried here with exponential
// backoff so they never leak into component logic.
package chain

import (
	"context"
	"errors"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// BlockStub is the minimal head record the block feed works with.
type BlockStub struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
}

// Reader is the shared, connection-pooled read surface of the endpoint.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	StubByNumber(ctx context.Context, number uint64) (*BlockStub, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Sender is the transaction-side surface. Only the responder holds one.
type Sender interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Client implements Reader and Sender on top of ethclient.
type Client struct {
	eth *ethclient.Client
	log *zap.Logger
}

func Dial(url string, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, err
	}
	return &Client{eth: eth, log: log.Named("chain")}, nil
}

func NewClient(eth *ethclient.Client, log *zap.Logger) *Client {
	return &Client{eth: eth, log: log.Named("chain")}
}

func (c *Client) Close() { c.eth.Close() }

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return retryValue(ctx, c.log, "eth_blockNumber", func() (uint64, error) {
		return c.eth.BlockNumber(ctx)
	})
}

func (c *Client) StubByNumber(ctx context.Context, number uint64) (*BlockStub, error) {
	header, err := retryValue(ctx, c.log, "eth_getBlockByNumber", func() (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return nil, err
	}
	return &BlockStub{
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Number:     header.Number.Uint64(),
	}, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return retryValue(ctx, c.log, "eth_getLogs", func() ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, q)
	})
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return retryValue(ctx, c.log, "eth_getCode", func() ([]byte, error) {
		return c.eth.CodeAt(ctx, account, blockNumber)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return retryValue(ctx, c.log, "eth_call", func() ([]byte, error) {
		return c.eth.CallContract(ctx, msg, blockNumber)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	// Not-found is a normal answer while a transaction is pending, the
	// caller polls. Only transport errors are retried.
	var receipt *types.Receipt
	err := retry(ctx, c.log, "eth_getTransactionReceipt", func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	return receipt, err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return retryValue(ctx, c.log, "eth_chainId", func() (*big.Int, error) {
		return c.eth.ChainID(ctx)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retryValue(ctx, c.log, "eth_getTransactionCount", func() (uint64, error) {
		return c.eth.PendingNonceAt(ctx, account)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return retryValue(ctx, c.log, "eth_gasPrice", func() (*big.Int, error) {
		return c.eth.SuggestGasPrice(ctx)
	})
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return retry(ctx, c.log, "eth_sendRawTransaction", func() error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	b.MaxElapsedTime = 12 * time.Second
	return backoff.WithContext(b, ctx)
}

func retry(ctx context.Context, log *zap.Logger, method string, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn("transient provider error, retrying", zap.String("method", method), zap.Error(err))
		return err
	}, newBackoff(ctx))
}

func retryValue[T any](ctx context.Context, log *zap.Logger, method string, op func() (T, error)) (T, error) {
	var out T
	err := retry(ctx, log, method, func() error {
		var err error
		out, err = op()
		return err
	})
	return out, err
}

// isTransient classifies provider failures that are safe to retry: network
// timeouts and 5xx answers. Everything else (revert reasons, nonce errors,
// malformed requests) surfaces to the caller.
func isTransient(err error) bool {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF")
}
