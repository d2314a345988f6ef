package chain

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(rpc.HTTPError{StatusCode: 503}))
	assert.True(t, isTransient(rpc.HTTPError{StatusCode: 500}))
	assert.False(t, isTransient(rpc.HTTPError{StatusCode: 400}))

	assert.True(t, isTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, isTransient(errors.New("request timeout")))
	assert.True(t, isTransient(errors.New("connection refused")))
	assert.True(t, isTransient(errors.New("unexpected EOF")))

	assert.False(t, isTransient(errors.New("execution reverted")))
	assert.False(t, isTransient(errors.New("nonce too low")))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry(context.Background(), zap.NewNop(), "test", func() error {
		calls++
		return errors.New("execution reverted")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	start := time.Now()
	err := retry(context.Background(), zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("request timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, zap.NewNop(), "test", func() error {
		return errors.New("request timeout")
	})
	assert.Error(t, err)
}
