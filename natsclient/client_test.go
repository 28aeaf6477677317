package natsclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-wizard/plotter-sub000/errors"
)

// deadURL returns a URL on a port nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "nats://" + addr
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestNewClient_BadOption(t *testing.T) {
	_, err := NewClient("nats://x", WithCircuitBreakerThreshold(0))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://x", WithMaxBackoff(-time.Second))
	assert.Error(t, err)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())

	c.resetCircuit()
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestCircuitBreaker_Backoff(t *testing.T) {
	c, err := NewClient("nats://invalid:4222", WithMaxBackoff(5*time.Second))
	require.NoError(t, err)

	for range 5 {
		c.recordFailure()
	}
	assert.Equal(t, 2*time.Second, c.Backoff())

	for range 5 {
		c.recordFailure()
	}
	assert.Equal(t, 4*time.Second, c.Backoff())

	for range 50 {
		c.recordFailure()
	}
	assert.Equal(t, 5*time.Second, c.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	c, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)
	c.setStatus(StatusCircuitOpen)

	c.halfOpen()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.setStatus(StatusConnected)
	c.halfOpen()
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConnect_FailureThenCircuitOpen(t *testing.T) {
	c, err := NewClient(deadURL(t), WithCircuitBreakerThreshold(2), WithTimeout(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())

	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
}

func TestPublish_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "plotter.p.c", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, c.PublishToStream(context.Background(), "plotter.p.c", nil), ErrNotConnected)
	assert.ErrorIs(t, c.EnsureStream(context.Background(), "PLOTTER", []string{"plotter.>"}), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	c.setStatus(StatusCircuitOpen)
	assert.ErrorIs(t, c.PublishToStream(context.Background(), "s", nil), ErrCircuitOpen)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCredentials("u", "p"))
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.password)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectionOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCredentials("u", "p"), WithToken("t"), WithName("plotter"))
	require.NoError(t, err)
	base, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Len(t, c.connectionOptions(), len(base.connectionOptions())+3)
}

func TestTuningOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithPingInterval(5*time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(3*time.Second),
		WithMaxBackoff(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.pingInterval)
	assert.Equal(t, 2*time.Second, c.timeout)
	assert.Equal(t, 3*time.Second, c.drainTimeout)
	assert.Equal(t, 20*time.Second, c.maxBackoff)

	zero, err := NewClient("nats://localhost:4222", WithPingInterval(0), WithTimeout(0), WithDrainTimeout(0))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, zero.pingInterval, "zero keeps the default")
	assert.Equal(t, 5*time.Second, zero.timeout)
	assert.Equal(t, 10*time.Second, zero.drainTimeout)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestConcurrentFailuresAndResets(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for range 200 {
			c.recordFailure()
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			c.resetCircuit()
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_ = c.Status()
			_ = c.Backoff()
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, c.Backoff(), time.Minute)
}
