//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectAndPublish(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	assert.True(t, tc.Client.IsHealthy())
	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	sub, err := nats.Connect(tc.URL)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("plotter.scope.ch1", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, tc.Client.Publish(ctx, "plotter.scope.ch1", []byte("hello")))
	select {
	case m := <-msgs:
		assert.Equal(t, "hello", string(m.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_EnsureStream(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tc.Client.EnsureStream(ctx, "PLOTS", []string{"plotter.>"}))
	require.NoError(t, tc.Client.EnsureStream(ctx, "PLOTS", []string{"plotter.>"}), "second call is idempotent")
	require.NoError(t, tc.Client.PublishToStream(ctx, "plotter.scope.ch1", []byte(`{}`)))

	nc, err := nats.Connect(tc.URL)
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, "PLOTS")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"plotter.>"}, info.Config.Subjects)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestIntegration_CloseReportsUnhealthy(t *testing.T) {
	tc := NewTestClient(t)
	healthy := make(chan bool, 4)
	c, err := NewClient(tc.URL, WithHealthChangeCallback(func(h bool) { healthy <- h }))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	assert.False(t, c.IsHealthy())
	select {
	case h := <-healthy:
		assert.True(t, h, "first transition is to healthy")
	case <-time.After(5 * time.Second):
		t.Fatal("no health callback")
	}
}
