package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/pkg/ipblock"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

type recorder struct {
	mu   sync.Mutex
	msgs []plotmsg.Message
}

func (r *recorder) Submit(_ context.Context, m plotmsg.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) snapshot() []plotmsg.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]plotmsg.Message(nil), r.msgs...)
}

func startInput(t *testing.T, deps Deps) *Input {
	t.Helper()
	deps.Config.Bind = "127.0.0.1"
	in, err := NewInput(deps)
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(2 * time.Second) })
	return in
}

func send(t *testing.T, to net.Addr, payloads ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func encode(t *testing.T, m plotmsg.Message) []byte {
	t.Helper()
	b, err := plotmsg.Encode(m, plotmsg.FramingSized)
	require.NoError(t, err)
	return b
}

func TestNewInput_Validation(t *testing.T) {
	_, err := NewInput(Deps{Config: Config{Port: 70000}, Submitter: &recorder{}})
	assert.True(t, errors.IsInvalid(err))

	_, err = NewInput(Deps{Config: Config{Port: 0}})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	in, err := NewInput(Deps{Config: Config{}, Submitter: &recorder{}})
	require.NoError(t, err)
	assert.Nil(t, in.Addr())
}

func TestInput_DeliversDatagrams(t *testing.T) {
	rec := &recorder{}
	in := startInput(t, Deps{Submitter: rec})

	first := encode(t, plotmsg.Message{Action: plotmsg.Create1D, PlotName: "p", CurveName: "a",
		YType: plotmsg.Int16, Y: []float64{1, 2, 3}})
	second := encode(t, plotmsg.Message{Action: plotmsg.Update1D, PlotName: "p", CurveName: "a",
		StartIndex: 1, YType: plotmsg.Float32, Y: []float64{9}})
	// two messages in one datagram, then one on its own
	send(t, in.Addr(), append(append([]byte(nil), first...), second...), second)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	msgs := rec.snapshot()
	assert.Equal(t, plotmsg.Create1D, msgs[0].Action)
	assert.Equal(t, []float64{1, 2, 3}, msgs[0].Y)
	assert.Equal(t, uint32(1), msgs[1].StartIndex)
	assert.Equal(t, []float64{9}, msgs[2].Y)
	assert.Equal(t, int64(2), in.Received())
}

func TestInput_TruncatedDatagramCountsDesync(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	rec := &recorder{}
	in := startInput(t, Deps{Submitter: rec, MetricsRegistry: reg})

	whole := encode(t, plotmsg.Message{Action: plotmsg.Create1D, PlotName: "p", CurveName: "a",
		YType: plotmsg.Uint8, Y: []float64{4, 5}})
	send(t, in.Addr(), whole[:len(whole)-1], whole)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.CoreMetrics().DecoderDesyncs.WithLabelValues("udp")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().MessagesDecoded.WithLabelValues("udp", "create_1d")))
}

func TestInput_Blocklist(t *testing.T) {
	bl := ipblock.New()
	local := netip.MustParseAddr("127.0.0.1")
	bl.BlockPlot(local, "secret")

	rec := &recorder{}
	in := startInput(t, Deps{Submitter: rec, Blocklist: bl})

	send(t, in.Addr(),
		encode(t, plotmsg.Message{Action: plotmsg.Create1D, PlotName: "secret", CurveName: "a",
			YType: plotmsg.Int8, Y: []float64{1}}),
		encode(t, plotmsg.Message{Action: plotmsg.Create1D, PlotName: "open", CurveName: "a",
			YType: plotmsg.Int8, Y: []float64{1}}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "open", rec.snapshot()[0].PlotName)
	assert.Contains(t, bl.Senders(), local)

	bl.Block(local)
	send(t, in.Addr(), encode(t, plotmsg.Message{Action: plotmsg.Reset, PlotName: "open"}))
	require.Eventually(t, func() bool { return in.Received() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestInput_StartStop(t *testing.T) {
	in, err := NewInput(Deps{Config: Config{Bind: "127.0.0.1"}, Submitter: &recorder{}})
	require.NoError(t, err)

	require.NoError(t, in.Start(context.Background()))
	require.NoError(t, in.Start(context.Background()))
	require.NotNil(t, in.Addr())

	require.NoError(t, in.Stop(time.Second))
	require.NoError(t, in.Stop(time.Second))
	assert.Nil(t, in.Addr())
}

func TestInput_LegacyFraming(t *testing.T) {
	rec := &recorder{}
	in := startInput(t, Deps{Config: Config{Framing: plotmsg.FramingLegacy}, Submitter: rec})

	b, err := plotmsg.Encode(plotmsg.Message{Action: plotmsg.Create2D, PlotName: "p", CurveName: "xy",
		XType: plotmsg.Float64, YType: plotmsg.Float64, X: []float64{0, 1}, Y: []float64{2, 3}},
		plotmsg.FramingLegacy)
	require.NoError(t, err)
	send(t, in.Addr(), b)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{0, 1}, rec.snapshot()[0].X)
}
