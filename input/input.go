// Package input holds pieces shared by the socket inputs.
package input

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/pkg/ipblock"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

// Submitter accepts decoded messages in receipt order. The dispatcher
// implements it.
type Submitter interface {
	Submit(ctx context.Context, msg plotmsg.Message) error
}

// Sink filters decoded messages through the block list, counts them and
// forwards them to a Submitter.
type Sink struct {
	Transport string
	Submitter Submitter
	Blocklist *ipblock.List
	Metrics   *metric.Metrics
	Logger    *slog.Logger

	limiter *rate.Limiter
}

// NewSink builds a sink whose desync warnings are limited to one per second
// with a small burst.
func NewSink(transport string, sub Submitter, bl *ipblock.List, m *metric.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		Transport: transport,
		Submitter: sub,
		Blocklist: bl,
		Metrics:   m,
		Logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Deliver submits msgs from addr. It returns the first Submit error, which
// only happens when ctx ends or the dispatcher is stopping.
func (s *Sink) Deliver(ctx context.Context, addr netip.Addr, msgs []plotmsg.Message) error {
	for i := range msgs {
		msg := msgs[i]
		if s.Blocklist.Blocked(addr, msg.PlotName) {
			continue
		}
		s.Metrics.RecordDecoded(s.Transport, msg.Action.String())
		if err := s.Submitter.Submit(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Desynced records n new decoder resynchronizations from peer.
func (s *Sink) Desynced(peer string, n int) {
	if n <= 0 {
		return
	}
	s.Metrics.RecordDesyncs(s.Transport, n)
	if s.limiter.Allow() {
		s.Logger.Warn("Decoder resynchronized", "peer", peer, "count", n)
	}
}
