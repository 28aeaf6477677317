// Package main sends plot messages to a running plotter, for testing
// senders and demonstrating the protocol.
//
//	plotsend -plot scope -curve ch1 -y 1,2,3
//	plotsend -proto udp -plot xy -curve path -x 0,1,2 -y 4,5,6 -ytype int16
//	plotsend -plot scope -curve ch1 -sine 1024 -repeat 100 -interval 50ms
//	plotsend -action reset -plot scope
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d-wizard/plotter-sub000/pkg/retry"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("plotsend failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	framing, ok := plotmsg.ParseFraming(opts.Framing)
	if !ok {
		return fmt.Errorf("unknown framing %q", opts.Framing)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "plotsend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, opts.Proto, opts.Addr)
	})
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", opts.Proto, opts.Addr, err)
	}
	defer conn.Close()

	var sent, bytes int
	for i := 0; opts.Repeat <= 0 || i < opts.Repeat; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				logger.Info("Interrupted", "messages", sent, "bytes", bytes)
				return nil
			case <-time.After(opts.Interval):
			}
		}

		msg, err := opts.message(i)
		if err != nil {
			return err
		}
		b, err := plotmsg.Encode(msg, framing)
		if err != nil {
			return err
		}
		if _, err := conn.Write(b); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		sent++
		bytes += len(b)
	}

	logger.Info("Sent", "messages", sent, "bytes", bytes, "proto", opts.Proto, "addr", opts.Addr)
	return nil
}
