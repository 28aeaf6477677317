package main

import (
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/d-wizard/plotter-sub000/plotmsg"
)

type options struct {
	Proto       string
	Addr        string
	Framing     string
	Action      string
	Plot        string
	Curve       string
	Start       uint
	XType       string
	YType       string
	X, Y        string
	Interleaved bool
	Sine        int
	Repeat      int
	Interval    time.Duration

	x, y []float64
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("plotsend", flag.ContinueOnError)
	fs.StringVar(&o.Proto, "proto", "tcp", "tcp or udp")
	fs.StringVar(&o.Addr, "addr", "", "plotter address (default localhost:2000 for tcp, :2001 for udp)")
	fs.StringVar(&o.Framing, "framing", "sized", "sized or legacy")
	fs.StringVar(&o.Action, "action", "create", "create, update or reset")
	fs.StringVar(&o.Plot, "plot", "", "plot name")
	fs.StringVar(&o.Curve, "curve", "", "curve name")
	fs.UintVar(&o.Start, "start", 0, "first sample index for updates")
	fs.StringVar(&o.XType, "xtype", "float64", "sample type of x")
	fs.StringVar(&o.YType, "ytype", "float64", "sample type of y")
	fs.StringVar(&o.X, "x", "", "comma-separated x samples; present makes the message 2D")
	fs.StringVar(&o.Y, "y", "", "comma-separated y samples")
	fs.BoolVar(&o.Interleaved, "interleaved", false, "interleave x and y samples (2D, sized framing)")
	fs.IntVar(&o.Sine, "sine", 0, "generate this many samples of a sine wave instead of -y")
	fs.IntVar(&o.Repeat, "repeat", 1, "messages to send, 0 sends until interrupted")
	fs.DurationVar(&o.Interval, "interval", 100*time.Millisecond, "pause between repeated messages")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) validate() error {
	switch o.Proto {
	case "tcp":
		if o.Addr == "" {
			o.Addr = "localhost:2000"
		}
	case "udp":
		if o.Addr == "" {
			o.Addr = "localhost:2001"
		}
	default:
		return fmt.Errorf("unknown protocol %q", o.Proto)
	}
	if o.Plot == "" {
		return fmt.Errorf("-plot is required")
	}
	if o.Action == "reset" {
		return nil
	}
	if o.Action != "create" && o.Action != "update" {
		return fmt.Errorf("unknown action %q", o.Action)
	}
	if o.Curve == "" {
		return fmt.Errorf("-curve is required")
	}
	if _, ok := plotmsg.ParseDataType(o.XType); !ok {
		return fmt.Errorf("unknown x type %q", o.XType)
	}
	if _, ok := plotmsg.ParseDataType(o.YType); !ok {
		return fmt.Errorf("unknown y type %q", o.YType)
	}

	var err error
	if o.x, err = parseSamples(o.X); err != nil {
		return fmt.Errorf("-x: %w", err)
	}
	if o.Sine > 0 {
		o.y = make([]float64, o.Sine)
	} else if o.y, err = parseSamples(o.Y); err != nil {
		return fmt.Errorf("-y: %w", err)
	}
	if len(o.y) == 0 {
		return fmt.Errorf("no samples: use -y or -sine")
	}
	if o.x != nil && len(o.x) != len(o.y) {
		return fmt.Errorf("-x has %d samples, -y has %d", len(o.x), len(o.y))
	}
	return nil
}

// message builds the i-th message. Sine waves advance their phase by one
// cycle fraction per repetition so a live plot visibly scrolls.
func (o *options) message(i int) (plotmsg.Message, error) {
	if o.Action == "reset" {
		return plotmsg.Message{Action: plotmsg.Reset, PlotName: o.Plot}, nil
	}

	xt, _ := plotmsg.ParseDataType(o.XType)
	yt, _ := plotmsg.ParseDataType(o.YType)
	twoD := o.x != nil

	var action plotmsg.Action
	switch {
	case o.Action == "create" && twoD:
		action = plotmsg.Create2D
	case o.Action == "create":
		action = plotmsg.Create1D
	case twoD:
		action = plotmsg.Update2D
	default:
		action = plotmsg.Update1D
	}

	y := o.y
	if o.Sine > 0 {
		y = make([]float64, o.Sine)
		phase := float64(i) * math.Pi / 16
		for n := range y {
			y[n] = math.Sin(2*math.Pi*float64(n)/float64(o.Sine) + phase)
		}
		if yt != plotmsg.Float32 && yt != plotmsg.Float64 && yt != plotmsg.Float16 {
			for n := range y {
				y[n] = math.Round(y[n] * 100)
			}
		}
	}

	msg := plotmsg.Message{
		Action:      action,
		PlotName:    o.Plot,
		CurveName:   o.Curve,
		StartIndex:  uint32(o.Start),
		YType:       yt,
		Y:           y,
		Interleaved: o.Interleaved,
	}
	if twoD {
		msg.XType = xt
		msg.X = o.x
	}
	return msg, nil
}

func parseSamples(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
