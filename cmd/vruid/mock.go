package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"vruitrack/pkg/devicesim"
	"vruitrack/pkg/protocol"
)

// runMock serves a simulated device whose trackers orbit the origin.
func runMock(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("mock", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "127.0.0.1:8555", "listen address")
	trackers := fs.Int("trackers", 1, "number of trackers")
	buttons := fs.Int("buttons", 0, "number of buttons")
	valuators := fs.Int("valuators", 0, "number of valuators")
	rate := fs.Int("rate", 50, "stream rate in Hz")
	static := fs.Bool("static", false, "hold every tracker at the origin")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	layout := protocol.Layout{Trackers: *trackers, Buttons: *buttons, Valuators: *valuators}
	if err := layout.Validate(); err != nil {
		fmt.Fprintln(stderr, "invalid layout:", err)
		return 2
	}
	if *rate <= 0 {
		fmt.Fprintln(stderr, "invalid --rate: must be positive")
		return 2
	}

	gen := devicesim.Orbit
	if *static {
		gen = devicesim.Static
	}
	log := slog.New(slog.NewTextHandler(stderr, nil))
	srv, err := devicesim.Listen(*addr, layout,
		devicesim.WithGenerator(gen),
		devicesim.WithStreamRate(*rate),
		devicesim.WithLogger(log),
	)
	if err != nil {
		fmt.Fprintln(stderr, "failed to listen:", err)
		return 1
	}
	fmt.Fprintf(stdout, "mock device listening on %s (%d trackers, %d buttons, %d valuators)\n",
		srv.Addr(), layout.Trackers, layout.Buttons, layout.Valuators)

	if err := srv.Serve(ctx); err != nil {
		log.Warn("mock device close", "err", err)
	}
	return 0
}
