package main

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"vruitrack/pkg/engine"
	"vruitrack/pkg/pose"
	"vruitrack/pkg/tui"
)

// runWatch shows the device state in a terminal UI until q or SIGINT.
func runWatch(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	flags, err := parseClientFlags("watch", args, stderr, false)
	if err != nil {
		return 2
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}
	// The UI owns the terminal; only errors go to stderr.
	cfg.Log.Level = "error"
	log, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.Subscribe()

	client := newDeviceClient(cfg, log, hub, nil)
	if err := openSession(ctx, client, cfg); err != nil {
		fmt.Fprintln(stderr, "device session failed:", err)
		return 1
	}

	program := tea.NewProgram(
		tui.New(sub, tui.Status{Addr: cfg.Device.Addr, Phase: client.Phase().String()}),
		tea.WithOutput(stdout),
		tea.WithAltScreen(),
	)

	// Polling runs through a driver with no sinks; streamed packets reach the
	// hub directly.
	driver := pose.NewDriver(client, pose.WithTick(cfg.Device.TickDuration()), pose.WithLogger(log))
	driverDone := make(chan error, 1)
	go func() {
		err := driver.Run(ctx)
		program.Send(tui.StatusMsg(tui.Status{Addr: cfg.Device.Addr, Phase: client.Phase().String()}))
		driverDone <- err
		if err != nil {
			program.Quit()
		}
	}()
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	_, uiErr := program.Run()
	cancel()
	runErr := <-driverDone

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := client.Close(closeCtx); err != nil {
		log.Warn("session close incomplete", "err", err)
	}

	switch {
	case uiErr != nil:
		fmt.Fprintln(stderr, "terminal UI failed:", uiErr)
		return 1
	case runErr != nil:
		fmt.Fprintln(stderr, "tracking stopped:", runErr)
		return 1
	}
	return 0
}
