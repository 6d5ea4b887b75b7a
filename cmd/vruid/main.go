package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vruitrack/pkg/bridge/foxglove"
	"vruitrack/pkg/config"
	"vruitrack/pkg/device"
	"vruitrack/pkg/engine"
	"vruitrack/pkg/logger"
	"vruitrack/pkg/metrics"
	"vruitrack/pkg/pose"
	"vruitrack/pkg/shm"
	"vruitrack/pkg/transport"
)

const closeTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if len(args) == 0 {
		return runClient(ctx, []string{}, stdout, stderr)
	}

	switch args[0] {
	case "client":
		return runClient(ctx, args[1:], stdout, stderr)
	case "mock":
		return runMock(ctx, args[1:], stdout, stderr)
	case "watch":
		return runWatch(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

// clientFlags are the options shared by client and watch. Flags that were set
// explicitly override the config file.
type clientFlags struct {
	configPath string
	addr       string
	stream     bool
	tick       time.Duration
	tracker    int
	record     string
	shmPath    string
	foxglove   string
	metrics    string
	set        map[string]bool
}

func parseClientFlags(name string, args []string, stderr io.Writer, full bool) (*clientFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &clientFlags{set: make(map[string]bool)}
	fs.StringVar(&f.configPath, "config", config.DefaultConfigPath, "TOML config file")
	fs.StringVar(&f.addr, "addr", "", "device server address (host:port)")
	fs.BoolVar(&f.stream, "stream", false, "use streaming mode instead of polling")
	fs.DurationVar(&f.tick, "tick", 0, "pose update interval")
	if full {
		fs.IntVar(&f.tracker, "tracker", 0, "tracker index used as the head")
		fs.StringVar(&f.record, "record", "", "JSONL state recording path (- for stdout)")
		fs.StringVar(&f.shmPath, "shm", "", "memory-mapped head pose file")
		fs.StringVar(&f.foxglove, "foxglove", "", "foxglove websocket listen address")
		fs.StringVar(&f.metrics, "metrics", "", "prometheus listen address")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

func (f *clientFlags) apply(cfg *config.Config) {
	if f.set["addr"] {
		cfg.Device.Addr = f.addr
	}
	if f.set["stream"] {
		cfg.Device.Stream = f.stream
	}
	if f.set["tick"] {
		cfg.Device.Tick = f.tick.String()
	}
	if f.set["tracker"] {
		cfg.Device.Tracker = f.tracker
	}
	if f.set["record"] {
		cfg.Record.Path = f.record
	}
	if f.set["shm"] {
		cfg.SHM.Path = f.shmPath
	}
	if f.set["foxglove"] {
		cfg.Foxglove.Enabled = f.foxglove != ""
		if f.foxglove != "" {
			cfg.Foxglove.WSAddr = f.foxglove
		}
	}
	if f.set["metrics"] {
		cfg.Metrics.Addr = f.metrics
	}
}

func loadConfig(f *clientFlags) (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	f.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newDeviceClient(cfg config.Config, log *slog.Logger, hub *engine.Hub, m *metrics.Client) *device.Client {
	return device.NewClient(
		device.WithLogger(log),
		device.WithConnectTimeout(cfg.Device.ConnectTimeoutDuration()),
		device.WithPollTimeout(cfg.Device.PollTimeoutDuration()),
		device.WithHub(hub),
		device.WithMetrics(m),
		device.WithDialOptions(
			transport.WithBufferSize(cfg.Device.ReaderBuf),
			transport.WithKeepAlive(cfg.Device.KeepAliveDuration()),
		),
	)
}

// openSession connects, activates and optionally starts streaming. On failure
// the client is closed again.
func openSession(ctx context.Context, client *device.Client, cfg config.Config) error {
	if err := client.Connect(ctx, cfg.Device.Addr); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Device.Addr, err)
	}
	err := client.Activate()
	if err == nil && cfg.Device.Stream {
		err = client.StartStream()
	}
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return errors.Join(err, client.Close(closeCtx))
	}
	return nil
}

func runClient(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	flags, err := parseClientFlags("client", args, stderr, true)
	if err != nil {
		return 2
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}
	log, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)

	// Background workers stop on cancel; outputs close after they are done.
	var (
		wg      sync.WaitGroup
		closers []io.Closer
	)
	defer func() {
		cancel()
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	var m *metrics.Client
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m = metrics.NewClient(reg)
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg)}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	var (
		sinks     []pose.Sink
		notifiers []pose.Notifier
	)

	if cfg.SHM.Path != "" {
		pf, err := shm.Create(cfg.SHM.Path)
		if err != nil {
			fmt.Fprintln(stderr, "failed to open pose file:", err)
			return 1
		}
		closers = append(closers, pf)
		sinks = append(sinks, pf)
	}

	if cfg.Record.Path != "" {
		var out io.Writer = stdout
		if cfg.Record.Path != "-" {
			file, err := os.Create(cfg.Record.Path)
			if err != nil {
				fmt.Fprintln(stderr, "failed to open record file:", err)
				return 1
			}
			closers = append(closers, file)
			out = file
		}
		writer := logger.NewJSONLWriter(out)
		sub := hub.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := writer.Consume(ctx, sub); err != nil {
				log.Error("state recording stopped", "err", err)
			}
		}()
	}

	if cfg.Foxglove.Enabled {
		fcfg := foxglove.DefaultConfig()
		fcfg.WSAddr = cfg.Foxglove.WSAddr
		fcfg.ParentFrameID = cfg.Foxglove.ParentFrame
		fcfg.FrameID = cfg.Foxglove.FrameID
		bridge := foxglove.NewServer(fcfg, hub, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Error("foxglove bridge failed", "err", err)
			}
		}()
		sinks = append(sinks, bridge)
		notifiers = append(notifiers, bridge)
	}

	client := newDeviceClient(cfg, log, hub, m)
	if err := openSession(ctx, client, cfg); err != nil {
		fmt.Fprintln(stderr, "device session failed:", err)
		return 1
	}

	driver := pose.NewDriver(client,
		pose.WithTick(cfg.Device.TickDuration()),
		pose.WithTracker(cfg.Device.Tracker),
		pose.WithSinks(sinks...),
		pose.WithNotifiers(notifiers...),
		pose.WithLogger(log),
	)
	log.Info("tracking", "addr", cfg.Device.Addr, "session", client.SessionID(),
		"layout", client.Layout(), "stream", cfg.Device.Stream)
	runErr := driver.Run(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	closeErr := client.Close(closeCtx)

	if runErr != nil {
		fmt.Fprintln(stderr, "tracking stopped:", runErr)
		return 1
	}
	if closeErr != nil {
		log.Warn("session close incomplete", "err", closeErr)
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  vruid client [--config vruitrack.toml] [--addr host:port] [--stream] [--tick 40ms] [--tracker 0]")
	fmt.Fprintln(w, "               [--record file.jsonl] [--shm head.pose] [--foxglove host:port] [--metrics host:port]")
	fmt.Fprintln(w, "  vruid mock [--addr host:port] [--trackers 1] [--buttons 0] [--valuators 0] [--rate 50]")
	fmt.Fprintln(w, "  vruid watch [--config vruitrack.toml] [--addr host:port] [--stream]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  client   track the head pose from a device server")
	fmt.Fprintln(w, "  mock     run a simulated device server")
	fmt.Fprintln(w, "  watch    show live device state in the terminal")
}
