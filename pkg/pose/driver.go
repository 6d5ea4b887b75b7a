package pose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vruitrack/pkg/device"
	"vruitrack/pkg/protocol"
)

// Sink receives the head pose once per tick.
type Sink interface {
	SetHeadPose(ctx context.Context, p Pose) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p Pose) error

func (f SinkFunc) SetHeadPose(ctx context.Context, p Pose) error {
	return f(ctx, p)
}

// MultiSink fans a pose out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) SetHeadPose(ctx context.Context, p Pose) error {
	var errs []error
	for _, s := range m {
		if err := s.SetHeadPose(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Source is the part of *device.Client the driver needs.
type Source interface {
	FetchPacket(ctx context.Context) error
	Streaming() bool
	StreamErr() error
	Seq() uint64
	ReadState(f func(*protocol.ServerState)) bool
}

// Notifier is told about device errors the driver sees, recoverable or not.
type Notifier interface {
	Notify(ctx context.Context, err error)
}

type Driver struct {
	src     Source
	sink    MultiSink
	notify  []Notifier
	tick    time.Duration
	tracker int
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Driver)

// WithTick sets the callback interval. The default is 40ms.
func WithTick(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.tick = d
		}
	}
}

// WithTracker selects which tracker drives the head pose. The default is 0.
func WithTracker(i int) Option {
	return func(dr *Driver) {
		if i >= 0 {
			dr.tracker = i
		}
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(dr *Driver) {
		for _, s := range sinks {
			if s != nil {
				dr.sink = append(dr.sink, s)
			}
		}
	}
}

func WithNotifiers(notifiers ...Notifier) Option {
	return func(dr *Driver) {
		for _, n := range notifiers {
			if n != nil {
				dr.notify = append(dr.notify, n)
			}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(dr *Driver) {
		if logger != nil {
			dr.logger = logger
		}
	}
}

func NewDriver(src Source, opts ...Option) *Driver {
	d := &Driver{
		src:    src,
		tick:   40 * time.Millisecond,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tick runs one callback: poll the device unless it is streaming, then push
// the selected tracker's pose to the sinks. Poll timeouts and tag mismatches
// are logged and do not stop the sinks from receiving the last known pose.
// A stream whose receive goroutine has died fails the tick.
func (d *Driver) Tick(ctx context.Context) error {
	var pollErr error
	if d.src.Streaming() {
		if err := d.src.StreamErr(); err != nil {
			err = fmt.Errorf("%w: %w", device.ErrStreamClosed, err)
			d.report(ctx, err)
			return err
		}
	} else {
		pollErr = d.src.FetchPacket(ctx)
		if pollErr != nil && !Recoverable(pollErr) {
			if ctx.Err() == nil {
				d.report(ctx, pollErr)
			}
			return pollErr
		}
		if pollErr != nil {
			d.logger.Debug("poll failed", "err", pollErr)
			d.report(ctx, pollErr)
		}
	}

	var (
		sample protocol.TrackerSample
		found  bool
	)
	d.src.ReadState(func(st *protocol.ServerState) {
		if d.tracker < len(st.Trackers) {
			sample = st.Trackers[d.tracker]
			found = true
		}
	})
	if !found || len(d.sink) == 0 {
		return pollErr
	}

	p := FromSample(sample, d.src.Seq(), d.now())
	if err := d.sink.SetHeadPose(ctx, p); err != nil {
		d.logger.Warn("head pose sink failed", "err", err)
	}
	return pollErr
}

func (d *Driver) report(ctx context.Context, err error) {
	for _, n := range d.notify {
		n.Notify(ctx, err)
	}
}

// Run calls Tick on every interval until ctx is done or a tick fails with a
// non-recoverable error.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && !Recoverable(err) {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Recoverable reports whether a poll error leaves the session usable.
func Recoverable(err error) bool {
	if errors.Is(err, device.ErrStreamClosed) {
		return false
	}
	return errors.Is(err, device.ErrPollTimeout) ||
		errors.Is(err, device.ErrUnexpectedTag) ||
		errors.Is(err, device.ErrStreaming)
}
