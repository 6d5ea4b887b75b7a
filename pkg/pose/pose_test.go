package pose_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"vruitrack/pkg/device"
	"vruitrack/pkg/devicesim"
	"vruitrack/pkg/pose"
	"vruitrack/pkg/protocol"
)

func TestHeadPoseIdentity(t *testing.T) {
	m := pose.HeadPose(protocol.TrackerSample{Orientation: protocol.IdentityOrientation})
	assert.True(t, mat.EqualApprox(m, identity4(), 1e-9))

	zero := pose.HeadPose(protocol.TrackerSample{})
	assert.True(t, mat.EqualApprox(zero, identity4(), 1e-9))
}

func TestHeadPoseRotationAndTranslation(t *testing.T) {
	half := math.Sqrt(0.5)
	sample := protocol.TrackerSample{
		Position:    [3]float32{1, 2, 3},
		Orientation: [4]float32{0, 0, float32(half), float32(half)}, // 90 degrees about Z
	}
	m := pose.HeadPose(sample)

	got := pose.Apply(m, r3.Vec{X: 1})
	assert.InDelta(t, 1.0, got.X, 1e-6)
	assert.InDelta(t, 3.0, got.Y, 1e-6)
	assert.InDelta(t, 3.0, got.Z, 1e-6)

	assert.InDelta(t, 1.0, m.At(3, 3), 1e-12)
	assert.InDelta(t, 1.0, m.At(0, 3), 1e-6)
	assert.InDelta(t, 2.0, m.At(1, 3), 1e-6)
	assert.InDelta(t, 3.0, m.At(2, 3), 1e-6)
}

func TestHeadPoseNormalizesOrientation(t *testing.T) {
	sample := protocol.TrackerSample{Orientation: [4]float32{0, 0, 0, 5}}
	assert.True(t, mat.EqualApprox(pose.HeadPose(sample), identity4(), 1e-9))
}

func TestRowMajor(t *testing.T) {
	p := pose.FromSample(protocol.TrackerSample{
		Position:    [3]float32{4, 5, 6},
		Orientation: protocol.IdentityOrientation,
	}, 7, time.Unix(1, 0))
	rm := p.RowMajor()
	assert.Equal(t, 4.0, rm[3])
	assert.Equal(t, 5.0, rm[7])
	assert.Equal(t, 6.0, rm[11])
	assert.Equal(t, 1.0, rm[15])
	assert.Equal(t, uint64(7), p.Seq)

	var empty pose.Pose
	assert.Equal(t, 1.0, empty.RowMajor()[0])
}

type fakeSource struct {
	mu        sync.Mutex
	state     *protocol.ServerState
	streaming bool
	streamErr error
	fetchErr  error
	fetches   int
}

func (f *fakeSource) FetchPacket(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.fetchErr
}

func (f *fakeSource) Streaming() bool { return f.streaming }

func (f *fakeSource) StreamErr() error { return f.streamErr }

func (f *fakeSource) Seq() uint64 { return 9 }

func (f *fakeSource) ReadState(fn func(*protocol.ServerState)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return false
	}
	fn(f.state)
	return true
}

type recordingSink struct {
	mu    sync.Mutex
	poses []pose.Pose
}

func (r *recordingSink) SetHeadPose(_ context.Context, p pose.Pose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = append(r.poses, p)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.poses)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickPollsAndFeedsSink(t *testing.T) {
	st := protocol.NewServerState(protocol.Layout{Trackers: 1})
	st.Trackers[0].Position = [3]float32{0, 1.5, 0}
	src := &fakeSource{state: st}
	sink := &recordingSink{}
	d := pose.NewDriver(src, pose.WithSinks(sink), pose.WithLogger(quietLogger()))

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 1, src.fetches)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, 1.5, sink.poses[0].Position.Y)
	assert.Equal(t, uint64(9), sink.poses[0].Seq)
}

func TestTickSkipsPollWhileStreaming(t *testing.T) {
	src := &fakeSource{state: protocol.NewServerState(protocol.Layout{Trackers: 1}), streaming: true}
	sink := &recordingSink{}
	d := pose.NewDriver(src, pose.WithSinks(sink))

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 0, src.fetches)
	assert.Equal(t, 1, sink.count())
}

func TestTickPollTimeoutStillFeedsLastPose(t *testing.T) {
	src := &fakeSource{
		state:    protocol.NewServerState(protocol.Layout{Trackers: 1}),
		fetchErr: device.ErrPollTimeout,
	}
	sink := &recordingSink{}
	d := pose.NewDriver(src, pose.WithSinks(sink), pose.WithLogger(quietLogger()))

	err := d.Tick(context.Background())
	assert.ErrorIs(t, err, device.ErrPollTimeout)
	assert.True(t, pose.Recoverable(err))
	assert.Equal(t, 1, sink.count())
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(_ context.Context, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func TestTickNotifiesRecoverableErrors(t *testing.T) {
	src := &fakeSource{
		state:    protocol.NewServerState(protocol.Layout{Trackers: 1}),
		fetchErr: &device.MismatchError{Want: protocol.PacketReply, Got: protocol.ConnectReply},
	}
	n := &recordingNotifier{}
	d := pose.NewDriver(src, pose.WithNotifiers(n), pose.WithLogger(quietLogger()))

	assert.ErrorIs(t, d.Tick(context.Background()), device.ErrUnexpectedTag)
	src.fetchErr = nil
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, n.errs, 1)
	assert.ErrorIs(t, n.errs[0], device.ErrUnexpectedTag)
}

func TestTickFailsWhenStreamDied(t *testing.T) {
	src := &fakeSource{
		state:     protocol.NewServerState(protocol.Layout{Trackers: 1}),
		streaming: true,
		streamErr: &device.MismatchError{Want: protocol.PacketReply, Got: protocol.ConnectReply},
	}
	sink := &recordingSink{}
	n := &recordingNotifier{}
	d := pose.NewDriver(src, pose.WithSinks(sink), pose.WithNotifiers(n), pose.WithTick(time.Millisecond))

	err := d.Tick(context.Background())
	assert.ErrorIs(t, err, device.ErrStreamClosed)
	assert.ErrorIs(t, err, device.ErrUnexpectedTag)
	assert.False(t, pose.Recoverable(err))
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, src.fetches)
	require.Len(t, n.errs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, d.Run(ctx), device.ErrStreamClosed)
}

func TestDriverStopsOnBrokenDeviceStream(t *testing.T) {
	srv, err := devicesim.Listen("127.0.0.1:0", protocol.Layout{Trackers: 1},
		devicesim.WithStreamRate(200), devicesim.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := device.NewClient(device.WithLogger(quietLogger()))
	require.NoError(t, c.Connect(ctx, srv.Addr()))
	defer c.Close(ctx)
	require.NoError(t, c.Activate())
	require.NoError(t, c.StartStream())
	require.NoError(t, c.WaitPacket(ctx))

	srv.Inject(protocol.ConnectReply)
	for {
		if err := c.WaitPacket(ctx); errors.Is(err, device.ErrStreamClosed) {
			break
		} else {
			require.NoError(t, err)
		}
	}

	sink := &recordingSink{}
	d := pose.NewDriver(c, pose.WithSinks(sink), pose.WithTick(5*time.Millisecond), pose.WithLogger(quietLogger()))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, d.Tick(ctx), device.ErrStreamClosed)
	}
	assert.Equal(t, 0, sink.count())
	assert.ErrorIs(t, d.Run(ctx), device.ErrStreamClosed)
}

func TestTickWithoutTrackersSkipsSink(t *testing.T) {
	src := &fakeSource{state: protocol.NewServerState(protocol.Layout{Buttons: 2})}
	sink := &recordingSink{}
	d := pose.NewDriver(src, pose.WithSinks(sink))

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 0, sink.count())
}

func TestRunStopsOnFatalError(t *testing.T) {
	boom := errors.New("socket gone")
	src := &fakeSource{state: protocol.NewServerState(protocol.Layout{Trackers: 1}), fetchErr: boom}
	d := pose.NewDriver(src, pose.WithTick(time.Millisecond), pose.WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, d.Run(ctx), boom)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	boom := errors.New("sink down")
	ok := &recordingSink{}
	m := pose.MultiSink{
		pose.SinkFunc(func(context.Context, pose.Pose) error { return boom }),
		ok,
	}
	assert.ErrorIs(t, m.SetHeadPose(context.Background(), pose.Pose{}), boom)
	assert.Equal(t, 1, ok.count())
}

func TestDriverAgainstSimulatedDevice(t *testing.T) {
	srv, err := devicesim.Listen("127.0.0.1:0", protocol.Layout{Trackers: 1, Buttons: 2},
		devicesim.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := device.NewClient(device.WithLogger(quietLogger()))
	require.NoError(t, c.Connect(ctx, srv.Addr()))
	defer c.Close(ctx)
	require.NoError(t, c.Activate())

	sink := &recordingSink{}
	d := pose.NewDriver(c, pose.WithSinks(sink), pose.WithTick(5*time.Millisecond), pose.WithLogger(quietLogger()))
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Tick(ctx))
	}
	require.Equal(t, 3, sink.count())
	last := sink.poses[2]
	assert.Equal(t, uint64(3), last.Seq)
	assert.InDelta(t, 1.6, last.Position.Y, 1e-5)
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}
