package protocol_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vruitrack/pkg/protocol"
)

func TestTagEncodingIsTwoBytesLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.EncodeTag(&buf, protocol.StopStreamReply))
	assert.Equal(t, []byte{0x09, 0x00}, buf.Bytes())

	assert.Equal(t, []byte{0x06, 0x00}, protocol.AppendTag(nil, protocol.PacketReply))
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "CONNECT_REQUEST", protocol.ConnectRequest.String())
	assert.Equal(t, "STOPSTREAM_REPLY", protocol.StopStreamReply.String())
	assert.Equal(t, "TAG(77)", protocol.Tag(77).String())
	assert.False(t, protocol.Tag(77).Valid())
}

func TestDecodeTagRetriesPartialReads(t *testing.T) {
	r := iotest.OneByteReader(bytes.NewReader([]byte{0x06, 0x00}))
	tag, err := protocol.DecodeTag(r)
	require.NoError(t, err)
	assert.Equal(t, protocol.PacketReply, tag)
}

func TestDecodeTagAcrossPipeWrites(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte{0x09})
		_, _ = pw.Write([]byte{0x00})
		_ = pw.Close()
	}()
	tag, err := protocol.DecodeTag(pr)
	require.NoError(t, err)
	assert.Equal(t, protocol.StopStreamReply, tag)
}

func TestDecodeTagShortStream(t *testing.T) {
	_, err := protocol.DecodeTag(bytes.NewReader([]byte{0x01}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = protocol.DecodeTag(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestLayoutRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := protocol.Layout{Trackers: 2, Buttons: 5, Valuators: 3}
	require.NoError(t, protocol.EncodeLayout(&buf, want))
	assert.Equal(t, 12, buf.Len())

	got, err := protocol.DecodeLayout(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeLayoutRejectsNegativeCounts(t *testing.T) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(0xFFFFFFFF))
	_, err := protocol.DecodeLayout(bytes.NewReader(buf))
	require.ErrorIs(t, err, protocol.ErrInvalidLayout)
}

func TestStateRoundTrip(t *testing.T) {
	layouts := []protocol.Layout{
		{},
		{Trackers: 1},
		{Trackers: 1, Buttons: 1},
		{Buttons: 7},
		{Valuators: 2},
		{Trackers: 3, Buttons: 4, Valuators: 2},
	}
	for _, layout := range layouts {
		src := protocol.NewServerState(layout)
		fill(src)

		var buf bytes.Buffer
		require.NoError(t, protocol.EncodeState(&buf, src))
		require.Equal(t, protocol.StateSize(layout), buf.Len(), "layout %+v", layout)

		dst := protocol.NewServerState(layout)
		require.NoError(t, protocol.DecodeState(iotest.HalfReader(&buf), dst))
		assert.Equal(t, src.Clone(), dst.Clone(), "layout %+v", layout)
	}
}

func TestDecodeStateIdentityExample(t *testing.T) {
	payload := make([]byte, 0, 53)
	for _, v := range []float32{0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0} {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	payload = append(payload, 0x01)

	st := protocol.NewServerState(protocol.Layout{Trackers: 1, Buttons: 1})
	st.Trackers[0].Position = [3]float32{9, 9, 9}
	require.NoError(t, protocol.DecodeState(bytes.NewReader(payload), st))

	tr := st.Trackers[0]
	assert.Equal(t, [3]float32{}, tr.Position)
	assert.Equal(t, protocol.IdentityOrientation, tr.Orientation)
	assert.Equal(t, [3]float32{}, tr.LinearVelocity)
	assert.Equal(t, [3]float32{}, tr.AngularVelocity)
	assert.Equal(t, []bool{true}, st.Buttons)
}

func TestDecodeStateLeavesStateOnShortRead(t *testing.T) {
	layout := protocol.Layout{Trackers: 1, Buttons: 2}
	st := protocol.NewServerState(layout)
	st.Trackers[0].Position = [3]float32{1, 2, 3}
	before := st.Clone()

	payload := make([]byte, protocol.StateSize(layout)-1)
	err := protocol.DecodeState(bytes.NewReader(payload), st)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, before, st.Clone())
}

func TestFieldOrderOnWire(t *testing.T) {
	st := protocol.NewServerState(protocol.Layout{Trackers: 1, Valuators: 1})
	st.Trackers[0] = protocol.TrackerSample{
		Position:        [3]float32{1, 2, 3},
		Orientation:     [4]float32{4, 5, 6, 7},
		LinearVelocity:  [3]float32{8, 9, 10},
		AngularVelocity: [3]float32{11, 12, 13},
	}
	st.Valuators[0] = 14

	buf := protocol.AppendState(nil, st)
	for i := 0; i < 14; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		assert.Equal(t, float32(i+1), got, "float %d", i)
	}
}

func TestCopyFromRequiresSameLayout(t *testing.T) {
	a := protocol.NewServerState(protocol.Layout{Trackers: 1, Buttons: 1})
	b := protocol.NewServerState(protocol.Layout{Trackers: 2})
	assert.False(t, a.CopyFrom(b))

	c := protocol.NewServerState(protocol.Layout{Trackers: 1, Buttons: 1})
	c.Buttons[0] = true
	trackers := a.Trackers
	assert.True(t, a.CopyFrom(c))
	assert.True(t, a.Buttons[0])
	assert.Same(t, &trackers[0], &a.Trackers[0])
}

func TestCloneIsIndependent(t *testing.T) {
	st := protocol.NewServerState(protocol.Layout{Trackers: 1, Buttons: 1, Valuators: 1})
	st.Trackers[0].Position = [3]float32{1, 2, 3}
	st.Buttons[0] = true
	st.Valuators[0] = 0.5

	clone := st.Clone()
	assert.Equal(t, *st, clone)
	st.Buttons[0] = false
	st.Trackers[0].Position[0] = 9
	assert.True(t, clone.Buttons[0])
	assert.Equal(t, float32(1), clone.Trackers[0].Position[0])

	var nilState *protocol.ServerState
	empty := nilState.Clone()
	assert.Equal(t, protocol.Layout{}, empty.Layout())
}

func TestNormalizedOrientation(t *testing.T) {
	s := protocol.TrackerSample{Orientation: [4]float32{0, 0, 0, 2}}
	assert.Equal(t, protocol.IdentityOrientation, s.NormalizedOrientation())

	zero := protocol.TrackerSample{}
	assert.Equal(t, protocol.IdentityOrientation, zero.NormalizedOrientation())
}

func fill(st *protocol.ServerState) {
	v := float32(0.5)
	next := func() float32 {
		v += 1.25
		return v
	}
	for i := range st.Trackers {
		tr := &st.Trackers[i]
		for j := range tr.Position {
			tr.Position[j] = next()
		}
		for j := range tr.Orientation {
			tr.Orientation[j] = -next()
		}
		for j := range tr.LinearVelocity {
			tr.LinearVelocity[j] = next()
		}
		for j := range tr.AngularVelocity {
			tr.AngularVelocity[j] = next()
		}
	}
	for i := range st.Buttons {
		st.Buttons[i] = i%2 == 0
	}
	for i := range st.Valuators {
		st.Valuators[i] = next()
	}
}
