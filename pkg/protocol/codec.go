package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Tag identifies a protocol message. It is sent as a 2-byte little-endian value.
type Tag uint16

const (
	ConnectRequest Tag = iota
	ConnectReply
	DisconnectRequest
	ActivateRequest
	DeactivateRequest
	PacketRequest
	PacketReply
	StartStreamRequest
	StopStreamRequest
	StopStreamReply
)

const (
	TagSize     = 2
	trackerSize = 13 * 4

	// MaxCount bounds each layout count so a corrupt reply cannot force a huge allocation.
	MaxCount = 4096
)

var ErrInvalidLayout = errors.New("invalid layout")

var tagNames = [...]string{
	ConnectRequest:     "CONNECT_REQUEST",
	ConnectReply:       "CONNECT_REPLY",
	DisconnectRequest:  "DISCONNECT_REQUEST",
	ActivateRequest:    "ACTIVATE_REQUEST",
	DeactivateRequest:  "DEACTIVATE_REQUEST",
	PacketRequest:      "PACKET_REQUEST",
	PacketReply:        "PACKET_REPLY",
	StartStreamRequest: "STARTSTREAM_REQUEST",
	StopStreamRequest:  "STOPSTREAM_REQUEST",
	StopStreamReply:    "STOPSTREAM_REPLY",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("TAG(%d)", uint16(t))
}

// Valid reports whether t is a known message tag.
func (t Tag) Valid() bool {
	return int(t) < len(tagNames)
}

func AppendTag(buf []byte, tag Tag) []byte {
	return binary.LittleEndian.AppendUint16(buf, uint16(tag))
}

func EncodeTag(w io.Writer, tag Tag) error {
	var buf [TagSize]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(tag))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write tag %s: %w", tag, err)
	}
	return nil
}

// DecodeTag blocks until both tag bytes have arrived. Partial reads are
// retried; only end-of-stream and transport errors are returned.
func DecodeTag(r io.Reader) (Tag, error) {
	var buf [TagSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read tag: %w", err)
	}
	return Tag(binary.LittleEndian.Uint16(buf[:])), nil
}

func EncodeLayout(w io.Writer, layout Layout) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(layout.Trackers)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(layout.Buttons)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(layout.Valuators)))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write layout: %w", err)
	}
	return nil
}

// DecodeLayout reads the tracker, button and valuator counts in that order.
func DecodeLayout(r io.Reader) (Layout, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	layout := Layout{
		Trackers:  int(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Buttons:   int(int32(binary.LittleEndian.Uint32(buf[4:8]))),
		Valuators: int(int32(binary.LittleEndian.Uint32(buf[8:12]))),
	}
	if err := layout.Validate(); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

func (l Layout) Validate() error {
	for _, n := range [...]int{l.Trackers, l.Buttons, l.Valuators} {
		if n < 0 || n > MaxCount {
			return fmt.Errorf("%w: trackers=%d buttons=%d valuators=%d", ErrInvalidLayout, l.Trackers, l.Buttons, l.Valuators)
		}
	}
	return nil
}

// StateSize is the PACKET_REPLY payload length for a layout.
func StateSize(layout Layout) int {
	return layout.Trackers*trackerSize + layout.Buttons + layout.Valuators*4
}

// AppendState appends the PACKET_REPLY payload for st to buf.
func AppendState(buf []byte, st *ServerState) []byte {
	for i := range st.Trackers {
		t := &st.Trackers[i]
		buf = appendFloats(buf, t.Position[:])
		buf = appendFloats(buf, t.Orientation[:])
		buf = appendFloats(buf, t.LinearVelocity[:])
		buf = appendFloats(buf, t.AngularVelocity[:])
	}
	for _, b := range st.Buttons {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return appendFloats(buf, st.Valuators)
}

func EncodeState(w io.Writer, st *ServerState) error {
	buf := AppendState(make([]byte, 0, StateSize(st.Layout())), st)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// DecodeState reads a PACKET_REPLY payload sized by st's layout and
// overwrites st in place. st is not modified if the read fails.
func DecodeState(r io.Reader, st *ServerState) error {
	buf := make([]byte, StateSize(st.Layout()))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	UnmarshalState(buf, st)
	return nil
}

// UnmarshalState decodes a complete payload into st. len(buf) must equal
// StateSize(st.Layout()).
func UnmarshalState(buf []byte, st *ServerState) {
	off := 0
	for i := range st.Trackers {
		t := &st.Trackers[i]
		off = readFloats(buf, off, t.Position[:])
		off = readFloats(buf, off, t.Orientation[:])
		off = readFloats(buf, off, t.LinearVelocity[:])
		off = readFloats(buf, off, t.AngularVelocity[:])
	}
	for i := range st.Buttons {
		st.Buttons[i] = buf[off] != 0
		off++
	}
	readFloats(buf, off, st.Valuators)
}

func appendFloats(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func readFloats(buf []byte, off int, dst []float32) int {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return off
}
