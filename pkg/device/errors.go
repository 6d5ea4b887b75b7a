package device

import (
	"errors"
	"fmt"

	"vruitrack/pkg/protocol"
)

var (
	ErrAlreadyConnected = errors.New("device client already connected")
	ErrNotConnected     = errors.New("device client not connected")
	ErrNotActive        = errors.New("device session not active")
	ErrStreaming        = errors.New("device session is streaming")
	ErrStreamClosed     = errors.New("device stream closed")
	ErrConnectTimeout   = errors.New("timed out waiting for connect reply")
	ErrPollTimeout      = errors.New("timed out waiting for packet reply")
	ErrUnexpectedTag    = errors.New("unexpected reply tag")
)

// MismatchError reports a reply whose tag was not the one the exchange expected.
type MismatchError struct {
	Want protocol.Tag
	Got  protocol.Tag
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("unexpected reply tag: want %s, got %s", e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error {
	return ErrUnexpectedTag
}
