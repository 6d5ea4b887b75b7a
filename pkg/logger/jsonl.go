package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"vruitrack/pkg/protocol"
)

// JSONLWriter records device snapshots as one JSON object per line.
type JSONLWriter struct {
	enc *json.Encoder
}

type jsonRecord struct {
	TS        string                   `json:"ts"`
	Session   string                   `json:"session,omitempty"`
	Seq       uint64                   `json:"seq"`
	Trackers  []protocol.TrackerSample `json:"trackers"`
	Buttons   []bool                   `json:"buttons"`
	Valuators []float32                `json:"valuators"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

// Write encodes a single snapshot.
func (j *JSONLWriter) Write(snap protocol.Snapshot) error {
	return j.enc.Encode(jsonRecord{
		TS:        snap.Time.UTC().Format(time.RFC3339Nano),
		Session:   snap.Session,
		Seq:       snap.Seq,
		Trackers:  nonNil(snap.State.Trackers),
		Buttons:   nonNil(snap.State.Buttons),
		Valuators: nonNil(snap.State.Valuators),
	})
}

// Consume writes snapshots from in until it is closed or ctx is done. It
// returns the first write error.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			if err := j.Write(snap); err != nil {
				return err
			}
		}
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
