// Package shm shares the latest head pose with a renderer process through a
// memory-mapped file.
package shm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"vruitrack/pkg/pose"
)

// File layout, little-endian:
//
//	0   magic   [8]byte
//	8   gen     uint64   odd while a write is in progress
//	16  seq     uint64
//	24  time    int64    unix nanoseconds
//	32  matrix  [16]float64 row-major
const (
	offGen    = 8
	offSeq    = 16
	offTime   = 24
	offMatrix = 32
	Size      = offMatrix + 16*8
)

var magic = [8]byte{'V', 'R', 'P', 'O', 'S', 'E', 0, 1}

var (
	ErrBadMagic = errors.New("pose file has an unknown header")
	ErrBusy     = errors.New("pose file is being written")
	ErrClosed   = errors.New("pose file closed")
)

// Sample is one pose read back from the file.
type Sample struct {
	Seq    uint64
	Time   time.Time
	Matrix [16]float64
}

type PoseFile struct {
	mu   sync.Mutex
	file *os.File
	data mmap.MMap
}

var _ pose.Sink = (*PoseFile)(nil)

// Create opens path read-write, sizes it and maps it. An existing file with a
// foreign header is rejected.
func Create(path string) (*PoseFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pose file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat pose file: %w", err)
	}
	fresh := info.Size() == 0
	if !fresh && info.Size() != Size {
		file.Close()
		return nil, ErrBadMagic
	}
	if fresh {
		if err := file.Truncate(Size); err != nil {
			file.Close()
			return nil, fmt.Errorf("resize pose file: %w", err)
		}
	}

	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap pose file: %w", err)
	}
	if fresh {
		copy(data[:8], magic[:])
		identity := pose.Pose{}.RowMajor()
		putMatrix(data, identity)
	} else if !bytes.Equal(data[:8], magic[:]) {
		_ = data.Unmap()
		file.Close()
		return nil, ErrBadMagic
	}
	return &PoseFile{file: file, data: data}, nil
}

// SetHeadPose stores p. Readers see either the previous or the new pose.
func (f *PoseFile) SetHeadPose(_ context.Context, p pose.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return ErrClosed
	}

	gen := binary.LittleEndian.Uint64(f.data[offGen:])
	binary.LittleEndian.PutUint64(f.data[offGen:], gen|1)
	binary.LittleEndian.PutUint64(f.data[offSeq:], p.Seq)
	binary.LittleEndian.PutUint64(f.data[offTime:], uint64(p.Time.UnixNano()))
	putMatrix(f.data, p.RowMajor())
	binary.LittleEndian.PutUint64(f.data[offGen:], (gen|1)+1)
	return nil
}

// Read returns the last stored pose.
func (f *PoseFile) Read() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return Sample{}, ErrClosed
	}
	return decode(f.data)
}

// Flush writes the mapping back to the file.
func (f *PoseFile) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return ErrClosed
	}
	return f.data.Flush()
}

func (f *PoseFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil
	}
	var errs []error
	if err := f.data.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := f.data.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, err)
	}
	f.data = nil
	return errors.Join(errs...)
}

// ReadFile decodes a pose file written by another process.
func ReadFile(path string) (Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sample{}, err
	}
	if len(data) < Size {
		return Sample{}, ErrBadMagic
	}
	return decode(data)
}

func decode(data []byte) (Sample, error) {
	if !bytes.Equal(data[:8], magic[:]) {
		return Sample{}, ErrBadMagic
	}
	before := binary.LittleEndian.Uint64(data[offGen:])
	if before&1 == 1 {
		return Sample{}, ErrBusy
	}
	s := Sample{
		Seq:  binary.LittleEndian.Uint64(data[offSeq:]),
		Time: time.Unix(0, int64(binary.LittleEndian.Uint64(data[offTime:]))),
	}
	for i := range s.Matrix {
		s.Matrix[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offMatrix+i*8:]))
	}
	if binary.LittleEndian.Uint64(data[offGen:]) != before {
		return Sample{}, ErrBusy
	}
	return s, nil
}

func putMatrix(data []byte, m [16]float64) {
	for i, v := range m {
		binary.LittleEndian.PutUint64(data[offMatrix+i*8:], math.Float64bits(v))
	}
}
