// Package audio turns raw per-channel capture bytes into decoded, aligned
// frames and groups them into synchronized frame sets.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// SampleFormat is the binary layout of raw capture bytes.
type SampleFormat int

const (
	// PCM24LE is signed 24-bit little-endian PCM, 3 bytes per sample.
	PCM24LE SampleFormat = iota + 1
	// Float32LE is IEEE-754 float32 little-endian, 4 bytes per sample.
	Float32LE
)

// ErrUnsupportedFormat is returned for an unknown sample format.
var ErrUnsupportedFormat = errors.New("unsupported sample format")

const pcm24Scale = 1 << 23

// ParseSampleFormat maps a config name to a SampleFormat.
func ParseSampleFormat(name string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pcm24le", "pcm24_le_signed", "s24le", "s24_3le":
		return PCM24LE, nil
	case "float32le", "f32le", "float32_le":
		return Float32LE, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// String returns the config name of the format.
func (f SampleFormat) String() string {
	switch f {
	case PCM24LE:
		return "pcm24le"
	case Float32LE:
		return "float32le"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
}

// Alignment returns the number of bytes per sample, or 0 for unknown formats.
func (f SampleFormat) Alignment() int {
	switch f {
	case PCM24LE:
		return 3
	case Float32LE:
		return 4
	default:
		return 0
	}
}

// Valid reports whether f is a known format.
func (f SampleFormat) Valid() bool {
	return f.Alignment() > 0
}

// AlignDown truncates n to the nearest multiple of the format alignment.
func (f SampleFormat) AlignDown(n int) int {
	a := f.Alignment()
	if a == 0 || n <= 0 {
		return 0
	}
	return n - n%a
}

// Decode converts raw bytes into normalized samples. Trailing bytes that do
// not form a whole sample are ignored.
func Decode(data []byte, format SampleFormat) []float32 {
	a := format.Alignment()
	if a == 0 {
		return nil
	}
	out := make([]float32, len(data)/a)
	DecodeInto(out, data, format)
	return out
}

// DecodeInto decodes into dst and returns the number of samples written.
func DecodeInto(dst []float32, data []byte, format SampleFormat) int {
	a := format.Alignment()
	if a == 0 {
		return 0
	}
	n := len(data) / a
	if n > len(dst) {
		n = len(dst)
	}

	switch format {
	case PCM24LE:
		for i := 0; i < n; i++ {
			b := data[i*3:]
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v >= 0x800000 {
				v -= 0x1000000
			}
			dst[i] = float32(v) / pcm24Scale
		}
	case Float32LE:
		for i := 0; i < n; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			if !isFinite32(v) {
				v = 0
			}
			dst[i] = v
		}
	}
	return n
}

// EncodeFloat32 packs samples as float32 little-endian bytes.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// EncodePCM24 packs samples in [-1, 1] as signed 24-bit little-endian bytes.
// Values outside the range are clipped.
func EncodePCM24(samples []float32) []byte {
	out := make([]byte, len(samples)*3)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * pcm24Scale))
		if v > pcm24Scale-1 {
			v = pcm24Scale - 1
		} else if v < -pcm24Scale {
			v = -pcm24Scale
		}
		out[i*3] = byte(v)
		out[i*3+1] = byte(v >> 8)
		out[i*3+2] = byte(v >> 16)
	}
	return out
}

func isFinite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
