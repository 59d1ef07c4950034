package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// FileConfig configures WAV playback. Channel k reads every *.wav file in
// <Dir>/<Prefix><k> in lexical order.
type FileConfig struct {
	Dir          string
	Prefix       string
	Channels     int
	Format       audio.SampleFormat
	ChunkSamples int
	Realtime     bool // pace chunks at the file sample rate
	Loop         bool
}

// ErrNoFiles is returned when a channel folder holds no WAV files
var ErrNoFiles = errors.New("no wav files")

// File replays recorded WAV files, one folder per channel. Each new file
// starts with a discontinuity.
type File struct {
	emitter
	cfg    FileConfig
	logger *slog.Logger

	readers    []*wavReader
	sampleRate int

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	finished chan struct{}
}

// NewFile lists the channel folders and probes the first file for its
// sample rate.
func NewFile(cfg FileConfig, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels < 1 {
		return nil, ErrNoChannels
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %d", audio.ErrUnsupportedFormat, int(cfg.Format))
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = 1024
	}

	readers := make([]*wavReader, cfg.Channels)
	for ch := range readers {
		dir := filepath.Join(cfg.Dir, cfg.Prefix+strconv.Itoa(ch))
		files, err := filepath.Glob(filepath.Join(dir, "*.wav"))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%w in %s", ErrNoFiles, dir)
		}
		sort.Strings(files)
		readers[ch] = &wavReader{channel: ch, files: files, loop: cfg.Loop}
	}

	rate, err := probeSampleRate(readers[0].files[0])
	if err != nil {
		return nil, err
	}

	return &File{
		cfg:        cfg,
		logger:     logger.With("component", "capture", "backend", "file"),
		readers:    readers,
		sampleRate: rate,
		finished:   make(chan struct{}),
	}, nil
}

// Name returns the backend name
func (f *File) Name() string { return "file" }

// Channels returns the channel count
func (f *File) Channels() int { return f.cfg.Channels }

// Format returns the emitted sample format
func (f *File) Format() audio.SampleFormat { return f.cfg.Format }

// SampleRate returns the sample rate of the first file of channel 0
func (f *File) SampleRate() int { return f.sampleRate }

// Finished is closed once every channel has played its last file. Each
// Start begins a new playback with a fresh channel.
func (f *File) Finished() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// Start begins playback
func (f *File) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		return nil
	}

	// every Start replays from the first file
	for _, r := range f.readers {
		r.rewind()
	}
	select {
	case <-f.finished:
		f.finished = make(chan struct{})
	default:
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	f.running.Store(true)

	f.logger.Info("starting file playback",
		"dir", f.cfg.Dir,
		"channels", f.cfg.Channels,
		"sample_rate", f.sampleRate,
		"realtime", f.cfg.Realtime,
		"loop", f.cfg.Loop,
	)

	go f.run(ctx, f.done, f.finished)
	return nil
}

// Stop halts playback and closes open files
func (f *File) Stop() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	for _, r := range f.readers {
		r.closeFile()
	}
	f.running.Store(false)
	return nil
}

func (f *File) run(ctx context.Context, done, finished chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if f.cfg.Realtime {
		interval := time.Duration(f.cfg.ChunkSamples) * time.Second / time.Duration(f.sampleRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		remaining := 0
		for _, r := range f.readers {
			if r.exhausted {
				continue
			}
			remaining++

			samples, discont, err := r.read(f.cfg.ChunkSamples)
			if err != nil {
				f.errors.Add(1)
				f.logger.Warn("skipping unreadable file", "channel", r.channel, "error", err)
				continue
			}
			if len(samples) == 0 {
				continue
			}

			f.emit(audio.RawChunk{
				Channel:       r.channel,
				Data:          encode(samples, f.cfg.Format),
				Discontinuity: discont,
				Timestamp:     r.timestamp,
				HasTimestamp:  true,
			})
			r.timestamp += int64(len(samples))
		}

		if remaining == 0 {
			f.logger.Info("file playback finished", "chunks", f.chunks.Load())
			close(finished)
			return
		}
	}
}

// wavReader walks one channel's files
type wavReader struct {
	channel int
	files   []string
	next    int
	loop    bool

	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	numChans int
	divisor  float64

	timestamp int64
	discont   bool
	exhausted bool
}

// read returns up to n mono samples from the current file. A short or empty
// result marks the end of a file; the following chunk is flagged as a
// discontinuity.
func (r *wavReader) read(n int) ([]float32, bool, error) {
	if r.dec == nil {
		if err := r.openNext(); err != nil {
			return nil, false, err
		}
		if r.exhausted {
			return nil, false, nil
		}
	}

	want := n * r.numChans
	if cap(r.buf.Data) < want {
		r.buf.Data = make([]int, want)
	}
	r.buf.Data = r.buf.Data[:want]

	got, err := r.dec.PCMBuffer(r.buf)
	if err != nil {
		r.closeFile()
		return nil, false, fmt.Errorf("read %s: %w", r.files[r.next-1], err)
	}
	if got == 0 {
		r.closeFile()
		return nil, false, nil
	}

	frames := got / r.numChans
	out := make([]float32, frames)
	for i := range out {
		// first channel of multi-channel files
		out[i] = float32(float64(r.buf.Data[i*r.numChans]) / r.divisor)
	}

	discont := r.discont
	r.discont = false
	return out, discont, nil
}

func (r *wavReader) openNext() error {
	if r.next >= len(r.files) {
		if !r.loop {
			r.exhausted = true
			return nil
		}
		r.next = 0
	}

	path := r.files[r.next]
	r.next++

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("%s: invalid WAV file format", path)
	}

	divisor, err := pcmDivisor(int(dec.BitDepth))
	if err != nil {
		file.Close()
		return fmt.Errorf("%s: %w", path, err)
	}

	r.file = file
	r.dec = dec
	r.numChans = max(int(dec.NumChans), 1)
	r.divisor = divisor
	r.buf = &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: r.numChans, SampleRate: int(dec.SampleRate)},
	}
	r.discont = true
	return nil
}

func (r *wavReader) rewind() {
	r.closeFile()
	r.next = 0
	r.timestamp = 0
	r.exhausted = false
}

func (r *wavReader) closeFile() {
	if r.file != nil {
		r.file.Close()
	}
	r.file = nil
	r.dec = nil
}

func pcmDivisor(bitDepth int) (float64, error) {
	switch bitDepth {
	case 16:
		return 1 << 15, nil
	case 24:
		return 1 << 23, nil
	case 32:
		return 1 << 31, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func probeSampleRate(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s: invalid WAV file format", path)
	}
	return int(dec.SampleRate), nil
}
