package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// RTPConfig configures reception of an AES67 style L24 multicast stream
type RTPConfig struct {
	Group          string // multicast group, or a unicast address to bind
	Port           int
	Interface      string
	PayloadType    uint8 // 0 accepts any
	StreamChannels int   // channels carried in the stream
	ChannelOffset  int   // first stream channel mapped to channel 0
	Channels       int
	Format         audio.SampleFormat
}

// ErrChannelRange is returned when the selected channels do not fit the stream
var ErrChannelRange = errors.New("channel range exceeds stream channels")

const l24Bytes = 3

// RTP receives L24 (24-bit big-endian) packets. The RTP timestamp is used as
// the chunk timestamp and a sequence gap flags the next chunk on every
// channel as a discontinuity.
type RTP struct {
	emitter
	cfg    RTPConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}

	// receive state, owned by the read loop
	haveSeq bool
	lastSeq uint16
	lastTS  uint32
	extTS   int64
	lost    uint64
	stale   uint64
	skipped uint64
}

// NewRTP creates an RTP backend
func NewRTP(cfg RTPConfig, logger *slog.Logger) (*RTP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels < 1 {
		return nil, ErrNoChannels
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %d", audio.ErrUnsupportedFormat, int(cfg.Format))
	}
	if cfg.StreamChannels <= 0 {
		cfg.StreamChannels = cfg.Channels
	}
	if cfg.ChannelOffset < 0 || cfg.ChannelOffset+cfg.Channels > cfg.StreamChannels {
		return nil, fmt.Errorf("%w: offset %d + %d > %d", ErrChannelRange,
			cfg.ChannelOffset, cfg.Channels, cfg.StreamChannels)
	}

	return &RTP{
		cfg:    cfg,
		logger: logger.With("component", "capture", "backend", "rtp"),
	}, nil
}

// Name returns the backend name
func (r *RTP) Name() string { return "rtp" }

// Channels returns the channel count
func (r *RTP) Channels() int { return r.cfg.Channels }

// Format returns the emitted sample format
func (r *RTP) Format() audio.SampleFormat { return r.cfg.Format }

// Addr returns the bound local address, or nil when stopped
func (r *RTP) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Start joins the group and begins receiving
func (r *RTP) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	conn, err := r.listen()
	if err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.conn = conn
	r.done = make(chan struct{})
	r.haveSeq = false
	r.running.Store(true)

	r.logger.Info("receiving rtp stream",
		"addr", conn.LocalAddr().String(),
		"group", r.cfg.Group,
		"stream_channels", r.cfg.StreamChannels,
		"channel_offset", r.cfg.ChannelOffset,
	)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go r.readLoop(conn, r.done)
	return nil
}

// Stop leaves the group and waits for the read loop
func (r *RTP) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	r.running.Store(false)
	return nil
}

func (r *RTP) listen() (*net.UDPConn, error) {
	ip := net.ParseIP(r.cfg.Group)
	addr := &net.UDPAddr{IP: ip, Port: r.cfg.Port}

	if ip == nil || !ip.IsMulticast() {
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return conn, nil
	}

	var iface *net.Interface
	if r.cfg.Interface != "" {
		var err error
		iface, err = net.InterfaceByName(r.cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", r.cfg.Interface, err)
		}
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, addr)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", addr, err)
	}
	return conn, nil
}

func (r *RTP) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.errors.Add(1)
			r.logger.Warn("rtp read failed", "error", err)
			return
		}
		if err := r.handlePacket(buf[:n]); err != nil {
			r.errors.Add(1)
			r.logger.Debug("dropping rtp packet", "error", err)
		}
	}
}

// handlePacket parses one datagram and emits one chunk per selected channel
func (r *RTP) handlePacket(b []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}
	if r.cfg.PayloadType != 0 && pkt.PayloadType != r.cfg.PayloadType {
		r.skipped++
		return nil
	}

	frameBytes := r.cfg.StreamChannels * l24Bytes
	frames := len(pkt.Payload) / frameBytes
	if frames == 0 {
		return nil
	}

	discont := !r.haveSeq
	if r.haveSeq {
		gap := pkt.SequenceNumber - r.lastSeq
		// duplicates and packets older than the last one are dropped
		if gap == 0 || gap > 0x8000 {
			r.stale++
			return nil
		}
		if gap != 1 {
			r.lost += uint64(gap - 1)
			discont = true
		}
		r.extTS += int64(int32(pkt.Timestamp - r.lastTS))
	} else {
		r.extTS = int64(pkt.Timestamp)
	}
	r.haveSeq = true
	r.lastSeq = pkt.SequenceNumber
	r.lastTS = pkt.Timestamp

	for ch := 0; ch < r.cfg.Channels; ch++ {
		src := r.cfg.ChannelOffset + ch
		r.emit(audio.RawChunk{
			Channel:       ch,
			Data:          extractL24(pkt.Payload, frames, frameBytes, src, r.cfg.Format),
			Discontinuity: discont,
			Timestamp:     r.extTS,
			HasTimestamp:  true,
		})
	}
	return nil
}

// Lost returns the number of packets missing from sequence gaps
func (r *RTP) Lost() uint64 { return r.lost }

// Stale returns the number of duplicate or late packets dropped
func (r *RTP) Stale() uint64 { return r.stale }

// extractL24 pulls one big-endian channel out of an interleaved payload and
// re-encodes it in the requested format.
func extractL24(payload []byte, frames, frameBytes, channel int, format audio.SampleFormat) []byte {
	out := make([]byte, frames*format.Alignment())
	for i := 0; i < frames; i++ {
		s := payload[i*frameBytes+channel*l24Bytes:]
		switch format {
		case audio.PCM24LE:
			out[i*3] = s[2]
			out[i*3+1] = s[1]
			out[i*3+2] = s[0]
		case audio.Float32LE:
			v := int32(uint32(s[0])<<24|uint32(s[1])<<16|uint32(s[2])<<8) >> 8
			bits := math.Float32bits(float32(v) / (1 << 23))
			out[i*4] = byte(bits)
			out[i*4+1] = byte(bits >> 8)
			out[i*4+2] = byte(bits >> 16)
			out[i*4+3] = byte(bits >> 24)
		}
	}
	return out
}
