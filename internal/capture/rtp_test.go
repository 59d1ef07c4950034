package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// l24Packet builds a packet of frames*streamChannels samples where stream
// channel c of frame i holds the value base + i*16 + c.
func l24Packet(t *testing.T, seq uint16, ts uint32, pt uint8, frames, streamChannels, base int) []byte {
	t.Helper()
	payload := make([]byte, 0, frames*streamChannels*3)
	for i := 0; i < frames; i++ {
		for c := 0; c < streamChannels; c++ {
			v := base + i*16 + c
			payload = append(payload, byte(v>>16), byte(v>>8), byte(v))
		}
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

func TestNewRTPValidation(t *testing.T) {
	_, err := NewRTP(RTPConfig{Channels: 4, StreamChannels: 8, ChannelOffset: 6, Format: audio.PCM24LE}, nil)
	assert.ErrorIs(t, err, ErrChannelRange)

	_, err = NewRTP(RTPConfig{Channels: 0, Format: audio.PCM24LE}, nil)
	assert.ErrorIs(t, err, ErrNoChannels)

	r, err := NewRTP(RTPConfig{Channels: 2, Format: audio.PCM24LE}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.cfg.StreamChannels)
}

func TestRTPHandlePacket(t *testing.T) {
	r, err := NewRTP(RTPConfig{
		Channels:       2,
		StreamChannels: 4,
		ChannelOffset:  1,
		PayloadType:    97,
		Format:         audio.PCM24LE,
	}, nil)
	require.NoError(t, err)

	var log chunkLog
	r.SetHandler(log.add)

	require.NoError(t, r.handlePacket(l24Packet(t, 10, 1000, 97, 2, 4, 0x010000)))
	require.NoError(t, r.handlePacket(l24Packet(t, 11, 1002, 97, 2, 4, 0x020000)))
	// wrong payload type is ignored
	require.NoError(t, r.handlePacket(l24Packet(t, 12, 1004, 96, 2, 4, 0)))
	// 13 and 14 lost
	require.NoError(t, r.handlePacket(l24Packet(t, 15, 1010, 97, 2, 4, 0x030000)))

	chunks := log.snapshot()
	require.Len(t, chunks, 6)

	first := chunks[0]
	assert.Equal(t, 0, first.Channel)
	assert.True(t, first.Discontinuity)
	assert.Equal(t, int64(1000), first.Timestamp)
	// stream channel 1 of frames 0 and 1, little-endian
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0x11, 0x00, 0x01}, first.Data)
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 0x12, 0x00, 0x01}, chunks[1].Data)

	assert.False(t, chunks[2].Discontinuity)
	assert.Equal(t, int64(1002), chunks[2].Timestamp)

	assert.True(t, chunks[4].Discontinuity)
	assert.Equal(t, int64(1010), chunks[4].Timestamp)
	assert.Equal(t, uint64(3), r.Lost())
}

func TestRTPTimestampWrap(t *testing.T) {
	r, err := NewRTP(RTPConfig{Channels: 1, Format: audio.Float32LE}, nil)
	require.NoError(t, err)

	var log chunkLog
	r.SetHandler(log.add)

	require.NoError(t, r.handlePacket(l24Packet(t, 65535, 0xFFFFFFFE, 0, 1, 1, 0x400000)))
	require.NoError(t, r.handlePacket(l24Packet(t, 0, 0x00000001, 0, 1, 1, 0xC00000)))

	chunks := log.snapshot()
	require.Len(t, chunks, 2)
	assert.False(t, chunks[1].Discontinuity)
	assert.Equal(t, chunks[0].Timestamp+3, chunks[1].Timestamp)

	assert.Equal(t, []float32{0.5}, audio.Decode(chunks[0].Data, audio.Float32LE))
	assert.Equal(t, []float32{-0.5}, audio.Decode(chunks[1].Data, audio.Float32LE))
}

func TestRTPDuplicateAndLatePackets(t *testing.T) {
	r, err := NewRTP(RTPConfig{Channels: 1, Format: audio.PCM24LE}, nil)
	require.NoError(t, err)

	var log chunkLog
	r.SetHandler(log.add)

	require.NoError(t, r.handlePacket(l24Packet(t, 100, 500, 0, 2, 1, 0x010000)))
	require.NoError(t, r.handlePacket(l24Packet(t, 101, 502, 0, 2, 1, 0x020000)))
	// repeat of 101
	require.NoError(t, r.handlePacket(l24Packet(t, 101, 502, 0, 2, 1, 0x020000)))
	// reordered from before 100
	require.NoError(t, r.handlePacket(l24Packet(t, 99, 498, 0, 2, 1, 0x050000)))
	require.NoError(t, r.handlePacket(l24Packet(t, 102, 504, 0, 2, 1, 0x030000)))

	chunks := log.snapshot()
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(0), r.Lost())
	assert.Equal(t, uint64(2), r.Stale())

	assert.False(t, chunks[2].Discontinuity)
	assert.Equal(t, int64(504), chunks[2].Timestamp)
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x10, 0x00, 0x03}, chunks[2].Data)
}

func TestRTPReceiveUDP(t *testing.T) {
	r, err := NewRTP(RTPConfig{Group: "127.0.0.1", Channels: 2, Format: audio.PCM24LE}, nil)
	require.NoError(t, err)

	var log chunkLog
	r.SetHandler(log.add)

	require.NoError(t, r.Start(context.Background()))
	addr, ok := r.Addr().(*net.UDPAddr)
	require.True(t, ok)

	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(l24Packet(t, 1, 0, 0, 4, 2, 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
	assert.Nil(t, r.Addr())
	assert.False(t, r.Stats().Running)
}
