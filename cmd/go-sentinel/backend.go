package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-sentinel/internal/capture"
	"github.com/teslashibe/go-sentinel/internal/config"
	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/pipeline"
)

// newBackend builds the capture backend selected by cfg.Capture.Backend
func newBackend(cfg *config.Config, logger *slog.Logger) (capture.Backend, error) {
	format, err := cfg.Audio.Format()
	if err != nil {
		return nil, err
	}
	channels := cfg.Audio.ChannelCount
	c := cfg.Capture

	switch c.Backend {
	case config.BackendMock:
		mc := capture.DefaultMockConfig(channels)
		mc.Format = format
		mc.SampleRate = cfg.Audio.SampleRate
		mc.CoverageDegrees = cfg.Audio.AngleCoverageDegrees
		mc.ToneHz = c.Mock.ToneHz
		mc.StartBearing = c.Mock.StartBearing
		mc.SweepDegPerSec = c.Mock.SweepDegPerSec
		mc.Noise = c.Mock.Noise
		mc.Stalled = c.Mock.StalledChannels
		if c.Mock.ChunkDuration > 0 {
			mc.ChunkDuration = c.Mock.ChunkDuration
		}
		return asBackend(capture.NewMock(mc, logger))

	case config.BackendFile:
		return asBackend(capture.NewFile(capture.FileConfig{
			Dir:          c.File.Dir,
			Prefix:       c.File.Prefix,
			Channels:     channels,
			Format:       format,
			ChunkSamples: c.File.ChunkSamples,
			Realtime:     c.File.Realtime,
			Loop:         c.File.Loop,
		}, logger))

	case config.BackendALSA:
		ac := capture.DefaultALSAConfig(channels)
		ac.Format = format
		ac.SampleRate = cfg.Audio.SampleRate
		if c.ALSA.Device != "" {
			ac.Device = c.ALSA.Device
		}
		if c.ALSA.Command != "" {
			ac.Command = c.ALSA.Command
		}
		if c.ALSA.ChunkDuration > 0 {
			ac.ChunkDuration = c.ALSA.ChunkDuration
		}
		if c.ALSA.RestartDelay > 0 {
			ac.RestartDelay = c.ALSA.RestartDelay
		}
		return asBackend(capture.NewALSA(ac, logger))

	case config.BackendMalgo:
		return asBackend(capture.NewMalgo(capture.MalgoConfig{
			Device:     c.Malgo.Device,
			Channels:   channels,
			Format:     format,
			SampleRate: cfg.Audio.SampleRate,
			PeriodMs:   c.Malgo.PeriodMs,
		}, logger))

	case config.BackendRTP:
		if c.RTP.PayloadType < 0 || c.RTP.PayloadType > 127 {
			return nil, fmt.Errorf("rtp payload type out of range: %d", c.RTP.PayloadType)
		}
		return asBackend(capture.NewRTP(capture.RTPConfig{
			Group:          c.RTP.Group,
			Port:           c.RTP.Port,
			Interface:      c.RTP.Interface,
			PayloadType:    uint8(c.RTP.PayloadType),
			StreamChannels: c.RTP.StreamChannel,
			ChannelOffset:  c.RTP.ChannelOffset,
			Channels:       channels,
			Format:         format,
		}, logger))
	}

	return nil, fmt.Errorf("unknown capture backend %q", c.Backend)
}

// asBackend keeps a failed constructor from yielding a non-nil interface
// around a nil pointer
func asBackend[B capture.Backend](b B, err error) (capture.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// pipelineConfig maps the audio section onto the pipeline
func pipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	format, err := cfg.Audio.Format()
	if err != nil {
		return pipeline.Config{}, err
	}
	frameBytes, err := cfg.Audio.FrameBytes()
	if err != nil {
		return pipeline.Config{}, err
	}

	return pipeline.Config{
		Channels:         cfg.Audio.ChannelCount,
		Format:           format,
		FrameBytes:       frameBytes,
		CoverageDegrees:  cfg.Audio.AngleCoverageDegrees,
		Smoothing:        cfg.Audio.SmoothingFactor,
		SilenceThreshold: cfg.Audio.SilenceEnergyThreshold,
		PollInterval:     cfg.Audio.PollInterval,
		StallTimeout:     cfg.Audio.StallTimeout,
	}, nil
}

func trackerConfig(cfg *config.Config) doa.TrackerConfig {
	t := cfg.Tracker
	return doa.TrackerConfig{
		ActivationEnergy: t.ActivationEnergy,
		ActiveLatchDur:   time.Duration(t.ActiveLatchMs) * time.Millisecond,
		HistorySize:      t.HistorySize,
		Confidence: doa.ConfidenceConfig{
			Base:           t.Confidence.Base,
			ActiveBonus:    t.Confidence.ActiveBonus,
			StabilityBonus: t.Confidence.StabilityBonus,
		},
	}
}
