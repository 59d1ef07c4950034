// Package config provides configuration management for go-sentinel
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// Capture backend names
const (
	BackendMock  = "mock"
	BackendFile  = "file"
	BackendALSA  = "alsa"
	BackendMalgo = "malgo"
	BackendRTP   = "rtp"
)

// Config is the root configuration structure
type Config struct {
	Station   StationConfig   `mapstructure:"station"`
	Server    ServerConfig    `mapstructure:"server"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Uplink    UplinkConfig    `mapstructure:"uplink"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	PTZ       PTZConfig       `mapstructure:"ptz"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StationConfig identifies this station to remote consumers
type StationConfig struct {
	ID   string `mapstructure:"id"` // generated at startup when empty
	Name string `mapstructure:"name"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	BroadcastHz     int           `mapstructure:"broadcast_hz"`
}

// AudioConfig configures frame assembly and bearing estimation
type AudioConfig struct {
	ChannelCount           int           `mapstructure:"channel_count"`
	SampleFormat           string        `mapstructure:"sample_format"` // pcm24le, float32le
	SampleRate             int           `mapstructure:"sample_rate"`
	FrameSizeBytes         int           `mapstructure:"frame_size_bytes"`  // wins over frame_duration_ms
	FrameDurationMs        int           `mapstructure:"frame_duration_ms"` // used when frame_size_bytes is 0
	AngleCoverageDegrees   float64       `mapstructure:"angle_coverage_degrees"`
	SmoothingFactor        float64       `mapstructure:"smoothing_factor"`
	SilenceEnergyThreshold float64       `mapstructure:"silence_energy_threshold"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	StallTimeout           time.Duration `mapstructure:"stall_timeout"`
}

// TrackerConfig configures bearing tracking and confidence scoring
type TrackerConfig struct {
	ActivationEnergy float64 `mapstructure:"activation_energy"`
	ActiveLatchMs    int     `mapstructure:"active_latch_ms"`
	HistorySize      int     `mapstructure:"history_size"`

	Confidence ConfidenceConfig `mapstructure:"confidence"`
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64 `mapstructure:"base"`
	ActiveBonus    float64 `mapstructure:"active_bonus"`
	StabilityBonus float64 `mapstructure:"stability_bonus"`
}

// CaptureConfig selects and configures the capture backend
type CaptureConfig struct {
	Backend string      `mapstructure:"backend"`
	Mock    MockConfig  `mapstructure:"mock"`
	File    FileConfig  `mapstructure:"file"`
	ALSA    ALSAConfig  `mapstructure:"alsa"`
	Malgo   MalgoConfig `mapstructure:"malgo"`
	RTP     RTPConfig   `mapstructure:"rtp"`
}

// MockConfig configures the synthetic source
type MockConfig struct {
	ToneHz          float64       `mapstructure:"tone_hz"`
	SweepDegPerSec  float64       `mapstructure:"sweep_deg_per_sec"`
	StartBearing    float64       `mapstructure:"start_bearing"`
	Noise           float64       `mapstructure:"noise"`
	ChunkDuration   time.Duration `mapstructure:"chunk_duration"`
	StalledChannels []int         `mapstructure:"stalled_channels"`
}

// FileConfig configures WAV playback from per-channel folders
type FileConfig struct {
	Dir          string `mapstructure:"dir"`
	Prefix       string `mapstructure:"prefix"` // folders are <dir>/<prefix><channel>
	Realtime     bool   `mapstructure:"realtime"`
	Loop         bool   `mapstructure:"loop"`
	ChunkSamples int    `mapstructure:"chunk_samples"`
}

// ALSAConfig configures capture through arecord
type ALSAConfig struct {
	Device        string        `mapstructure:"device"`
	Command       string        `mapstructure:"command"`
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`
	RestartDelay  time.Duration `mapstructure:"restart_delay"`
}

// MalgoConfig configures capture through the system sound API
type MalgoConfig struct {
	Device   string `mapstructure:"device"` // substring of the device name, empty for default
	PeriodMs int    `mapstructure:"period_ms"`
}

// RTPConfig configures AES67/Dante multicast reception
type RTPConfig struct {
	Group         string `mapstructure:"group"`
	Port          int    `mapstructure:"port"`
	Interface     string `mapstructure:"interface"`
	PayloadType   int    `mapstructure:"payload_type"` // 0 accepts any
	StreamChannel int    `mapstructure:"stream_channels"`
	ChannelOffset int    `mapstructure:"channel_offset"`
}

// MQTTConfig configures the bearing publisher
type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Topic       string        `mapstructure:"topic"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	QoS         int           `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// UplinkConfig configures the remote command server connection
type UplinkConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// DatastoreConfig configures bearing history persistence
type DatastoreConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Retention   time.Duration `mapstructure:"retention"`
}

// PTZConfig configures the camera cue client
type PTZConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	MinDelta      float64       `mapstructure:"min_delta"`
	PanOffset     float64       `mapstructure:"pan_offset"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DiscoveryConfig configures device discovery
type DiscoveryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	DanteService string        `mapstructure:"dante_service"`
	Domain       string        `mapstructure:"domain"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Format returns the parsed sample format
func (a AudioConfig) Format() (audio.SampleFormat, error) {
	return audio.ParseSampleFormat(a.SampleFormat)
}

// FrameBytes returns the configured frame size, deriving it from
// frame_duration_ms when frame_size_bytes is unset.
func (a AudioConfig) FrameBytes() (int, error) {
	format, err := a.Format()
	if err != nil {
		return 0, err
	}
	if a.FrameSizeBytes > 0 {
		return a.FrameSizeBytes, nil
	}
	samples := a.SampleRate * a.FrameDurationMs / 1000
	return samples * format.Alignment(), nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Station: StationConfig{Name: "sentinel"},
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			BroadcastHz:     10,
		},
		Audio: AudioConfig{
			ChannelCount:           4,
			SampleFormat:           "pcm24le",
			SampleRate:             48000,
			FrameDurationMs:        100,
			AngleCoverageDegrees:   360,
			SmoothingFactor:        0.8,
			SilenceEnergyThreshold: 1e-8,
			PollInterval:           20 * time.Millisecond,
			StallTimeout:           2 * time.Second,
		},
		Tracker: TrackerConfig{
			ActivationEnergy: 1e-3,
			ActiveLatchMs:    500,
			HistorySize:      100,
			Confidence: ConfidenceConfig{
				Base:           0.3,
				ActiveBonus:    0.4,
				StabilityBonus: 0.2,
			},
		},
		Capture: CaptureConfig{
			Backend: BackendMock,
			Mock: MockConfig{
				ToneHz:         440,
				SweepDegPerSec: 20,
				Noise:          0.01,
				ChunkDuration:  20 * time.Millisecond,
			},
			File: FileConfig{
				Prefix:       "ch",
				Realtime:     true,
				ChunkSamples: 1024,
			},
			ALSA: ALSAConfig{
				Device:        "default",
				Command:       "arecord",
				ChunkDuration: 20 * time.Millisecond,
				RestartDelay:  time.Second,
			},
			Malgo: MalgoConfig{PeriodMs: 20},
			RTP: RTPConfig{
				Group:         "239.69.0.1",
				Port:          5004,
				StreamChannel: 4,
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "go-sentinel",
			Topic:       "sentinel",
			QoS:         0,
			MinInterval: 200 * time.Millisecond,
		},
		Uplink: UplinkConfig{
			MinInterval:  100 * time.Millisecond,
			PingInterval: 30 * time.Second,
			MaxBackoff:   30 * time.Second,
		},
		Datastore: DatastoreConfig{
			Path:        "/var/lib/go-sentinel/bearings.db",
			MinInterval: time.Second,
			Retention:   7 * 24 * time.Hour,
		},
		PTZ: PTZConfig{
			MinInterval:   500 * time.Millisecond,
			MinConfidence: 0.7,
			MinDelta:      2,
			Timeout:       2 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Timeout:      3 * time.Second,
			DanteService: "_netaudio-arc._udp",
			Domain:       "local",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// Missing file is okay, we have defaults
			fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, using defaults\n", path)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults mirrors Default so env overrides resolve for every key
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("station.id", d.Station.ID)
	v.SetDefault("station.name", d.Station.Name)

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)
	v.SetDefault("server.broadcast_hz", d.Server.BroadcastHz)

	// Audio defaults
	v.SetDefault("audio.channel_count", d.Audio.ChannelCount)
	v.SetDefault("audio.sample_format", d.Audio.SampleFormat)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.frame_size_bytes", d.Audio.FrameSizeBytes)
	v.SetDefault("audio.frame_duration_ms", d.Audio.FrameDurationMs)
	v.SetDefault("audio.angle_coverage_degrees", d.Audio.AngleCoverageDegrees)
	v.SetDefault("audio.smoothing_factor", d.Audio.SmoothingFactor)
	v.SetDefault("audio.silence_energy_threshold", d.Audio.SilenceEnergyThreshold)
	v.SetDefault("audio.poll_interval", d.Audio.PollInterval)
	v.SetDefault("audio.stall_timeout", d.Audio.StallTimeout)

	// Tracker defaults
	v.SetDefault("tracker.activation_energy", d.Tracker.ActivationEnergy)
	v.SetDefault("tracker.active_latch_ms", d.Tracker.ActiveLatchMs)
	v.SetDefault("tracker.history_size", d.Tracker.HistorySize)
	v.SetDefault("tracker.confidence.base", d.Tracker.Confidence.Base)
	v.SetDefault("tracker.confidence.active_bonus", d.Tracker.Confidence.ActiveBonus)
	v.SetDefault("tracker.confidence.stability_bonus", d.Tracker.Confidence.StabilityBonus)

	// Capture defaults
	v.SetDefault("capture.backend", d.Capture.Backend)
	v.SetDefault("capture.mock.tone_hz", d.Capture.Mock.ToneHz)
	v.SetDefault("capture.mock.sweep_deg_per_sec", d.Capture.Mock.SweepDegPerSec)
	v.SetDefault("capture.mock.start_bearing", d.Capture.Mock.StartBearing)
	v.SetDefault("capture.mock.noise", d.Capture.Mock.Noise)
	v.SetDefault("capture.mock.chunk_duration", d.Capture.Mock.ChunkDuration)
	v.SetDefault("capture.mock.stalled_channels", d.Capture.Mock.StalledChannels)
	v.SetDefault("capture.file.dir", d.Capture.File.Dir)
	v.SetDefault("capture.file.prefix", d.Capture.File.Prefix)
	v.SetDefault("capture.file.realtime", d.Capture.File.Realtime)
	v.SetDefault("capture.file.loop", d.Capture.File.Loop)
	v.SetDefault("capture.file.chunk_samples", d.Capture.File.ChunkSamples)
	v.SetDefault("capture.alsa.device", d.Capture.ALSA.Device)
	v.SetDefault("capture.alsa.command", d.Capture.ALSA.Command)
	v.SetDefault("capture.alsa.chunk_duration", d.Capture.ALSA.ChunkDuration)
	v.SetDefault("capture.alsa.restart_delay", d.Capture.ALSA.RestartDelay)
	v.SetDefault("capture.malgo.device", d.Capture.Malgo.Device)
	v.SetDefault("capture.malgo.period_ms", d.Capture.Malgo.PeriodMs)
	v.SetDefault("capture.rtp.group", d.Capture.RTP.Group)
	v.SetDefault("capture.rtp.port", d.Capture.RTP.Port)
	v.SetDefault("capture.rtp.interface", d.Capture.RTP.Interface)
	v.SetDefault("capture.rtp.payload_type", d.Capture.RTP.PayloadType)
	v.SetDefault("capture.rtp.stream_channels", d.Capture.RTP.StreamChannel)
	v.SetDefault("capture.rtp.channel_offset", d.Capture.RTP.ChannelOffset)

	// Sink defaults
	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.retain", d.MQTT.Retain)
	v.SetDefault("mqtt.min_interval", d.MQTT.MinInterval)
	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.token", d.Uplink.Token)
	v.SetDefault("uplink.min_interval", d.Uplink.MinInterval)
	v.SetDefault("uplink.ping_interval", d.Uplink.PingInterval)
	v.SetDefault("uplink.max_backoff", d.Uplink.MaxBackoff)
	v.SetDefault("datastore.enabled", d.Datastore.Enabled)
	v.SetDefault("datastore.path", d.Datastore.Path)
	v.SetDefault("datastore.min_interval", d.Datastore.MinInterval)
	v.SetDefault("datastore.retention", d.Datastore.Retention)
	v.SetDefault("ptz.enabled", d.PTZ.Enabled)
	v.SetDefault("ptz.url", d.PTZ.URL)
	v.SetDefault("ptz.min_interval", d.PTZ.MinInterval)
	v.SetDefault("ptz.min_confidence", d.PTZ.MinConfidence)
	v.SetDefault("ptz.min_delta", d.PTZ.MinDelta)
	v.SetDefault("ptz.pan_offset", d.PTZ.PanOffset)
	v.SetDefault("ptz.timeout", d.PTZ.Timeout)

	// Discovery defaults
	v.SetDefault("discovery.timeout", d.Discovery.Timeout)
	v.SetDefault("discovery.dante_service", d.Discovery.DanteService)
	v.SetDefault("discovery.domain", d.Discovery.Domain)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Audio.ChannelCount < 1 {
		return fmt.Errorf("channel_count must be >= 1, got %d", c.Audio.ChannelCount)
	}

	frameBytes, err := c.Audio.FrameBytes()
	if err != nil {
		return fmt.Errorf("sample_format: %w", err)
	}
	format, _ := c.Audio.Format()
	if format.AlignDown(frameBytes) <= 0 {
		return fmt.Errorf("frame size must hold at least one %s sample, got %d bytes", format, frameBytes)
	}

	if c.Audio.AngleCoverageDegrees <= 0 || c.Audio.AngleCoverageDegrees > 360 {
		return fmt.Errorf("angle_coverage_degrees must be in (0, 360], got %f", c.Audio.AngleCoverageDegrees)
	}

	if c.Audio.SmoothingFactor < 0 || c.Audio.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing_factor must be between 0 and 1, got %f", c.Audio.SmoothingFactor)
	}

	if c.Audio.SilenceEnergyThreshold < 0 {
		return fmt.Errorf("silence_energy_threshold must be >= 0, got %g", c.Audio.SilenceEnergyThreshold)
	}

	if c.Audio.PollInterval <= 0 || c.Audio.PollInterval > time.Second {
		return fmt.Errorf("poll_interval must be in (0, 1s], got %v", c.Audio.PollInterval)
	}

	switch c.Capture.Backend {
	case BackendMock, BackendALSA, BackendMalgo:
	case BackendFile:
		if c.Capture.File.Dir == "" {
			return fmt.Errorf("capture.file.dir is required for the file backend")
		}
	case BackendRTP:
		if c.Capture.RTP.Port < 1 || c.Capture.RTP.Port > 65535 {
			return fmt.Errorf("invalid capture.rtp.port: %d", c.Capture.RTP.Port)
		}
		if c.Capture.RTP.StreamChannel < 1 {
			return fmt.Errorf("capture.rtp.stream_channels must be >= 1, got %d", c.Capture.RTP.StreamChannel)
		}
	default:
		return fmt.Errorf("unknown capture backend %q", c.Capture.Backend)
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Uplink.Enabled && c.Uplink.URL == "" {
		return fmt.Errorf("uplink.url is required when uplink is enabled")
	}
	if c.PTZ.Enabled && c.PTZ.URL == "" {
		return fmt.Errorf("ptz.url is required when ptz is enabled")
	}

	return nil
}
