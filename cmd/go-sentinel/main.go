// go-sentinel: acoustic drone detection station
// Estimates the bearing of a sound source from a directional microphone array
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-sentinel/internal/config"
)

var version = "0.3.0"

// options are the global command line flags
type options struct {
	configPath string
	debug      bool
	backend    string
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "go-sentinel",
		Short:        "Acoustic drone detection station",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "/etc/go-sentinel/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "capture backend: mock, file, alsa, malgo, rtp")
	rootCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "HTTP port")

	rootCmd.AddCommand(
		runCommand(opts),
		discoverCommand(opts),
		versionCommand(),
	)

	return rootCmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "go-sentinel %s\n", version)
		},
	}
}

// loadConfig reads the config file and applies flags that were set
// explicitly on the command line.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("backend") {
		cfg.Capture.Backend = opts.backend
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, backend string) {
	fmt.Println()
	fmt.Println("📡 go-sentinel v" + version)
	fmt.Println("   Acoustic drone detection station")
	fmt.Println()
	fmt.Printf("   Station: %s (%s)\n", cfg.Station.Name, cfg.Station.ID)
	fmt.Printf("   Capture: %s, %d channels, %s @ %d Hz\n",
		backend, cfg.Audio.ChannelCount, cfg.Audio.SampleFormat, cfg.Audio.SampleRate)
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                   - Health check")
	fmt.Println("   GET  /api/audio/doa            - Current bearing")
	fmt.Println("   WS   /api/audio/doa/stream     - Real-time bearing stream")
	fmt.Println("   GET  /api/audio/channels       - Per-channel queues")
	fmt.Println("   GET  /api/history              - Persisted bearings")
	fmt.Println("   POST /api/pipeline/{start,stop} - Pipeline control")
	fmt.Println("   GET  /metrics                  - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
