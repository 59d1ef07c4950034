package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-sentinel/internal/capture"
	"github.com/teslashibe/go-sentinel/internal/config"
	"github.com/teslashibe/go-sentinel/internal/datastore"
	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/health"
	"github.com/teslashibe/go-sentinel/internal/metrics"
	"github.com/teslashibe/go-sentinel/internal/mqtt"
	"github.com/teslashibe/go-sentinel/internal/pipeline"
	"github.com/teslashibe/go-sentinel/internal/ptz"
	"github.com/teslashibe/go-sentinel/internal/server"
	"github.com/teslashibe/go-sentinel/internal/uplink"
)

const pruneInterval = time.Hour

func runCommand(opts *options) *cobra.Command {
	var exitOnEOF bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection station",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts.configPath, exitOnEOF)
		},
	}

	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "exit when the file backend runs out of input")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, configPath string, exitOnEOF bool) error {
	logger := setupLogger(cfg.Logging, os.Stdout)

	if cfg.Station.ID == "" {
		cfg.Station.ID = uuid.NewString()
	}

	logger.Info("starting go-sentinel",
		"version", version,
		"config", configPath,
		"station", cfg.Station.ID,
		"backend", cfg.Capture.Backend,
		"port", cfg.Server.Port,
	)

	st, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("capture backend ready",
		"type", st.backend.Name(),
		"channels", st.backend.Channels(),
		"format", st.backend.Format().String(),
	)

	srv := server.New(cfg.Server, server.Deps{
		Pipeline: st.pipe,
		Tracker:  st.tracker,
		Health:   st.health,
		Metrics:  st.metrics,
		History:  historyStore(st.store),
		Settings: redacted(cfg),
	}, logger, version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.WSHub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	for name, fn := range st.sinks() {
		g.Go(func() error {
			st.forward(gctx, name, fn)
			return nil
		})
	}

	if st.store != nil && cfg.Datastore.Retention > 0 {
		g.Go(func() error {
			st.store.RunPruner(gctx, pruneInterval)
			return nil
		})
	}

	if st.uplink != nil {
		if err := st.uplink.Connect(gctx); err != nil {
			logger.Warn("uplink connect failed", "error", err)
		}
	}
	if st.mqtt != nil {
		// the paho client keeps retrying in the background
		g.Go(func() error {
			if err := st.mqtt.Connect(gctx); err != nil {
				logger.Warn("mqtt connect failed", "error", err)
				st.health.SetComponent("mqtt", false, err.Error())
				return nil
			}
			st.health.SetComponent("mqtt", true, "connected")
			if err := st.mqtt.PublishStatus(gctx, st.status()); err != nil {
				logger.Debug("mqtt status publish failed", "error", err)
			}
			return nil
		})
	}
	if st.ptz != nil {
		g.Go(func() error {
			healthy := st.ptz.IsHealthy(gctx)
			st.health.SetComponent("ptz", healthy, "")
			return nil
		})
	}

	if err := st.pipe.Start(ctx); err != nil {
		st.health.SetCritical("pipeline", false, err.Error())
		logger.Error("pipeline start failed", "error", err)
	} else {
		st.setPipelineHealth()
	}

	if f, ok := st.backend.(*capture.File); ok && exitOnEOF {
		g.Go(func() error {
			select {
			case <-f.Finished():
				logger.Info("file playback finished")
				return errPlaybackDone
			case <-gctx.Done():
				return nil
			}
		})
	}

	printStartupBanner(cfg, st.backend.Name())

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	// Stop in order: server -> pipeline -> sinks -> datastore -> tracker
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("stopping pipeline...")
	if err := st.pipe.Stop(); err != nil {
		logger.Warn("pipeline stop error", "error", err)
	}

	st.close(logger)

	err = g.Wait()
	if errors.Is(err, errPlaybackDone) {
		err = nil
	}

	logger.Info("go-sentinel stopped")
	return err
}

var errPlaybackDone = errors.New("playback finished")

// build constructs every component from cfg. The pipeline is not started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*station, error) {
	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("capture backend %s: %w", cfg.Capture.Backend, err)
	}

	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pcfg, backend, logger, m)
	if err != nil {
		return nil, err
	}

	st := &station{
		id:      cfg.Station.ID,
		ctx:     ctx,
		logger:  logger,
		backend: backend,
		pipe:    pipe,
		tracker: doa.NewTracker(trackerConfig(cfg), logger),
		metrics: m,
		health:  health.NewChecker(version),
	}
	pipe.OnEstimate(st.observe)
	pipe.OnStall(st.onStall)

	if cfg.MQTT.Enabled {
		st.mqtt = mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Topic:       cfg.MQTT.Topic,
			StationID:   cfg.Station.ID,
			QoS:         byte(cfg.MQTT.QoS),
			Retain:      cfg.MQTT.Retain,
			MinInterval: cfg.MQTT.MinInterval,
		}, logger)
	}

	if cfg.Uplink.Enabled {
		ucfg := uplink.DefaultConfig()
		ucfg.URL = cfg.Uplink.URL
		ucfg.Token = cfg.Uplink.Token
		ucfg.StationID = cfg.Station.ID
		ucfg.MinInterval = cfg.Uplink.MinInterval
		if cfg.Uplink.PingInterval > 0 {
			ucfg.PingInterval = cfg.Uplink.PingInterval
		}
		if cfg.Uplink.MaxBackoff > 0 {
			ucfg.MaxBackoff = cfg.Uplink.MaxBackoff
		}
		st.uplink = uplink.NewClient(ucfg, logger)
		st.uplink.OnHello(st.hello)
		st.uplink.OnControl(st.control)
	}

	if cfg.Datastore.Enabled {
		st.store, err = datastore.Open(datastore.Config{
			Path:        cfg.Datastore.Path,
			StationID:   cfg.Station.ID,
			MinInterval: cfg.Datastore.MinInterval,
			Retention:   cfg.Datastore.Retention,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("datastore: %w", err)
		}
	}

	if cfg.PTZ.Enabled {
		st.ptz = ptz.NewClient(ptz.Config{
			BaseURL:       cfg.PTZ.URL,
			Timeout:       cfg.PTZ.Timeout,
			MinInterval:   cfg.PTZ.MinInterval,
			MinConfidence: cfg.PTZ.MinConfidence,
			MinDelta:      cfg.PTZ.MinDelta,
			PanOffset:     cfg.PTZ.PanOffset,
		}, logger)
	}

	return st, nil
}

// close releases the sinks, the datastore and the tracker
func (s *station) close(logger *slog.Logger) {
	if s.uplink != nil {
		logger.Info("closing uplink...")
		s.uplink.Close()
	}
	if s.mqtt != nil {
		logger.Info("disconnecting mqtt...")
		s.mqtt.Close()
	}
	if s.store != nil {
		logger.Info("closing datastore...")
		if err := s.store.Close(); err != nil {
			logger.Warn("datastore close error", "error", err)
		}
	}
	s.tracker.Close()
}

// historyStore avoids handing the server a typed nil
func historyStore(s *datastore.Store) server.HistoryStore {
	if s == nil {
		return nil
	}
	return s
}

// redacted returns a copy of cfg safe to serve on /api/config
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	if out.MQTT.Password != "" {
		out.MQTT.Password = "***"
	}
	if out.Uplink.Token != "" {
		out.Uplink.Token = "***"
	}
	return out
}
