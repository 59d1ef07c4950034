package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-sentinel/internal/capture"
	"github.com/teslashibe/go-sentinel/internal/datastore"
	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/health"
	"github.com/teslashibe/go-sentinel/internal/metrics"
	"github.com/teslashibe/go-sentinel/internal/mqtt"
	"github.com/teslashibe/go-sentinel/internal/pipeline"
	"github.com/teslashibe/go-sentinel/internal/protocol"
	"github.com/teslashibe/go-sentinel/internal/ptz"
	"github.com/teslashibe/go-sentinel/internal/uplink"
)

// station holds the running components. Optional sinks are nil when
// disabled.
type station struct {
	id     string
	ctx    context.Context
	logger *slog.Logger

	backend capture.Backend
	pipe    *pipeline.Pipeline
	tracker *doa.Tracker
	metrics *metrics.Metrics
	health  *health.Checker

	mqtt   *mqtt.Publisher
	uplink *uplink.Client
	store  *datastore.Store
	ptz    *ptz.Client
}

// observe feeds a pipeline estimate to the tracker
func (s *station) observe(est pipeline.Estimate) {
	r := s.tracker.Update(doa.Observation{
		Angle:          est.Angle,
		RawAngle:       est.RawAngle,
		Energies:       est.Energies,
		MaxEnergy:      est.MaxEnergy,
		FrameTimestamp: est.FrameTimestamp,
	})
	s.metrics.SetBearing(r.Angle, r.Confidence)
}

func (s *station) onStall(channel int, stalled bool) {
	name := fmt.Sprintf("channel_%d", channel)
	if stalled {
		s.health.SetComponent(name, false, "no frames from channel")
		return
	}
	s.health.Remove(name)
}

func (s *station) status() protocol.StatusData {
	st := s.pipe.Stats()
	out := protocol.StatusData{
		State:       st.State,
		Backend:     st.Backend,
		FrameSets:   st.FrameSets,
		QueueDepths: s.pipe.QueueDepths(),
	}
	for _, ch := range st.Channels {
		if ch.Stalled {
			out.Stalled = append(out.Stalled, ch.Channel)
		}
	}
	return out
}

func (s *station) hello() protocol.HelloData {
	return protocol.HelloData{
		Station:  s.id,
		Version:  version,
		Backend:  s.backend.Name(),
		Channels: len(s.pipe.Bearings()),
		Bearings: s.pipe.Bearings(),
	}
}

// control executes a remote start/stop/status command
func (s *station) control(cmd protocol.ControlCommand) (protocol.StatusData, error) {
	var err error
	switch cmd.Action {
	case "start":
		err = s.pipe.Start(s.ctx)
		s.setPipelineHealth()
	case "stop":
		err = s.pipe.Stop()
		s.setPipelineHealth()
	case "status":
	default:
		return protocol.StatusData{}, fmt.Errorf("unknown action %q", cmd.Action)
	}
	if err != nil {
		return protocol.StatusData{}, err
	}
	return s.status(), nil
}

func (s *station) setPipelineHealth() {
	state := s.pipe.State()
	s.health.SetCritical("pipeline", true, state.String())
}

func toBearing(r doa.Result) protocol.BearingData {
	return protocol.BearingData{
		Angle:          r.Angle,
		RawAngle:       r.RawAngle,
		MaxEnergy:      r.MaxEnergy,
		Confidence:     r.Confidence,
		Active:         r.Active,
		Energies:       r.Energies,
		FrameTimestamp: r.FrameTimestamp,
	}
}

// forward runs fn for every tracked bearing until ctx is done or the
// tracker closes
func (s *station) forward(ctx context.Context, sink string, fn func(context.Context, doa.Result) (bool, error)) {
	ch := s.tracker.Subscribe()
	defer s.tracker.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			sent, err := fn(ctx, r)
			if err != nil {
				s.metrics.RecordPublish(sink, err)
				s.logger.Debug("sink publish failed", "sink", sink, "error", err)
				continue
			}
			if sent {
				s.metrics.RecordPublish(sink, nil)
			}
		}
	}
}

// sinks returns the publish function of each enabled sink
func (s *station) sinks() map[string]func(context.Context, doa.Result) (bool, error) {
	out := make(map[string]func(context.Context, doa.Result) (bool, error))

	if s.mqtt != nil {
		out["mqtt"] = func(ctx context.Context, r doa.Result) (bool, error) {
			return s.mqtt.PublishBearing(ctx, toBearing(r))
		}
	}
	if s.uplink != nil {
		out["uplink"] = func(_ context.Context, r doa.Result) (bool, error) {
			if !s.uplink.IsConnected() {
				return false, nil
			}
			return s.uplink.SendBearing(toBearing(r))
		}
	}
	if s.store != nil {
		out["datastore"] = s.store.Save
	}
	if s.ptz != nil {
		out["ptz"] = func(ctx context.Context, r doa.Result) (bool, error) {
			if !r.Active {
				return false, nil
			}
			cue, err := s.ptz.Cue(ctx, r.Angle, r.Confidence)
			return cue.Accepted, err
		}
	}
	return out
}
