// Package discovery finds audio inputs a station can capture from: Dante
// devices announced over mDNS, USB audio class interfaces and the capture
// devices of the platform sound API.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/mdns"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-sentinel/internal/capture"
)

// Config configures a discovery run
type Config struct {
	Timeout      time.Duration
	DanteService string // e.g. "_netaudio-arc._udp"
	Domain       string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:      3 * time.Second,
		DanteService: "_netaudio-arc._udp",
		Domain:       "local",
	}
}

// DanteDevice is a Dante node found over mDNS
type DanteDevice struct {
	Name string   `json:"name"`
	Host string   `json:"host"`
	Addr string   `json:"addr"`
	Port int      `json:"port"`
	Info []string `json:"info,omitempty"`
}

// USBDevice is a USB device exposing audio class interfaces
type USBDevice struct {
	Bus             int    `json:"bus"`
	Address         int    `json:"address"`
	VendorID        string `json:"vendor_id"`
	ProductID       string `json:"product_id"`
	Speed           string `json:"speed"`
	AudioInterfaces int    `json:"audio_interfaces"`
	Streaming       bool   `json:"streaming"`
}

// Report is the result of a discovery run. Sources that fail are listed in
// Errors; the others are still reported.
type Report struct {
	Dante   []DanteDevice        `json:"dante"`
	USB     []USBDevice          `json:"usb"`
	Capture []capture.DeviceInfo `json:"capture"`
	Errors  map[string]string    `json:"errors,omitempty"`
}

// source lookups, replaceable in tests
type lookups struct {
	dante   func(ctx context.Context, cfg Config) ([]DanteDevice, error)
	usb     func() ([]USBDevice, error)
	capture func() ([]capture.DeviceInfo, error)
}

var defaultLookups = lookups{
	dante:   BrowseDante,
	usb:     ListUSBAudio,
	capture: capture.ListDevices,
}

// Run queries every source concurrently
func Run(ctx context.Context, cfg Config, logger *slog.Logger) Report {
	return run(ctx, cfg, logger, defaultLookups)
}

func run(ctx context.Context, cfg Config, logger *slog.Logger, l lookups) Report {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "discovery")

	var (
		mu     sync.Mutex
		report Report
	)
	fail := func(source string, err error) {
		logger.Warn("discovery source failed", "source", source, "error", err)
		mu.Lock()
		if report.Errors == nil {
			report.Errors = make(map[string]string)
		}
		report.Errors[source] = err.Error()
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		devs, err := l.dante(ctx, cfg)
		if err != nil {
			fail("dante", err)
			return nil
		}
		mu.Lock()
		report.Dante = devs
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		devs, err := l.usb()
		if err != nil {
			fail("usb", err)
			return nil
		}
		mu.Lock()
		report.USB = devs
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		devs, err := l.capture()
		if err != nil {
			fail("capture", err)
			return nil
		}
		mu.Lock()
		report.Capture = devs
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	logger.Info("discovery finished",
		"dante", len(report.Dante),
		"usb", len(report.USB),
		"capture", len(report.Capture),
		"errors", len(report.Errors),
	)
	return report
}

// BrowseDante queries mDNS for Dante devices until the timeout
func BrowseDante(ctx context.Context, cfg Config) ([]DanteDevice, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = min(cfg.Timeout, time.Until(deadline))
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	seen := make(map[string]DanteDevice)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for entry := range entries {
			d := fromEntry(entry)
			seen[d.Name] = d
		}
	}()

	params := &mdns.QueryParam{
		Service: cfg.DanteService,
		Domain:  cfg.Domain,
		Timeout: cfg.Timeout,
		Entries: entries,
	}
	err := mdns.Query(params)
	close(entries)
	<-collected

	if err != nil {
		return nil, fmt.Errorf("mdns query %s: %w", cfg.DanteService, err)
	}

	out := make([]DanteDevice, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func fromEntry(e *mdns.ServiceEntry) DanteDevice {
	d := DanteDevice{
		Name: e.Name,
		Host: strings.TrimSuffix(e.Host, "."),
		Port: e.Port,
		Info: e.InfoFields,
	}
	switch {
	case e.AddrV4 != nil:
		d.Addr = e.AddrV4.String()
	case e.AddrV6 != nil:
		d.Addr = e.AddrV6.String()
	}
	return d
}

// USB audio class subclasses
const (
	audioSubClassControl   gousb.Class = 0x01
	audioSubClassStreaming gousb.Class = 0x02
)

// ListUSBAudio enumerates USB devices with audio class interfaces without
// opening them
func ListUSBAudio() ([]USBDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var out []USBDevice
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if d, ok := audioDevice(desc); ok {
			out = append(out, d)
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate usb: %w", err)
	}
	return out, nil
}

func audioDevice(desc *gousb.DeviceDesc) (USBDevice, bool) {
	d := USBDevice{
		Bus:       desc.Bus,
		Address:   desc.Address,
		VendorID:  desc.Vendor.String(),
		ProductID: desc.Product.String(),
		Speed:     desc.Speed.String(),
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class != gousb.ClassAudio {
					continue
				}
				if alt.Alternate == 0 {
					d.AudioInterfaces++
				}
				if alt.SubClass == audioSubClassStreaming {
					d.Streaming = true
				}
			}
		}
	}
	return d, d.AudioInterfaces > 0
}
