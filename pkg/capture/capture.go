// Package capture defines video capture devices and the registry through
// which drivers are opened by name.
//
// Drivers register themselves from init, so programs import the driver
// packages they want for side effects:
//
//	import _ "github.com/thesyncim/uvkit/pkg/capture/testcard"
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/internal/registry"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Common errors
var (
	// ErrHelpShown is returned by Open after help was printed. It is not
	// a failure; callers should exit quietly.
	ErrHelpShown = errors.New("help shown")

	ErrUnknownDriver  = errors.New("unknown capture driver")
	ErrInvalidOptions = errors.New("invalid capture options")
	ErrDeviceClosed   = errors.New("capture device closed")
)

// Device is an open video capture device.
type Device interface {
	// Grab returns the next frame. A nil frame with a nil error means no
	// frame was ready in time. Callers must Release returned frames.
	Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error)

	// Close stops capturing and releases the device.
	Close() error
}

// DeviceInfo describes a device found by a driver's discovery.
type DeviceInfo struct {
	Name        string
	Description string
	Width       int
	Height      int
	Codec       codec.Type
}

// Params carries what drivers need besides their option string.
type Params struct {
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
	FFmpegPath string
	// Help receives help output. Defaults to io.Discard.
	Help io.Writer
}

// Driver opens devices of one kind.
type Driver struct {
	Description string
	Discover    func() []DeviceInfo
	Open        func(options string, p Params) (Device, error)
}

var drivers registry.Registry[Driver]

// Register makes a driver available to Open. It is meant to be called
// from init.
func Register(name string, d Driver) {
	drivers.Register(name, d.Description, d)
}

// DriverInfo is a registered driver and the devices it found.
type DriverInfo struct {
	Name        string
	Description string
	Devices     []DeviceInfo
}

// List queries every registered driver.
func List() []DriverInfo {
	var out []DriverInfo
	for _, e := range drivers.List() {
		info := DriverInfo{Name: e.Name, Description: e.Description}
		if e.Driver.Discover != nil {
			info.Devices = e.Driver.Discover()
		}
		out = append(out, info)
	}
	return out
}

// PrintList writes the registered drivers and their devices to w.
func PrintList(w io.Writer) {
	fmt.Fprintln(w, "Available video capture drivers:")
	for _, d := range List() {
		fmt.Fprintf(w, "\t%-10s %s\n", d.Name, d.Description)
		for _, dev := range d.Devices {
			fmt.Fprintf(w, "\t\t%s: %s", dev.Name, dev.Description)
			if dev.Width > 0 {
				fmt.Fprintf(w, " (%dx%d %s)", dev.Width, dev.Height, dev.Codec)
			}
			fmt.Fprintln(w)
		}
	}
}

// Open opens a device from a "driver[:options]" string. "help" as
// the driver name lists drivers and returns ErrHelpShown.
func Open(arg string, p Params) (Device, error) {
	if p.Help == nil {
		p.Help = io.Discard
	}
	name, options := opts.Split(arg)
	if name == "help" {
		PrintList(p.Help)
		return nil, ErrHelpShown
	}
	d, ok := drivers.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	p.Log = p.Log.With().Str("module", "vidcap").Str("driver", name).Logger()

	dev, err := d.Open(options, p)
	if err != nil {
		if !errors.Is(err, ErrHelpShown) {
			p.Log.Error().Err(err).Msg("unable to open capture device")
		}
		return nil, err
	}
	return &counted{Device: dev, name: name, metrics: p.Metrics}, nil
}

// counted records captured frames.
type counted struct {
	Device
	name    string
	metrics *metrics.Metrics
}

func (c *counted) Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error) {
	v, a, err := c.Device.Grab(ctx)
	if v != nil {
		c.metrics.RecordFrameCaptured(c.name)
	}
	return v, a, err
}
