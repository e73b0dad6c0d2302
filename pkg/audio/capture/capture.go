// Package capture defines audio capture devices and their registry.
package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/internal/registry"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Common errors
var (
	// ErrHelpShown is returned by Open after help was printed.
	ErrHelpShown = errors.New("help shown")

	ErrUnknownDriver  = errors.New("unknown audio capture driver")
	ErrInvalidOptions = errors.New("invalid audio capture options")
	ErrDeviceClosed   = errors.New("audio capture device closed")
)

// Device is an open audio capture device.
type Device interface {
	// Read returns the audio captured since the last call, or nil if
	// nothing is buffered. The frame is reused by the next Read.
	Read() (*frame.AudioFrame, error)
	Close() error
}

// DeviceInfo describes a device found by a driver's discovery.
type DeviceInfo struct {
	Name        string
	Description string
}

// Params carries what drivers need besides their option string.
type Params struct {
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
	FFmpegPath string
	Help       io.Writer

	// BPS and Channels request a capture format; 0 selects the driver
	// default.
	BPS      int
	Channels int
}

// Driver opens devices of one kind.
type Driver struct {
	Description string
	Discover    func() []DeviceInfo
	Open        func(options string, p Params) (Device, error)
}

var drivers registry.Registry[Driver]

// Register makes a driver available to Open.
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

// PrintList writes the registered drivers to w.
func PrintList(w io.Writer) {
	fmt.Fprintln(w, "Available audio capture drivers:")
	for _, d := range List() {
		fmt.Fprintf(w, "\t%-10s %s\n", d.Name, d.Description)
		for _, dev := range d.Devices {
			fmt.Fprintf(w, "\t\t%s: %s\n", dev.Name, dev.Description)
		}
	}
}

// Open opens a device from a "driver[:options]" specification.
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
	p.Log = p.Log.With().Str("module", "acap").Str("driver", name).Logger()

	dev, err := d.Open(options, p)
	if err != nil {
		if !errors.Is(err, ErrHelpShown) {
			p.Log.Error().Err(err).Msg("unable to open audio capture")
		}
		return nil, err
	}
	return &counted{Device: dev, metrics: p.Metrics}, nil
}

type counted struct {
	Device
	metrics *metrics.Metrics
}

func (c *counted) Read() (*frame.AudioFrame, error) {
	f, err := c.Device.Read()
	if f != nil {
		c.metrics.RecordAudioFrame("capture")
	}
	return f, err
}
