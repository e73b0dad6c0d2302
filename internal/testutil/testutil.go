// Package testutil provides shared test utilities for uvkit tests.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// FakeBinary writes a shell script into a temporary directory and returns
// its path. Tests use it in place of ffmpeg, aplay and friends. The test is
// skipped where /bin/sh is not available.
func FakeBinary(t testing.TB, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	return path
}

// CreateTestVideoFrame creates an I420 video frame with a gradient pattern.
// The pattern allows visual verification and is recognizable when decoded.
func CreateTestVideoFrame(width, height int) *frame.VideoFrame {
	f := frame.NewVideoFrame(frame.VideoDesc{Width: width, Height: height, FPS: 30, Codec: codec.I420})
	data := f.Data()

	// Fill Y plane with a diagonal gradient
	ySize := width * height
	for i := 0; i < ySize; i++ {
		y := i / width
		x := i % width
		data[i] = byte((x + y) % 256)
	}

	// Fill U and V planes with mid-gray (128)
	for i := ySize; i < len(data); i++ {
		data[i] = 128
	}
	return f
}

// CreateUYVYFrame creates a UYVY frame filled with mid-gray.
func CreateUYVYFrame(width, height int, fps float64) *frame.VideoFrame {
	f := frame.NewVideoFrame(frame.VideoDesc{Width: width, Height: height, FPS: fps, Codec: codec.UYVY})
	data := f.Data()
	for i := range data {
		data[i] = 128
	}
	return f
}

// CreateTestAudioFrame creates an audio frame with a 440 Hz sine wave.
// Uses 16-bit signed little-endian samples.
func CreateTestAudioFrame(sampleRate, channels, samplesPerChannel int) *frame.AudioFrame {
	desc := frame.AudioDesc{BPS: 2, Channels: channels, SampleRate: sampleRate}
	f := frame.NewAudioFrame(desc, samplesPerChannel*channels*2)

	frequency := 440.0
	amplitude := 10000.0

	buf := make([]byte, samplesPerChannel*channels*2)
	totalSamples := samplesPerChannel * channels
	for i := 0; i < totalSamples; i++ {
		sampleIndex := i / channels
		t := float64(sampleIndex) / float64(sampleRate)
		value := int16(amplitude * math.Sin(2*math.Pi*frequency*t))

		// Write as little-endian
		buf[i*2] = byte(value)
		buf[i*2+1] = byte(value >> 8)
	}
	f.Append(buf)
	return f
}

// CreateSilentAudioFrame creates a silent 16-bit audio frame.
func CreateSilentAudioFrame(sampleRate, channels, samplesPerChannel int) *frame.AudioFrame {
	desc := frame.AudioDesc{BPS: 2, Channels: channels, SampleRate: sampleRate}
	f := frame.NewAudioFrame(desc, samplesPerChannel*channels*2)
	f.Append(make([]byte, samplesPerChannel*channels*2))
	return f
}
