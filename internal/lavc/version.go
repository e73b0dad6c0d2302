package lavc

import (
	"fmt"
	"strings"
)

// Info describes the loaded libavcodec.
type Info struct {
	Path          string
	Version       uint32
	FFmpegVersion string // "" when libavutil couldn't be loaded
	Configuration string
}

// VersionString formats the packed libavcodec version as "61.19.100".
func (i Info) VersionString() string {
	return FormatVersion(i.Version)
}

func (i Info) String() string {
	s := "libavcodec " + i.VersionString()
	if i.FFmpegVersion != "" {
		s += " (FFmpeg " + i.FFmpegVersion + ")"
	}
	return s
}

// FormatVersion unpacks an AV_VERSION_INT value.
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}

// Version loads libavcodec if needed and reports its version.
func Version() (Info, error) {
	if err := LoadLibrary(); err != nil {
		return Info{}, err
	}
	libMu.Lock()
	defer libMu.Unlock()

	info := Info{
		Path:          libPath,
		Version:       avcodecVersion(),
		Configuration: avcodecConfiguration(),
	}
	if haveVersionInfo {
		info.FFmpegVersion = avVersionInfo()
	}
	return info, nil
}

// HasEncoder reports whether the loaded libavcodec provides the named
// encoder, eg. "libx264" or "h264_nvenc".
func HasEncoder(name string) (bool, error) {
	if !libLoaded.Load() {
		return false, ErrLibraryNotLoaded
	}
	if strings.TrimSpace(name) == "" {
		return false, nil
	}
	return avcodecFindEncoderByName(name) != 0, nil
}

// Encoders filters names down to those available in libavcodec.
func Encoders(names ...string) ([]string, error) {
	var out []string
	for _, name := range names {
		ok, err := HasEncoder(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}
