// Package lavc loads the system libavcodec at runtime to report its version
// and which encoders it was built with. Nothing is linked at build time.
package lavc

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/purego"
)

var (
	// ErrLibraryNotLoaded is returned when libavcodec hasn't been loaded.
	ErrLibraryNotLoaded = errors.New("libavcodec not loaded")

	// ErrLibraryNotFound is returned when no libavcodec can be opened.
	ErrLibraryNotFound = errors.New("libavcodec not found")
)

// EnvLibraryPath overrides the libavcodec search.
const EnvLibraryPath = "UVKIT_LIBAVCODEC_PATH"

var (
	libHandle  uintptr
	utilHandle uintptr
	libPath    string
	libLoaded  atomic.Bool
	libMu      sync.Mutex

	avcodecVersion           func() uint32
	avcodecFindEncoderByName func(name string) uintptr
	avVersionInfo            func() string
	avcodecConfiguration     func() string
	haveVersionInfo          bool
)

// LoadLibrary opens libavcodec (and libavutil for the FFmpeg version
// string). It searches $UVKIT_LIBAVCODEC_PATH first, then the versioned
// names the dynamic loader knows about.
func LoadLibrary() error {
	libMu.Lock()
	defer libMu.Unlock()

	if libLoaded.Load() {
		return nil
	}

	var lastErr error
	for _, path := range searchPaths(runtime.GOOS) {
		handle, err := dlopenLibrary(path, rtldNow|rtldGlobal)
		if err != nil {
			lastErr = err
			continue
		}
		if err := registerFunctions(handle); err != nil {
			_ = dlcloseLibrary(handle)
			lastErr = err
			continue
		}
		libHandle = handle
		libPath = path
		libLoaded.Store(true)
		loadUtil()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrLibraryNotFound, lastErr)
	}
	return ErrLibraryNotFound
}

func registerFunctions(handle uintptr) error {
	for _, fn := range []struct {
		ptr  any
		name string
	}{
		{&avcodecVersion, "avcodec_version"},
		{&avcodecFindEncoderByName, "avcodec_find_encoder_by_name"},
		{&avcodecConfiguration, "avcodec_configuration"},
	} {
		sym, err := dlsymLibrary(handle, fn.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", fn.name, err)
		}
		purego.RegisterFunc(fn.ptr, sym)
	}
	return nil
}

// loadUtil is best effort: older builds may lack av_version_info.
func loadUtil() {
	for _, path := range utilPaths(runtime.GOOS) {
		handle, err := dlopenLibrary(path, rtldNow|rtldGlobal)
		if err != nil {
			continue
		}
		sym, err := dlsymLibrary(handle, "av_version_info")
		if err != nil {
			_ = dlcloseLibrary(handle)
			continue
		}
		purego.RegisterFunc(&avVersionInfo, sym)
		utilHandle = handle
		haveVersionInfo = true
		return
	}
}

// IsLoaded reports whether libavcodec is loaded.
func IsLoaded() bool {
	return libLoaded.Load()
}

// Close unloads the libraries.
func Close() error {
	libMu.Lock()
	defer libMu.Unlock()

	if !libLoaded.Load() {
		return nil
	}
	if utilHandle != 0 {
		_ = dlcloseLibrary(utilHandle)
		utilHandle = 0
		haveVersionInfo = false
	}
	if err := dlcloseLibrary(libHandle); err != nil {
		return err
	}
	libLoaded.Store(false)
	libHandle = 0
	libPath = ""
	return nil
}

// majors are the libavcodec/libavutil sonames tried, newest first.
var (
	avcodecMajors = []int{62, 61, 60, 59, 58}
	avutilMajors  = []int{60, 59, 58, 57, 56}
)

func searchPaths(goos string) []string {
	var paths []string
	if p := os.Getenv(EnvLibraryPath); p != "" {
		paths = append(paths, p)
	}
	return append(paths, libraryNames(goos, "avcodec", avcodecMajors)...)
}

func utilPaths(goos string) []string {
	return libraryNames(goos, "avutil", avutilMajors)
}

func libraryNames(goos, lib string, majors []int) []string {
	var names []string
	for _, major := range majors {
		switch goos {
		case "darwin":
			names = append(names, fmt.Sprintf("lib%s.%d.dylib", lib, major))
		case "windows":
			names = append(names, fmt.Sprintf("%s-%d.dll", lib, major))
		default:
			names = append(names, fmt.Sprintf("lib%s.so.%d", lib, major))
		}
	}
	switch goos {
	case "darwin":
		names = append(names, "lib"+lib+".dylib", "/opt/homebrew/lib/lib"+lib+".dylib", "/usr/local/lib/lib"+lib+".dylib")
	case "windows":
		// no unversioned DLL name
	default:
		names = append(names, "lib"+lib+".so")
	}
	return names
}
