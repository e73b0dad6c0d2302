package lavc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "61.19.100", FormatVersion(61<<16|19<<8|100))
	assert.Equal(t, "0.0.0", FormatVersion(0))
}

func TestLibraryNames(t *testing.T) {
	tests := []struct {
		goos  string
		first string
		last  string
	}{
		{"linux", "libavcodec.so.62", "libavcodec.so"},
		{"darwin", "libavcodec.62.dylib", "/usr/local/lib/libavcodec.dylib"},
		{"windows", "avcodec-62.dll", "avcodec-58.dll"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			names := libraryNames(tt.goos, "avcodec", avcodecMajors)
			require.NotEmpty(t, names)
			assert.Equal(t, tt.first, names[0])
			assert.Equal(t, tt.last, names[len(names)-1])
		})
	}
}

func TestSearchPathsHonorsEnv(t *testing.T) {
	t.Setenv(EnvLibraryPath, "/opt/ffmpeg/lib/libavcodec.so")
	paths := searchPaths("linux")
	assert.Equal(t, "/opt/ffmpeg/lib/libavcodec.so", paths[0])
	assert.Contains(t, paths, "libavcodec.so.61")
}

func TestHasEncoderNotLoaded(t *testing.T) {
	if IsLoaded() {
		t.Skip("libavcodec already loaded")
	}
	_, err := HasEncoder("libx264")
	assert.ErrorIs(t, err, ErrLibraryNotLoaded)
}

func TestVersion(t *testing.T) {
	info, err := Version()
	if err != nil {
		assert.ErrorIs(t, err, ErrLibraryNotFound)
		t.Skipf("libavcodec not available: %v", err)
	}
	defer Close()

	assert.NotZero(t, info.Version)
	assert.NotEmpty(t, info.Path)
	assert.Contains(t, info.String(), "libavcodec ")

	ok, err := HasEncoder("this_encoder_does_not_exist")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = HasEncoder("")
	require.NoError(t, err)
	assert.False(t, ok)
}
