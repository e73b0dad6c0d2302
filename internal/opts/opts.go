// Package opts parses the "driver:key=value:flag" device specifications
// accepted on the command line.
package opts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidValue is returned when an option value cannot be parsed.
var ErrInvalidValue = errors.New("invalid option value")

const (
	escapedColon = `\:`
	colonMark    = "\x7f\x7f"
)

// Option is one item of an option string. Bare words have an empty Value
// and HasValue unset.
type Option struct {
	Key      string
	Value    string
	HasValue bool
}

// Split separates a device specification into the driver name and its
// options, eg. "testcard:size=640x480" -> "testcard", "size=640x480".
func Split(arg string) (name, options string) {
	name, options, _ = strings.Cut(arg, ":")
	return strings.TrimSpace(name), options
}

// Parse splits a colon-separated option string. Keys are lower-cased; a
// literal colon inside a value is written as `\:`.
func Parse(s string) []Option {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, escapedColon, colonMark)
	var out []Option
	for _, item := range strings.Split(s, ":") {
		if item == "" {
			continue
		}
		item = strings.ReplaceAll(item, colonMark, ":")
		key, value, ok := strings.Cut(item, "=")
		out = append(out, Option{Key: strings.ToLower(key), Value: value, HasValue: ok})
	}
	return out
}

// IsHelp reports whether the options ask for help.
func IsHelp(s string) bool {
	for _, o := range Parse(s) {
		if o.Key == "help" || o.Key == "fullhelp" {
			return true
		}
	}
	return false
}

// Size parses "WxH".
func Size(s string) (width, height int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if ok {
		width, err = strconv.Atoi(ws)
		if err == nil {
			height, err = strconv.Atoi(hs)
		}
	}
	if !ok || err != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: size %q", ErrInvalidValue, s)
	}
	return width, height, nil
}

// Int parses a decimal integer within [lo, hi].
func Int(key, s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s=%q (want %d..%d)", ErrInvalidValue, key, s, lo, hi)
	}
	return n, nil
}

// Float parses a positive number such as a frame rate.
func Float(key, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, s)
	}
	return f, nil
}

// Duration parses a Go duration or a bare number of milliseconds.
func Duration(key, s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, s)
	}
	return d, nil
}
