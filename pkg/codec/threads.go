package codec

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ThreadType is a bit set of encoder threading kinds.
type ThreadType int

const (
	ThreadFrame ThreadType = 1 << iota
	ThreadSlice
)

// ThreadMode is the requested encoder threading.
type ThreadMode struct {
	Disabled bool // "no": single thread, no parallelism
	Count    int  // -1 = unset, 0 = auto
	Type     ThreadType
	None     bool // 'n': explicitly no thread type
}

// ParseThreadMode parses "no" or "<number>[F][S][n]". Unknown flags are
// logged and ignored.
func ParseThreadMode(s string, log zerolog.Logger) ThreadMode {
	if s == "no" {
		return ThreadMode{Disabled: true, Count: 1}
	}
	m := ThreadMode{Count: -1}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 {
		m.Count, _ = strconv.Atoi(s[:i])
	}
	for _, c := range s[i:] {
		switch c {
		case 'n', 'N':
			m.None = true
			m.Type = 0
		case 'f', 'F':
			m.Type |= ThreadFrame
		case 's', 'S':
			m.Type |= ThreadSlice
		default:
			log.Error().Str("flag", string(c)).Msg("unknown thread mode")
		}
	}
	return m
}

// String renders the mode in option form.
func (m ThreadMode) String() string {
	if m.Disabled {
		return "no"
	}
	var b strings.Builder
	if m.Count >= 0 {
		b.WriteString(strconv.Itoa(m.Count))
	}
	if m.Type&ThreadFrame != 0 {
		b.WriteByte('F')
	}
	if m.Type&ThreadSlice != 0 {
		b.WriteByte('S')
	}
	if m.None {
		b.WriteByte('n')
	}
	return b.String()
}

// FFmpegThreadType returns the value for FFmpeg's "thread_type" option,
// or "" to leave the encoder default.
func (m ThreadMode) FFmpegThreadType() string {
	switch {
	case m.Disabled || m.None:
		return ""
	case m.Type == ThreadFrame|ThreadSlice:
		return "frame+slice"
	case m.Type == ThreadFrame:
		return "frame"
	case m.Type == ThreadSlice:
		return "slice"
	}
	return ""
}
