package sweep

import (
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// nameTime extracts the creation time encoded in an entry name.
// Recognized segments (split on '-', '_' and '.'):
//   - 13 digits: unix milliseconds, as written by the workspace allocator
//   - 12 digits: YYYYMMDDhhmm in local time, as used by dated output folders
func nameTime(name string) (time.Time, bool) {
	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	for _, seg := range segments {
		if !allDigits(seg) {
			continue
		}
		switch len(seg) {
		case 13:
			ms, err := strconv.ParseInt(seg, 10, 64)
			if err == nil {
				return time.UnixMilli(ms), true
			}
		case 12:
			t, err := time.ParseInLocation("200601021504", seg, time.Local)
			if err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// entryAge returns how old an entry is, preferring the name-encoded time and
// falling back to the modification time. An encoded time after now is not
// trusted.
func entryAge(name string, info fs.FileInfo, now time.Time) time.Duration {
	if t, ok := nameTime(name); ok && !t.After(now) {
		return now.Sub(t)
	}
	return now.Sub(info.ModTime())
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
