package jobs

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Params is the source of raw request parameters; url.Values satisfies it.
type Params interface {
	Get(key string) string
}

// MapParams adapts a plain map to Params.
type MapParams map[string]string

func (m MapParams) Get(key string) string { return m[key] }

// Documented parameter ranges. Values outside them are rejected before any
// workspace is allocated or encoder spawned.
const (
	MinSimilarity = 0.01
	MaxSimilarity = 1.0
	MaxDimension  = 8192
	MinColors     = 2
	MaxColors     = 256
	MaxAlpha      = 255
	MinFPS        = 1
	MaxFPS        = 60
	MaxClipLength = 60.0  // seconds
	MinBitrate    = 100   // kbps
	MaxBitrate    = 50000 // kbps
	MaxLoop       = 65535
)

// MaxSequenceImages caps the images assembled into one animation.
const MaxSequenceImages = 100

// Parameter defaults applied when a field is absent.
const (
	DefaultSimilarity     = 0.3
	DefaultBlend          = 0.2
	DefaultColorKeyBlend  = 0.01
	DefaultThreshold      = 0.5
	DefaultSoftness       = 0.0
	DefaultColors         = 256
	DefaultAlphaThreshold = 128
	DefaultFPS            = 10
	DefaultDither         = "sierra2_4a"
)

var (
	ImageFormats = []string{"png", "jpg", "jpeg", "webp", "gif", "bmp"}
	VideoFormats = []string{"mp4", "webm", "mov", "mkv"}
	Dithers      = []string{"none", "bayer", "heckbert", "floyd_steinberg", "sierra2_4a"}
	Qualities    = []string{"high", "medium", "low"}
	KeyMethods   = []string{"chromakey", "colorkey", "alphakey"}
	BlendModes   = []string{"normal", "addition", "multiply", "screen", "overlay", "darken", "lighten"}
	FrameFormats = []string{"png", "jpg", "webp", "bmp"}
)

var namedColors = map[string]bool{
	"black": true, "white": true, "red": true, "green": true, "blue": true,
	"yellow": true, "cyan": true, "magenta": true, "gray": true, "grey": true,
	"lime": true, "orange": true, "purple": true, "pink": true, "brown": true,
}

var hexColor = regexp.MustCompile(`^(?:#|0x|0X)?([0-9a-fA-F]{6}|[0-9a-fA-F]{3})$`)

// ParseColor normalizes a color to 0xRRGGBB, or a lower-case known name.
// Accepted: #RRGGBB, #RGB, 0xRRGGBB, RRGGBB and a fixed set of names.
func ParseColor(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if namedColors[strings.ToLower(s)] {
		return strings.ToLower(s), true
	}
	m := hexColor.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	hex := strings.ToUpper(m[1])
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	return "0x" + hex, true
}

// reader collects the first validation failure while reading params, so
// planners can read every field and check the error once.
type reader struct {
	p   Params
	err *Error
}

func newReader(p Params) *reader {
	if p == nil {
		p = MapParams{}
	}
	return &reader{p: p}
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = validationErr(format, args...)
	}
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.p.Get(key))
}

// float reads key, falling back to def when absent, and enforces [min, max].
func (r *reader) float(key string, def, min, max float64) float64 {
	s := r.raw(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		r.fail("%s must be a number (got %q)", key, s)
		return def
	}
	if v < min || v > max {
		r.fail("%s must be between %s and %s (got %s)", key, fmtNum(min), fmtNum(max), s)
		return def
	}
	return v
}

// int reads key; def is returned when absent. Zero def with required=false
// means "not set".
func (r *reader) int(key string, def, min, max int) int {
	s := r.raw(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		r.fail("%s must be an integer (got %q)", key, s)
		return def
	}
	if v < min || v > max {
		r.fail("%s must be between %d and %d (got %d)", key, min, max, v)
		return def
	}
	return v
}

func (r *reader) requiredInt(key string, min, max int) int {
	if r.raw(key) == "" {
		r.fail("%s is required", key)
		return 0
	}
	return r.int(key, 0, min, max)
}

func (r *reader) bool(key string, def bool) bool {
	s := r.raw(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		r.fail("%s must be true or false (got %q)", key, s)
		return def
	}
	return v
}

func (r *reader) oneOf(key, def string, allowed []string) string {
	s := strings.ToLower(r.raw(key))
	if s == "" {
		return def
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	r.fail("%s must be one of %s (got %q)", key, strings.Join(allowed, ", "), s)
	return def
}

func (r *reader) color(key string, required bool) string {
	s := r.raw(key)
	if s == "" {
		if required {
			r.fail("%s is required", key)
		}
		return ""
	}
	c, ok := ParseColor(s)
	if !ok {
		r.fail("%s must be a hex color (#RRGGBB, #RGB, 0xRRGGBB) or a color name (got %q)", key, s)
	}
	return c
}

// colors reads either a JSON array under listKey or a single color under key.
func (r *reader) colors(key, listKey string) []string {
	if list := r.raw(listKey); list != "" {
		var raw []string
		if err := json.Unmarshal([]byte(list), &raw); err != nil || len(raw) == 0 {
			r.fail("%s must be a non-empty JSON array of colors", listKey)
			return nil
		}
		out := make([]string, 0, len(raw))
		for _, s := range raw {
			c, ok := ParseColor(s)
			if !ok {
				r.fail("%s contains an invalid color %q", listKey, s)
				return nil
			}
			out = append(out, c)
		}
		return out
	}
	if r.raw(key) == "" {
		r.fail("%s or %s is required", key, listKey)
		return nil
	}
	if c := r.color(key, true); c != "" {
		return []string{c}
	}
	return nil
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
