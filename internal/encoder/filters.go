package encoder

import (
	"strconv"
	"strings"
)

// Filter-graph and argument builders. Values are assumed to be validated by
// the caller; these functions only format them.

// Chain joins filters with ",", skipping empty entries.
func Chain(filters ...string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, ",")
}

// ChromaKey keys out color in YUV space.
func ChromaKey(color string, similarity, blend float64) string {
	return "chromakey=" + color + ":" + formatFloat(similarity) + ":" + formatFloat(blend)
}

// ColorKey keys out color in RGB space.
func ColorKey(color string, similarity, blend float64) string {
	return "colorkey=" + color + ":" + formatFloat(similarity) + ":" + formatFloat(blend)
}

// LumaKey keys out pixels by brightness; it backs the "alphakey" method.
func LumaKey(threshold, softness float64) string {
	return "lumakey=threshold=" + formatFloat(threshold) + ":tolerance=0.01:softness=" + formatFloat(softness)
}

// Crop cuts a w x h rectangle at (x, y).
func Crop(w, h, x, y int) string {
	return "crop=" + strconv.Itoa(w) + ":" + strconv.Itoa(h) + ":" + strconv.Itoa(x) + ":" + strconv.Itoa(y)
}

// Scale resizes to w x h. A zero dimension is derived from the aspect ratio.
// With fit set, the result fits inside the box instead of filling it.
func Scale(w, h int, fit bool) string {
	s := "scale=" + dim(w) + ":" + dim(h)
	if fit && w > 0 && h > 0 {
		s += ":force_original_aspect_ratio=decrease"
	}
	return s + ":flags=lanczos"
}

// ScaleEven is Scale for codecs that need even dimensions (x264, vp9).
func ScaleEven(w, h int) string {
	ew, eh := "-2", "-2"
	if w > 0 {
		ew = strconv.Itoa(w - w%2)
	}
	if h > 0 {
		eh = strconv.Itoa(h - h%2)
	}
	return "scale=" + ew + ":" + eh + ":flags=lanczos"
}

// FitEven scales into a w x h box keeping the aspect ratio, rounding both
// sides to even values.
func FitEven(w, h int) string {
	return "scale=" + strconv.Itoa(w) + ":" + strconv.Itoa(h) + ":force_original_aspect_ratio=decrease:force_divisible_by=2:flags=lanczos"
}

// FPS resamples to n frames per second.
func FPS(n int) string {
	return "fps=" + strconv.Itoa(n)
}

// PaletteGen configures the palettegen pass.
type PaletteGen struct {
	MaxColors          int // 0 keeps the encoder default of 256
	ReserveTransparent bool
	StatsMode          string // full, diff or single; empty keeps the default
}

func (g PaletteGen) String() string {
	var opts []string
	if g.MaxColors > 0 {
		opts = append(opts, "max_colors="+strconv.Itoa(g.MaxColors))
	}
	if g.ReserveTransparent {
		opts = append(opts, "reserve_transparent=1")
	}
	if g.StatsMode != "" {
		opts = append(opts, "stats_mode="+g.StatsMode)
	}
	return withOpts("palettegen", opts)
}

// PaletteUse configures the paletteuse pass.
type PaletteUse struct {
	Dither         string
	AlphaThreshold int // negative omits the option
	DiffMode       bool
}

func (u PaletteUse) String() string {
	var opts []string
	if u.Dither != "" {
		opts = append(opts, "dither="+u.Dither)
	}
	if u.AlphaThreshold >= 0 {
		opts = append(opts, "alpha_threshold="+strconv.Itoa(u.AlphaThreshold))
	}
	if u.DiffMode {
		opts = append(opts, "diff_mode=rectangle")
	}
	return withOpts("paletteuse", opts)
}

// PalettePipeline describes the two-pass GIF encode: pass one derives an
// optimized palette, pass two maps the processed input onto it.
type PalettePipeline struct {
	Input     string
	Palette   string
	Output    string
	InputArgs []string // placed before -i, e.g. -ss / -t for video
	PreFilter string   // applied to the input in both passes
	Gen       PaletteGen
	Use       PaletteUse
	Loop      int // GIF loop count; 0 loops forever, -1 omits
}

// Steps returns the palette-generation and palette-use steps, in order.
func (p PalettePipeline) Steps() []Step {
	gen := []string{"-y"}
	gen = append(gen, p.InputArgs...)
	gen = append(gen, "-i", p.Input, "-vf", Chain(p.PreFilter, p.Gen.String()), p.Palette)

	var graph string
	if p.PreFilter != "" {
		graph = "[0:v]" + p.PreFilter + "[x];[x][1:v]" + p.Use.String()
	} else {
		graph = "[0:v][1:v]" + p.Use.String()
	}

	use := []string{"-y"}
	use = append(use, p.InputArgs...)
	use = append(use, "-i", p.Input, "-i", p.Palette, "-lavfi", graph)
	if p.Loop >= 0 {
		use = append(use, "-loop", strconv.Itoa(p.Loop))
	}
	use = append(use, p.Output)

	return []Step{
		{Name: "palettegen", Args: gen, Output: p.Palette},
		{Name: "paletteuse", Args: use, Output: p.Output},
	}
}

// FilterStep builds a single-pass step: input, optional -vf graph, extra
// output options, output.
func FilterStep(name, input, output, filter string, extra ...string) Step {
	args := []string{"-y", "-i", input}
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args, extra...)
	args = append(args, output)
	return Step{Name: name, Args: args, Output: output}
}

// Source is one encoder input and the options placed before its -i.
type Source struct {
	Args []string
	Path string
}

// GraphStep builds a step over several inputs. A non-empty graph is passed
// as -filter_complex and refers to inputs as [0:v], [1:v], ...
func GraphStep(name string, sources []Source, graph, output string, extra ...string) Step {
	args := []string{"-y"}
	for _, src := range sources {
		args = append(args, src.Args...)
		args = append(args, "-i", src.Path)
	}
	if graph != "" {
		args = append(args, "-filter_complex", graph)
	}
	args = append(args, extra...)
	args = append(args, output)
	return Step{Name: name, Args: args, Output: output}
}

// SequenceArgs reads a numbered image sequence at fps frames per second.
func SequenceArgs(fps int) []string {
	return []string{"-f", "image2", "-framerate", strconv.Itoa(fps)}
}

// Overlay places input 1 over input 0 at (x, y). A negative alpha keeps the
// overlay's own opacity.
func Overlay(x, y int, alpha float64) string {
	pos := "overlay=" + strconv.Itoa(x) + ":" + strconv.Itoa(y)
	if alpha < 0 {
		return "[0:v][1:v]" + pos
	}
	return "[1:v]format=rgba,colorchannelmixer=aa=" + formatFloat(alpha) + "[ov];[0:v][ov]" + pos
}

// Blend mixes input 1 into input 0 with mode. A negative alpha blends at
// full opacity. Both inputs must share dimensions.
func Blend(mode string, alpha float64) string {
	s := "[0:v][1:v]blend=all_mode=" + mode
	if alpha >= 0 {
		s += ":all_opacity=" + formatFloat(alpha)
	}
	return s
}

// ImageOutputArgs returns per-format quality options for still images.
func ImageOutputArgs(format string) []string {
	switch format {
	case "jpg", "jpeg":
		return []string{"-q:v", "8"}
	case "png":
		return []string{"-compression_level", "3"}
	case "webp":
		return []string{"-q:v", "80"}
	}
	return nil
}

// VideoOutputArgs returns codec options for a video container.
func VideoOutputArgs(format string) []string {
	switch format {
	case "mp4", "mov":
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac", "-movflags", "+faststart"}
	case "mkv":
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac"}
	case "webm":
		return []string{"-c:v", "libvpx-vp9", "-crf", "32", "-b:v", "0", "-c:a", "libopus"}
	}
	return nil
}

func withOpts(name string, opts []string) string {
	if len(opts) == 0 {
		return name
	}
	return name + "=" + strings.Join(opts, ":")
}

func dim(v int) string {
	if v <= 0 {
		return "-1"
	}
	return strconv.Itoa(v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
