package jobs

import (
	"math"
	"strconv"
	"time"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// Operation names a job kind. The value doubles as the workspace prefix and
// the artifact name prefix.
type Operation string

const (
	OpChromaKey      Operation = "chromakey"
	OpAdvancedKeying Operation = "advanced-keying"
	OpCrop           Operation = "crop"
	OpResize         Operation = "resize"
	OpConvert        Operation = "convert"
	OpChromaKeyGIF   Operation = "chromakey-to-gif"
	OpGIFCompress    Operation = "gif-compress"
	OpGIFResize      Operation = "gif-resize"
	OpGIFOptimize    Operation = "gif-optimize-transparent"
	OpVideoToGIF     Operation = "video-to-gif"
	OpVideoConvert   Operation = "video-convert"
	OpOverlay        Operation = "overlay"
	OpImagesToGIF    Operation = "images-to-transparent-gif"
	OpGIFCreate      Operation = "gif-create"
	OpGIFExplode     Operation = "gif-explode"
	OpGIFCrop        Operation = "gif-crop"
	OpVideoTrim      Operation = "video-trim"
	OpVideoCompress  Operation = "video-compress"
	OpVideoResize    Operation = "video-resize"
)

// plan is a validated operation: everything needed to build encoder steps
// once a workspace exists.
type plan struct {
	op     Operation
	ext    string
	params map[string]any
	// minInputs and maxInputs bound the input count; zero means one.
	minInputs, maxInputs int
	// sequence stages every input into the workspace as a numbered image
	// sequence; build then receives the single image2 pattern.
	sequence bool
	build    func(ws workspace.Workspace, inputs []string) []encoder.Step
	// finish turns the last step's output into the file to publish.
	finish func(ws workspace.Workspace, output string) (string, map[string]any, error)
}

func (pl *plan) arity() (int, int) {
	lo, hi := pl.minInputs, pl.maxInputs
	if lo == 0 {
		lo = 1
	}
	if hi == 0 {
		hi = lo
	}
	return lo, hi
}

// checkInputs validates the uploaded file names against the plan.
func (pl *plan) checkInputs(names []string) *Error {
	lo, hi := pl.arity()
	switch {
	case len(names) < lo && lo == hi:
		return validationErr("%s takes %d file(s) (got %d)", pl.op, lo, len(names))
	case len(names) < lo:
		return validationErr("%s takes at least %d file(s) (got %d)", pl.op, lo, len(names))
	case len(names) > hi:
		return validationErr("%s takes at most %d file(s) (got %d)", pl.op, hi, len(names))
	}
	if pl.sequence {
		return checkSequence(names)
	}
	return nil
}

type planner func(p Params) (*plan, *Error)

var planners = map[Operation]planner{
	OpChromaKey:      planChromaKey,
	OpAdvancedKeying: planAdvancedKeying,
	OpCrop:           planCrop,
	OpResize:         planResize,
	OpConvert:        planConvert,
	OpChromaKeyGIF:   planChromaKeyGIF,
	OpGIFCompress:    planGIFCompress,
	OpGIFResize:      planGIFResize,
	OpGIFOptimize:    planGIFOptimize,
	OpVideoToGIF:     planVideoToGIF,
	OpVideoConvert:   planVideoConvert,
	OpOverlay:        planOverlay,
	OpImagesToGIF:    planImagesToGIF,
	OpGIFCreate:      planGIFCreate,
	OpGIFExplode:     planGIFExplode,
	OpGIFCrop:        planGIFCrop,
	OpVideoTrim:      planVideoTrim,
	OpVideoCompress:  planVideoCompress,
	OpVideoResize:    planVideoResize,
}

// Validate checks params for op without touching the filesystem.
func Validate(op Operation, p Params) error {
	if _, err := planFor(op, p); err != nil {
		return err
	}
	return nil
}

// ValidateInputs checks params and the uploaded file names for op. Callers
// use it to reject a request before saving any upload.
func ValidateInputs(op Operation, names []string, p Params) error {
	pl, err := planFor(op, p)
	if err != nil {
		return err
	}
	if err := pl.checkInputs(names); err != nil {
		return err
	}
	return nil
}

func planFor(op Operation, p Params) (*plan, *Error) {
	fn, ok := planners[op]
	if !ok {
		return nil, validationErr("unknown operation %q", op)
	}
	return fn(p)
}

// Operations lists every supported operation.
func Operations() []Operation {
	return []Operation{
		OpChromaKey, OpAdvancedKeying, OpCrop, OpResize, OpConvert, OpChromaKeyGIF,
		OpOverlay, OpImagesToGIF,
		OpGIFCreate, OpGIFExplode, OpGIFCrop, OpGIFCompress, OpGIFResize, OpGIFOptimize,
		OpVideoToGIF, OpVideoConvert, OpVideoTrim, OpVideoCompress, OpVideoResize,
	}
}

type builder = func(ws workspace.Workspace, inputs []string) []encoder.Step

func singlePass(op Operation, ext, filter string, extra ...string) builder {
	return func(ws workspace.Workspace, inputs []string) []encoder.Step {
		return []encoder.Step{encoder.FilterStep(string(op), inputs[0], ws.Path("out."+ext), filter, extra...)}
	}
}

func palette(pp encoder.PalettePipeline, total time.Duration) builder {
	return func(ws workspace.Workspace, inputs []string) []encoder.Step {
		pp.Input = inputs[0]
		pp.Palette = ws.Path("palette.png")
		pp.Output = ws.Path("out.gif")
		steps := pp.Steps()
		for i := range steps {
			steps[i].Total = total
		}
		return steps
	}
}

func planChromaKey(p Params) (*plan, *Error) {
	r := newReader(p)
	colors := r.colors("color", "colors")
	sim := r.float("similarity", DefaultSimilarity, MinSimilarity, MaxSimilarity)
	blend := r.float("blend", DefaultBlend, 0, 1)
	mask := r.bool("show_mask", false)
	if r.err != nil {
		return nil, r.err
	}

	filters := make([]string, 0, len(colors)+1)
	for _, c := range colors {
		filters = append(filters, encoder.ChromaKey(c, sim, blend))
	}
	if mask {
		filters = append(filters, "extractplanes=a")
	}

	return &plan{
		op:     OpChromaKey,
		ext:    "png",
		params: map[string]any{"colors": colors, "similarity": sim, "blend": blend, "show_mask": mask},
		build:  singlePass(OpChromaKey, "png", encoder.Chain(filters...)),
	}, nil
}

func planAdvancedKeying(p Params) (*plan, *Error) {
	r := newReader(p)
	method := r.oneOf("method", "chromakey", KeyMethods)

	var filter string
	params := map[string]any{"method": method}
	switch method {
	case "chromakey", "colorkey":
		color := r.color("color", true)
		sim := r.float("similarity", DefaultSimilarity, MinSimilarity, MaxSimilarity)
		defBlend := DefaultBlend
		if method == "colorkey" {
			defBlend = DefaultColorKeyBlend
		}
		blend := r.float("blend", defBlend, 0, 1)
		if method == "colorkey" {
			filter = encoder.ColorKey(color, sim, blend)
		} else {
			filter = encoder.ChromaKey(color, sim, blend)
		}
		params["color"], params["similarity"], params["blend"] = color, sim, blend
	case "alphakey":
		threshold := r.float("threshold", DefaultThreshold, 0, 1)
		softness := r.float("softness", DefaultSoftness, 0, 1)
		filter = encoder.LumaKey(threshold, softness)
		params["threshold"], params["softness"] = threshold, softness
	}
	if r.err != nil {
		return nil, r.err
	}

	return &plan{
		op:     OpAdvancedKeying,
		ext:    "png",
		params: params,
		build:  singlePass(OpAdvancedKeying, "png", filter),
	}, nil
}

func planCrop(p Params) (*plan, *Error) {
	r := newReader(p)
	w := r.requiredInt("width", 1, MaxDimension)
	h := r.requiredInt("height", 1, MaxDimension)
	x := r.int("x", 0, 0, MaxDimension)
	y := r.int("y", 0, 0, MaxDimension)
	format := r.oneOf("format", "png", ImageFormats)
	if r.err != nil {
		return nil, r.err
	}

	return &plan{
		op:     OpCrop,
		ext:    format,
		params: map[string]any{"width": w, "height": h, "x": x, "y": y, "format": format},
		build:  singlePass(OpCrop, format, encoder.Crop(w, h, x, y), encoder.ImageOutputArgs(format)...),
	}, nil
}

func planResize(p Params) (*plan, *Error) {
	r := newReader(p)
	w := r.int("width", 0, 1, MaxDimension)
	h := r.int("height", 0, 1, MaxDimension)
	keep := r.bool("maintain_aspect_ratio", true)
	format := r.oneOf("format", "png", ImageFormats)
	if r.err == nil && w == 0 && h == 0 {
		r.fail("width or height is required")
	}
	if r.err != nil {
		return nil, r.err
	}

	return &plan{
		op:     OpResize,
		ext:    format,
		params: map[string]any{"width": w, "height": h, "maintain_aspect_ratio": keep, "format": format},
		build:  singlePass(OpResize, format, encoder.Scale(w, h, keep), encoder.ImageOutputArgs(format)...),
	}, nil
}

func planConvert(p Params) (*plan, *Error) {
	r := newReader(p)
	if r.raw("format") == "" {
		r.fail("format is required")
	}
	format := r.oneOf("format", "", ImageFormats)
	if r.err != nil {
		return nil, r.err
	}

	return &plan{
		op:     OpConvert,
		ext:    format,
		params: map[string]any{"format": format},
		build:  singlePass(OpConvert, format, "", encoder.ImageOutputArgs(format)...),
	}, nil
}

func planChromaKeyGIF(p Params) (*plan, *Error) {
	r := newReader(p)
	color := r.color("color", true)
	sim := r.float("similarity", DefaultSimilarity, MinSimilarity, MaxSimilarity)
	blend := r.float("blend", DefaultBlend, 0, 1)
	if r.err != nil {
		return nil, r.err
	}

	pp := encoder.PalettePipeline{
		PreFilter: encoder.ColorKey(color, sim, blend),
		Gen:       encoder.PaletteGen{ReserveTransparent: true},
		Use:       encoder.PaletteUse{AlphaThreshold: -1},
		Loop:      0,
	}
	return &plan{
		op:     OpChromaKeyGIF,
		ext:    "gif",
		params: map[string]any{"color": color, "similarity": sim, "blend": blend},
		build:  palette(pp, 0),
	}, nil
}

// qualityColors maps compress quality to a palette size.
var qualityColors = map[string]int{"high": 256, "medium": 128, "low": 64}

func planGIFCompress(p Params) (*plan, *Error) {
	r := newReader(p)
	quality := r.oneOf("quality", "medium", Qualities)
	colors := r.int("colors", qualityColors[quality], MinColors, MaxColors)
	w := r.int("width", 0, 1, MaxDimension)
	h := r.int("height", 0, 1, MaxDimension)
	if r.err != nil {
		return nil, r.err
	}

	var pre string
	if w > 0 || h > 0 {
		pre = encoder.Scale(w, h, true)
	}
	dither := DefaultDither
	if quality == "low" {
		dither = "bayer"
	}
	pp := encoder.PalettePipeline{
		PreFilter: pre,
		Gen:       encoder.PaletteGen{MaxColors: colors, ReserveTransparent: true, StatsMode: "diff"},
		Use:       encoder.PaletteUse{Dither: dither, AlphaThreshold: -1, DiffMode: true},
		Loop:      0,
	}
	return &plan{
		op:     OpGIFCompress,
		ext:    "gif",
		params: map[string]any{"quality": quality, "colors": colors, "width": w, "height": h},
		build:  palette(pp, 0),
	}, nil
}

func planGIFResize(p Params) (*plan, *Error) {
	r := newReader(p)
	w := r.int("width", 0, 1, MaxDimension)
	h := r.int("height", 0, 1, MaxDimension)
	if r.err == nil && w == 0 && h == 0 {
		r.fail("width or height is required")
	}
	if r.err != nil {
		return nil, r.err
	}

	pp := encoder.PalettePipeline{
		PreFilter: encoder.Scale(w, h, true),
		Gen:       encoder.PaletteGen{ReserveTransparent: true},
		Use:       encoder.PaletteUse{AlphaThreshold: -1},
		Loop:      0,
	}
	return &plan{
		op:     OpGIFResize,
		ext:    "gif",
		params: map[string]any{"width": w, "height": h},
		build:  palette(pp, 0),
	}, nil
}

func planGIFOptimize(p Params) (*plan, *Error) {
	r := newReader(p)
	colors := r.int("colors", DefaultColors, MinColors, MaxColors)
	alpha := r.int("alpha_threshold", DefaultAlphaThreshold, 0, MaxAlpha)
	dither := r.oneOf("dither", DefaultDither, Dithers)
	if r.err != nil {
		return nil, r.err
	}

	pp := encoder.PalettePipeline{
		Gen:  encoder.PaletteGen{MaxColors: colors, ReserveTransparent: true},
		Use:  encoder.PaletteUse{Dither: dither, AlphaThreshold: alpha},
		Loop: 0,
	}
	return &plan{
		op:     OpGIFOptimize,
		ext:    "gif",
		params: map[string]any{"colors": colors, "alpha_threshold": alpha, "dither": dither},
		build:  palette(pp, 0),
	}, nil
}

func planVideoToGIF(p Params) (*plan, *Error) {
	r := newReader(p)
	fps := r.int("fps", DefaultFPS, MinFPS, MaxFPS)
	w := r.int("width", 0, 1, MaxDimension)
	h := r.int("height", 0, 1, MaxDimension)
	start := r.float("start", 0, 0, math.MaxInt32)
	duration := r.float("duration", 0, 0.1, MaxClipLength)
	key := r.bool("chroma_key", false)
	var color string
	if key {
		color = r.color("bg_color", false)
		if color == "" {
			color = "0x00FF00"
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	var inputArgs []string
	if start > 0 {
		inputArgs = append(inputArgs, "-ss", fmtNum(start))
	}
	if duration > 0 {
		inputArgs = append(inputArgs, "-t", fmtNum(duration))
	}

	pre := []string{encoder.FPS(fps)}
	if w > 0 || h > 0 {
		pre = append(pre, encoder.Scale(w, h, false))
	}
	if key {
		pre = append(pre, encoder.ChromaKey(color, DefaultSimilarity, DefaultBlend))
	}

	pp := encoder.PalettePipeline{
		InputArgs: inputArgs,
		PreFilter: encoder.Chain(pre...),
		Gen:       encoder.PaletteGen{ReserveTransparent: key, StatsMode: "diff"},
		Use:       encoder.PaletteUse{Dither: DefaultDither, AlphaThreshold: -1},
		Loop:      0,
	}
	total := time.Duration(duration * float64(time.Second))
	return &plan{
		op:     OpVideoToGIF,
		ext:    "gif",
		params: map[string]any{"fps": fps, "width": w, "height": h, "start": start, "duration": duration, "chroma_key": key},
		build:  palette(pp, total),
	}, nil
}

func planVideoConvert(p Params) (*plan, *Error) {
	r := newReader(p)
	format := r.oneOf("format", "mp4", VideoFormats)
	w := r.int("width", 0, 2, MaxDimension)
	h := r.int("height", 0, 2, MaxDimension)
	if r.err != nil {
		return nil, r.err
	}

	var filter string
	if w > 0 || h > 0 {
		filter = encoder.ScaleEven(w, h)
	}
	return &plan{
		op:     OpVideoConvert,
		ext:    format,
		params: map[string]any{"format": format, "width": w, "height": h},
		build:  singlePass(OpVideoConvert, format, filter, encoder.VideoOutputArgs(format)...),
	}, nil
}

func planOverlay(p Params) (*plan, *Error) {
	r := newReader(p)
	x := r.int("x", 0, 0, MaxDimension)
	y := r.int("y", 0, 0, MaxDimension)
	alpha := r.float("alpha", -1, 0, 1)
	mode := r.oneOf("blend_mode", "normal", BlendModes)
	if r.err != nil {
		return nil, r.err
	}

	graph := encoder.Overlay(x, y, alpha)
	if mode != "normal" {
		// blend has no offset; both images must share dimensions.
		graph = encoder.Blend(mode, alpha)
	}
	params := map[string]any{"x": x, "y": y, "blend_mode": mode}
	if alpha >= 0 {
		params["alpha"] = alpha
	}
	return &plan{
		op:        OpOverlay,
		ext:       "png",
		params:    params,
		minInputs: 2,
		build: func(ws workspace.Workspace, inputs []string) []encoder.Step {
			sources := []encoder.Source{{Path: inputs[0]}, {Path: inputs[1]}}
			return []encoder.Step{encoder.GraphStep(string(OpOverlay), sources, graph, ws.Path("out.png"))}
		},
	}, nil
}

func planGIFCrop(p Params) (*plan, *Error) {
	r := newReader(p)
	w := r.requiredInt("width", 1, MaxDimension)
	h := r.requiredInt("height", 1, MaxDimension)
	x := r.int("x", 0, 0, MaxDimension)
	y := r.int("y", 0, 0, MaxDimension)
	if r.err != nil {
		return nil, r.err
	}

	pp := encoder.PalettePipeline{
		PreFilter: encoder.Crop(w, h, x, y),
		Gen:       encoder.PaletteGen{ReserveTransparent: true},
		Use:       encoder.PaletteUse{AlphaThreshold: -1},
		Loop:      0,
	}
	return &plan{
		op:     OpGIFCrop,
		ext:    "gif",
		params: map[string]any{"width": w, "height": h, "x": x, "y": y},
		build:  palette(pp, 0),
	}, nil
}

// trimCopyLimit is the longest clip, in seconds, cut by stream copy. Longer
// clips are re-encoded so the cut lands on the requested frame.
const trimCopyLimit = 5.0

func planVideoTrim(p Params) (*plan, *Error) {
	r := newReader(p)
	for _, key := range []string{"start", "end"} {
		if r.raw(key) == "" {
			r.fail("%s is required", key)
		}
	}
	start := r.float("start", 0, 0, math.MaxInt32)
	end := r.float("end", 0, 0, math.MaxInt32)
	if r.err == nil && end <= start {
		r.fail("end must be after start (got start %s, end %s)", fmtNum(start), fmtNum(end))
	}
	if r.err != nil {
		return nil, r.err
	}

	length := end - start
	reencode := length > trimCopyLimit
	extra := []string{"-c", "copy"}
	if reencode {
		extra = encoder.VideoOutputArgs("mp4")
	}
	src := encoder.Source{Args: []string{"-ss", fmtNum(start), "-to", fmtNum(end)}}
	total := time.Duration(length * float64(time.Second))
	return &plan{
		op:     OpVideoTrim,
		ext:    "mp4",
		params: map[string]any{"start": start, "end": end, "duration": length, "reencode": reencode},
		build: func(ws workspace.Workspace, inputs []string) []encoder.Step {
			in := src
			in.Path = inputs[0]
			step := encoder.GraphStep(string(OpVideoTrim), []encoder.Source{in}, "", ws.Path("out.mp4"), extra...)
			step.Total = total
			return []encoder.Step{step}
		},
	}, nil
}

// qualityBitrate maps video compress quality to a target bitrate in kbps.
var qualityBitrate = map[string]int{"high": 2000, "medium": 1000, "low": 500}

func planVideoCompress(p Params) (*plan, *Error) {
	r := newReader(p)
	quality := r.oneOf("quality", "medium", Qualities)
	kbps := r.int("bitrate", qualityBitrate[quality], MinBitrate, MaxBitrate)
	if r.err != nil {
		return nil, r.err
	}

	crf, preset := "27", "medium"
	switch {
	case kbps > 1500:
		crf, preset = "21", "slow"
	case kbps > 800:
		crf = "24"
	}
	extra := []string{
		"-c:v", "libx264", "-b:v", strconv.Itoa(kbps) + "k", "-crf", crf, "-preset", preset,
		"-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart",
	}
	return &plan{
		op:     OpVideoCompress,
		ext:    "mp4",
		params: map[string]any{"quality": quality, "bitrate": kbps, "crf": crf, "preset": preset},
		build:  singlePass(OpVideoCompress, "mp4", "", extra...),
	}, nil
}

func planVideoResize(p Params) (*plan, *Error) {
	r := newReader(p)
	w := r.int("width", 0, 2, MaxDimension)
	h := r.int("height", 0, 2, MaxDimension)
	keep := r.bool("maintain_aspect_ratio", true)
	if r.err == nil && w == 0 && h == 0 {
		r.fail("width or height is required")
	}
	if r.err != nil {
		return nil, r.err
	}

	filter := encoder.ScaleEven(w, h)
	if keep && w > 0 && h > 0 {
		filter = encoder.FitEven(w, h)
	}
	kbps := 1500
	if max(w, h) > 1080 {
		kbps = 2000
	}
	extra := []string{"-c:v", "libx264", "-preset", "medium", "-b:v", strconv.Itoa(kbps) + "k", "-c:a", "copy"}
	return &plan{
		op:     OpVideoResize,
		ext:    "mp4",
		params: map[string]any{"width": w, "height": h, "maintain_aspect_ratio": keep, "bitrate": kbps},
		build:  singlePass(OpVideoResize, "mp4", filter, extra...),
	}, nil
}
