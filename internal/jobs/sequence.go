package jobs

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// sequenceDir is the workspace subdirectory holding staged images.
const sequenceDir = "sequence"

func planGIFCreate(p Params) (*plan, *Error) {
	return planSequenceGIF(OpGIFCreate, p, false)
}

func planImagesToGIF(p Params) (*plan, *Error) {
	return planSequenceGIF(OpImagesToGIF, p, true)
}

// planSequenceGIF assembles numbered images into one animated GIF. With
// optimize set, the palette pipeline keeps a transparent slot.
func planSequenceGIF(op Operation, p Params, optimizeDefault bool) (*plan, *Error) {
	r := newReader(p)
	fps := r.int("fps", DefaultFPS, MinFPS, MaxFPS)
	loop := r.int("loop", 0, 0, MaxLoop)
	optimize := r.bool("optimize", optimizeDefault)
	colors := r.int("colors", DefaultColors, MinColors, MaxColors)
	alpha := r.int("alpha_threshold", DefaultAlphaThreshold, 0, MaxAlpha)
	if r.err != nil {
		return nil, r.err
	}

	build := func(ws workspace.Workspace, inputs []string) []encoder.Step {
		src := encoder.Source{Args: encoder.SequenceArgs(fps), Path: inputs[0]}
		return []encoder.Step{encoder.GraphStep(string(op), []encoder.Source{src}, "", ws.Path("out.gif"), "-loop", strconv.Itoa(loop))}
	}
	if optimize {
		build = palette(encoder.PalettePipeline{
			InputArgs: encoder.SequenceArgs(fps),
			Gen:       encoder.PaletteGen{MaxColors: colors, ReserveTransparent: true},
			Use:       encoder.PaletteUse{Dither: DefaultDither, AlphaThreshold: alpha},
			Loop:      loop,
		}, 0)
	}

	return &plan{
		op:        op,
		ext:       "gif",
		params:    map[string]any{"fps": fps, "loop": loop, "optimize": optimize, "colors": colors, "alpha_threshold": alpha},
		maxInputs: MaxSequenceImages,
		sequence:  true,
		build:     build,
	}, nil
}

// sequenceExt is the lower-cased extension the image2 reader keys on.
func sequenceExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// checkSequence requires every image to carry the same supported extension,
// since one image2 pattern reads them all back.
func checkSequence(names []string) *Error {
	ext := sequenceExt(names[0])
	if !slices.Contains(ImageFormats, strings.TrimPrefix(ext, ".")) {
		return validationErr("%q is not a supported image (want one of %s)", names[0], strings.Join(ImageFormats, ", "))
	}
	for _, name := range names[1:] {
		if sequenceExt(name) != ext {
			return validationErr("all images must share one format (%q is not %s)", name, ext)
		}
	}
	return nil
}

// stageSequence places inputs, ordered by name, into dir as img_0000<ext>,
// img_0001<ext>, ... and returns the pattern that reads them back.
func stageSequence(dir string, inputs []Input) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	sorted := slices.Clone(inputs)
	slices.SortStableFunc(sorted, func(a, b Input) int { return cmp.Compare(a.Name, b.Name) })

	ext := sequenceExt(sorted[0].Name)
	for i, in := range sorted {
		dst := filepath.Join(dir, fmt.Sprintf("img_%04d%s", i, ext))
		if err := linkOrCopy(in.Path, dst); err != nil {
			return "", fmt.Errorf("stage %q: %w", in.Name, err)
		}
	}
	return filepath.Join(dir, "img_%04d"+ext), nil
}

// linkOrCopy hard-links src to dst, copying when the link fails (another
// filesystem, or links unsupported).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
