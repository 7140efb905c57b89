package jobs

import (
	"errors"
	"os"
	"slices"
	"strings"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/storage"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// framePrefix names exploded frames: frame-00001.png, frame-00002.png, ...
const framePrefix = "frame-"

func planGIFExplode(p Params) (*plan, *Error) {
	r := newReader(p)
	format := r.oneOf("format", "png", FrameFormats)
	alpha := r.bool("preserve_alpha", false)
	if r.err != nil {
		return nil, r.err
	}

	extra := []string{"-vsync", "0", "-f", "image2"}
	if alpha && format == "png" {
		extra = append(extra, "-pix_fmt", "rgba")
	}
	return &plan{
		op:     OpGIFExplode,
		ext:    "zip",
		params: map[string]any{"format": format, "preserve_alpha": alpha},
		build: func(ws workspace.Workspace, inputs []string) []encoder.Step {
			step := encoder.FilterStep(string(OpGIFExplode), inputs[0], ws.Path(framePrefix+"%05d."+format), "", extra...)
			// The executor checks the first frame; later ones follow it.
			step.Output = ws.Path(framePrefix + "00001." + format)
			return []encoder.Step{step}
		},
		finish: func(ws workspace.Workspace, _ string) (string, map[string]any, error) {
			return zipFrames(ws, format)
		},
	}, nil
}

// zipFrames packs every exploded frame into frames.zip inside ws.
func zipFrames(ws workspace.Workspace, format string) (string, map[string]any, error) {
	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return "", nil, err
	}
	var frames []string
	for _, e := range entries {
		if name := e.Name(); e.Type().IsRegular() && strings.HasPrefix(name, framePrefix) && strings.HasSuffix(name, "."+format) {
			frames = append(frames, ws.Path(name))
		}
	}
	if len(frames) == 0 {
		return "", nil, errors.New("no frames were written")
	}
	slices.Sort(frames)

	archive := ws.Path("frames.zip")
	if err := storage.ZipFiles(archive, frames); err != nil {
		return "", nil, err
	}
	return archive, map[string]any{"frames": len(frames)}, nil
}
