// Package compose synthesizes the declarative filter-graph program that turns
// the final per-scene assets into one continuous video, and hands it to the
// external media compositor.
package compose

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/patrin/sceneforge/internal/models"
)

// ErrNoRenderableScenes is returned when every scene was skipped (no asset,
// or the asset file is missing at render time).
var ErrNoRenderableScenes = errors.New("no renderable scenes")

// Rand supplies transition and motion-effect choices. Production wiring
// passes math/rand; tests pin the sequence.
type Rand interface {
	Intn(n int) int
}

// InputKind tells the compositor how to feed one input to the engine.
type InputKind string

const (
	InputStill   InputKind = "still"   // looped single image
	InputClip    InputKind = "clip"    // motion clip
	InputColor   InputKind = "color"   // synthesized solid-color source
	InputAudio   InputKind = "audio"
	InputSilence InputKind = "silence" // synthesized silent track
)

// Input is one indexed media input of the program.
type Input struct {
	Path     string // file path, or a lavfi source spec for InputColor
	Kind     InputKind
	Duration float64 // seconds; meaningful for stills and color sources
}

// Program is the complete declarative composition: ordered inputs, the
// filter-graph text, the output stream labels, and the expected duration
// (passed to the engine for truncation safety).
type Program struct {
	Inputs         []Input
	FilterGraph    string
	VideoLabel     string
	AudioLabel     string
	OutputDuration float64
	Width          int
	Height         int
	FPS            int
}

// Options configure one composition run.
type Options struct {
	Width  int
	Height int
	FPS    int

	EnableTransitions        bool
	EnablePanZoom            bool
	EnableSubtitles          bool
	EnableBackgroundFill     bool
	EnableFrameInterpolation bool

	// TransitionOverlap is the cross-fade overlap in seconds. The trailing
	// solid-color pad for a final motion clip uses the same duration.
	TransitionOverlap float64

	SubtitlePath string // subtitle artifact to burn in (when enabled)
	FontDir      string // bundled font resources for the burn-in

	// NarrationPath is the primary narration track. Empty means a silent
	// track is synthesized, which preview renders use.
	NarrationPath string
	MusicPath     string // optional background music, mixed under narration

	Rand Rand

	// Stat is swappable for tests. Nil means os.Stat.
	Stat func(string) (os.FileInfo, error)
}

const (
	defaultTransitionOverlap = 0.2

	// Background music is attenuated and slightly delayed so narration
	// stays dominant.
	musicVolume  = 0.2
	musicDelayMs = 500
)

// transitionPalette is the fixed cross-fade family a boundary's transition is
// drawn from, uniformly at random.
var transitionPalette = []string{
	"fade",
	"dissolve",
	"fadeblack",
	"fadewhite",
	"smoothleft",
	"smoothright",
	"circleopen",
	"circleclose",
}

// clipExtensions marks media treated as motion clips; anything else is a still.
var clipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".mkv": true, ".m4v": true,
}

func isClipPath(path string) bool {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return false
	}
	return clipExtensions[strings.ToLower(path[dot:])]
}

// item is one renderable entry of the timeline: a scene's media, or the
// synthesized trailing pad.
type item struct {
	input    Input
	duration float64
	isStill  bool
	isColor  bool
}

// Build synthesizes the filter-graph program for the ordered scene list.
// Scenes whose asset is missing on disk are skipped rather than aborting the
// whole render.
func Build(scenes []models.Scene, opts Options) (*Program, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d@%d", opts.Width, opts.Height, opts.FPS)
	}
	if opts.TransitionOverlap <= 0 {
		opts.TransitionOverlap = defaultTransitionOverlap
	}
	stat := opts.Stat
	if stat == nil {
		stat = os.Stat
	}

	items := make([]item, 0, len(scenes)+1)
	for _, sc := range scenes {
		if sc.GeneratedAssetPath == nil || *sc.GeneratedAssetPath == "" {
			log.Printf("[Compose] scene %d has no asset, skipping", sc.Index)
			continue
		}
		path := *sc.GeneratedAssetPath
		if _, err := stat(path); err != nil {
			log.Printf("[Compose] scene %d asset missing (%s), skipping", sc.Index, path)
			continue
		}
		dur := sc.Duration()
		if dur <= 0 {
			log.Printf("[Compose] scene %d has non-positive duration, skipping", sc.Index)
			continue
		}

		clip := isClipPath(path)
		kind := InputStill
		if clip {
			kind = InputClip
		}
		items = append(items, item{
			input:    Input{Path: path, Kind: kind, Duration: dur},
			duration: dur,
			isStill:  !clip,
		})
	}

	if len(items) == 0 {
		return nil, ErrNoRenderableScenes
	}

	// Trailing-clip padding: when the last scene is a motion clip, append a
	// short solid-color filler so a transition or clean stop does not end
	// mid-clip. Its duration matches the transition overlap.
	if !items[len(items)-1].isStill {
		pad := opts.TransitionOverlap
		items = append(items, item{
			input: Input{
				Path:     fmt.Sprintf("color=c=black:s=%dx%d:r=%d", opts.Width, opts.Height, opts.FPS),
				Kind:     InputColor,
				Duration: pad,
			},
			duration: pad,
			isColor:  true,
		})
	}

	var g strings.Builder
	inputs := make([]Input, 0, len(items)+2)

	// Per-scene processing chains, each trimmed to an exact frame count and
	// re-timestamped so concatenation is frame-exact.
	for i, it := range items {
		inputs = append(inputs, it.input)
		frames := frameCount(it.duration, opts.FPS)

		var chain string
		switch {
		case it.isColor:
			chain = fmt.Sprintf("fps=%d,format=yuv420p", opts.FPS)
		case it.isStill && opts.EnablePanZoom:
			chain = buildPanZoom(pickEffect(opts.Rand), frames, opts.Width, opts.Height, opts.FPS)
		default:
			chain = buildFitChain(opts, i)
		}

		if opts.EnableFrameInterpolation && !it.isColor {
			chain += fmt.Sprintf(",minterpolate=fps=%d:mi_mode=mci", opts.FPS)
		}

		chain += fmt.Sprintf(",trim=end_frame=%d,setpts=PTS-STARTPTS", frames)
		fmt.Fprintf(&g, "[%d:v]%s[v%d];", i, chain, i)
	}

	// Transition assembly.
	videoLabel, total := assembleTimeline(&g, items, opts)

	// Subtitle burn-in as the final video stage.
	if opts.EnableSubtitles && opts.SubtitlePath != "" {
		sub := fmt.Sprintf("[%s]subtitles='%s'", videoLabel, escapeFilterPath(opts.SubtitlePath))
		if opts.FontDir != "" {
			sub += fmt.Sprintf(":fontsdir='%s'", escapeFilterPath(opts.FontDir))
		}
		sub += "[vout];"
		g.WriteString(sub)
		videoLabel = "vout"
	}

	// Audio: narration always present (synthesized silence when no track was
	// given); music attenuated, delayed, and mixed under it with the
	// narration governing the duration.
	narrIdx := len(inputs)
	if opts.NarrationPath != "" {
		inputs = append(inputs, Input{Path: opts.NarrationPath, Kind: InputAudio})
	} else {
		inputs = append(inputs, Input{
			Path:     "anullsrc=r=44100:cl=stereo",
			Kind:     InputSilence,
			Duration: total,
		})
	}

	audioLabel := "aout"
	if opts.MusicPath != "" {
		musicIdx := len(inputs)
		inputs = append(inputs, Input{Path: opts.MusicPath, Kind: InputAudio})
		fmt.Fprintf(&g,
			"[%d:a]volume=%.2f,adelay=%d|%d[mus];[%d:a][mus]amix=inputs=2:duration=first:dropout_transition=3[%s]",
			musicIdx, musicVolume, musicDelayMs, musicDelayMs, narrIdx, audioLabel)
	} else {
		fmt.Fprintf(&g, "[%d:a]anull[%s]", narrIdx, audioLabel)
	}

	return &Program{
		Inputs:         inputs,
		FilterGraph:    g.String(),
		VideoLabel:     videoLabel,
		AudioLabel:     audioLabel,
		OutputDuration: total,
		Width:          opts.Width,
		Height:         opts.Height,
		FPS:            opts.FPS,
	}, nil
}

// assembleTimeline chains the per-item streams with randomized cross-fades,
// or plain concatenation when transitions are disabled or only one item
// remains. Returns the final video label and the timeline duration.
func assembleTimeline(g *strings.Builder, items []item, opts Options) (string, float64) {
	if len(items) == 1 {
		total := items[0].duration
		fmt.Fprintf(g, "[v0]null[vmain];")
		return "vmain", total
	}

	if !opts.EnableTransitions {
		total := 0.0
		for i, it := range items {
			fmt.Fprintf(g, "[v%d]", i)
			total += it.duration
		}
		fmt.Fprintf(g, "concat=n=%d:v=1:a=0[vmain];", len(items))
		return "vmain", total
	}

	// Pairwise xfade chain. Each boundary consumes one overlap's worth of
	// timeline, so the chained duration is sum(d) - (n-1)*overlap.
	overlap := opts.TransitionOverlap
	prev := "v0"
	chained := items[0].duration
	for i := 1; i < len(items); i++ {
		kind := transitionPalette[0]
		if opts.Rand != nil {
			kind = transitionPalette[opts.Rand.Intn(len(transitionPalette))]
		}

		out := fmt.Sprintf("x%d", i)
		if i == len(items)-1 {
			out = "vmain"
		}
		offset := chained - overlap
		fmt.Fprintf(g, "[%s][v%d]xfade=transition=%s:duration=%.3f:offset=%.3f[%s];",
			prev, i, kind, overlap, offset, out)

		chained += items[i].duration - overlap
		prev = out
	}
	return prev, chained
}

// frameCount is the exact frame budget of a timeline entry.
func frameCount(duration float64, fps int) int {
	n := int(math.Round(duration * float64(fps)))
	if n < 1 {
		n = 1
	}
	return n
}

// buildFitChain letterboxes/pillarboxes media into the target frame,
// optionally over a heavily blurred, enlarged copy of itself so no bare
// border remains. Link labels carry the input index so every chain in the
// shared graph stays unique.
func buildFitChain(opts Options, idx int) string {
	w, h := opts.Width, opts.Height

	fpsStage := fmt.Sprintf("fps=%d", opts.FPS)

	if opts.EnableBackgroundFill {
		return fmt.Sprintf(
			"split[bg%[1]d][fg%[1]d];"+
				"[bg%[1]d]scale=%[2]d:%[3]d:force_original_aspect_ratio=increase,crop=%[2]d:%[3]d,gblur=sigma=28[bgf%[1]d];"+
				"[fg%[1]d]scale=%[2]d:%[3]d:force_original_aspect_ratio=decrease[fgf%[1]d];"+
				"[bgf%[1]d][fgf%[1]d]overlay=(W-w)/2:(H-h)/2,%[4]s,format=yuv420p",
			idx, w, h, fpsStage)
	}

	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,%s,format=yuv420p",
		w, h, w, h, fpsStage)
}

// escapeFilterPath escapes characters the filter-graph syntax treats
// specially in file paths.
func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}
