package compose

import "fmt"

// panZoomEffect names one slow pan/zoom trajectory for still images.
type panZoomEffect int

const (
	effectZoomIn panZoomEffect = iota
	effectZoomOut
	effectPanLeft
	effectPanRight
	effectPanUp
	effectPanDown
	effectZoomInPanLeft
	effectZoomInPanRight
	numPanZoomEffects
)

// pickEffect draws an effect uniformly at random; a nil source pins the
// first trajectory, which keeps previews deterministic.
func pickEffect(r Rand) panZoomEffect {
	if r == nil {
		return effectZoomIn
	}
	return panZoomEffect(r.Intn(int(numPanZoomEffects)))
}

// Zoom limits. Kept gentle so the crop window never reveals the image
// border even on extreme aspect ratios.
const (
	zoomStart = 1.0
	zoomEnd   = 1.18
)

// buildPanZoom emits a zoompan stage animating the crop window over the
// still. The source is first scaled so its shorter dimension covers the
// target frame (the engine derives the per-image geometry from iw/ih at run
// time), then the window origin and zoom factor are interpolated linearly
// across the frame budget.
func buildPanZoom(effect panZoomEffect, frames, width, height, fps int) string {
	// Progress expression: 0 at the first frame, 1 at the last.
	progress := fmt.Sprintf("(on/%d)", max(frames-1, 1))

	var zoom, x, y string
	centerX := "(iw-iw/zoom)/2"
	centerY := "(ih-ih/zoom)/2"

	switch effect {
	case effectZoomIn:
		zoom = lerp(zoomStart, zoomEnd, progress)
		x, y = centerX, centerY
	case effectZoomOut:
		zoom = lerp(zoomEnd, zoomStart, progress)
		x, y = centerX, centerY
	case effectPanLeft:
		zoom = fmt.Sprintf("%.2f", zoomEnd)
		x = fmt.Sprintf("(iw-iw/zoom)*(1-%s)", progress)
		y = centerY
	case effectPanRight:
		zoom = fmt.Sprintf("%.2f", zoomEnd)
		x = fmt.Sprintf("(iw-iw/zoom)*%s", progress)
		y = centerY
	case effectPanUp:
		zoom = fmt.Sprintf("%.2f", zoomEnd)
		x = centerX
		y = fmt.Sprintf("(ih-ih/zoom)*(1-%s)", progress)
	case effectPanDown:
		zoom = fmt.Sprintf("%.2f", zoomEnd)
		x = centerX
		y = fmt.Sprintf("(ih-ih/zoom)*%s", progress)
	case effectZoomInPanLeft:
		zoom = lerp(zoomStart, zoomEnd, progress)
		x = fmt.Sprintf("(iw-iw/zoom)*(1-%s)", progress)
		y = centerY
	case effectZoomInPanRight:
		zoom = lerp(zoomStart, zoomEnd, progress)
		x = fmt.Sprintf("(iw-iw/zoom)*%s", progress)
		y = centerY
	default:
		zoom = lerp(zoomStart, zoomEnd, progress)
		x, y = centerX, centerY
	}

	// Cover-scale before zoompan so the crop window always has pixels to
	// move over, then clamp the origin inside the image.
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,"+
			"zoompan=z='%s':x='min(max(%s,0),iw-iw/zoom)':y='min(max(%s,0),ih-ih/zoom)':d=%d:s=%dx%d:fps=%d,format=yuv420p",
		width*2, height*2, zoom, x, y, frames, width, height, fps)
}

// lerp renders a linear interpolation expression from a to b over progress.
func lerp(a, b float64, progress string) string {
	return fmt.Sprintf("%.2f+(%.2f-%.2f)*%s", a, b, a, progress)
}
