package guide

import "math"

// baselineDPI is the density at which one dp equals one pixel.
const baselineDPI = 160

// Density converts device-independent units to frame pixels.
type Density struct {
	factor int
}

// NewDensity derives the pixel density of the video frame as it is shown on
// screen: a frame frameWidth pixels wide stretched across a display that is
// screenWidth/dpi inches wide. Without screen metrics the baseline is used.
func NewDensity(frameWidth, screenWidth, dpi int) Density {
	if screenWidth <= 0 || dpi <= 0 {
		return Density{factor: baselineDPI}
	}
	widthInInch := float64(screenWidth) / float64(dpi)
	return Density{factor: int(math.Round(float64(frameWidth) / widthInInch))}
}

// Factor returns the computed density in dots per inch.
func (d Density) Factor() int {
	return d.factor
}

// DpToPixel scales dp to pixels, rounding to the nearest pixel.
func (d Density) DpToPixel(dp int) int {
	return int(math.Round(float64(dp) * float64(d.factor) / baselineDPI))
}
