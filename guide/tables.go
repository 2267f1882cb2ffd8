package guide

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
)

// ErrShortCorners is returned when the detected corner set does not contain the
// indices a step reads its anchor from.
var ErrShortCorners = errors.New("not enough pattern corners")

// ErrUnsupportedPattern is returned for a pattern grid the anchor table was not
// laid out for.
var ErrUnsupportedPattern = errors.New("unsupported pattern grid")

// PatternCols and PatternRows are the inner corner grid the anchor indices
// address: corner 7 ends the top row and corner 40 starts the bottom row.
const (
	PatternCols = 8
	PatternRows = 6
)

// startCorner is the corner the arrow starts from before the first sample.
const startCorner = 40

// CheckPattern reports whether a cols x rows inner corner grid can be guided.
// Other grids either lack the anchor corners or put them on the wrong features.
func CheckPattern(cols, rows int) error {
	if cols != PatternCols || rows != PatternRows {
		return fmt.Errorf("%w: %dx%d inner corners, the guide needs %dx%d",
			ErrUnsupportedPattern, cols, rows, PatternCols, PatternRows)
	}
	return nil
}

// anchorCorners lists the corner indices each step reads, so the whole set can
// be bounds checked before any lookup.
var anchorCorners = [MaxGuidePoints][]int{
	0: {40},
	1: {24, 16},
	2: {0},
	3: {0, 7},
	4: {0, 7},
	5: {23},
	6: {43, 39},
	7: {40, 39},
}

// AnchorFor returns the point on the detected pattern the arrow starts from for
// the given step. Each entry tracks the pattern feature that should end up next
// to that step's guide point.
func AnchorFor(step int, corners []r2.Point) (r2.Point, error) {
	idx := anchorCorners[0]
	if step > 0 && step < MaxGuidePoints {
		idx = anchorCorners[step]
	}
	for _, i := range idx {
		if i >= len(corners) {
			return r2.Point{}, fmt.Errorf("%w: step %d needs corner %d, have %d", ErrShortCorners, step, i, len(corners))
		}
	}

	switch step {
	case 1:
		p1, p2 := corners[24], corners[16]
		return r2.Point{X: (p2.X-p1.X)/2 + p1.X, Y: p1.Y}, nil
	case 2:
		return corners[0], nil
	case 3:
		return r2.Point{X: corners[0].X, Y: corners[0].Y + (corners[7].Y-corners[0].Y)/2}, nil
	case 4:
		return r2.Point{X: corners[0].X, Y: corners[7].Y}, nil
	case 5:
		return corners[23], nil
	case 6:
		return r2.Point{X: corners[43].X, Y: corners[39].Y}, nil
	case 7:
		return r2.Point{X: corners[40].X, Y: corners[40].Y + (corners[39].Y-corners[40].Y)/2}, nil
	default:
		return corners[startCorner], nil
	}
}

// GuidePointFor returns the on-screen target for a step. The points walk a ring
// around the frame clockwise from the top centre; step 0 and anything outside
// the ring target the top-left origin.
func GuidePointFor(step, width, height int) r2.Point {
	w, h := float64(width), float64(height)
	switch step {
	case 1:
		return r2.Point{X: float64(width / 2), Y: 0}
	case 2:
		return r2.Point{X: w, Y: 0}
	case 3:
		return r2.Point{X: w, Y: float64(height / 2)}
	case 4:
		return r2.Point{X: w, Y: h}
	case 5:
		return r2.Point{X: float64(width / 2), Y: h}
	case 6:
		return r2.Point{X: 0, Y: h}
	case 7:
		return r2.Point{X: 0, Y: float64(height / 2)}
	default:
		return r2.Point{}
	}
}
