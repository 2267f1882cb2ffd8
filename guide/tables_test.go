package guide

import (
	"fmt"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// indexedCorners returns corners whose coordinates encode their index, so
// corner i sits at (i, 100+i).
func indexedCorners(n int) []r2.Point {
	corners := make([]r2.Point, n)
	for i := range corners {
		corners[i] = r2.Point{X: float64(i), Y: float64(100 + i)}
	}
	return corners
}

func TestAnchorFor(t *testing.T) {
	corners := indexedCorners(48)

	tests := []struct {
		step int
		want r2.Point
	}{
		{step: 0, want: r2.Point{X: 40, Y: 140}},
		{step: 1, want: r2.Point{X: 20, Y: 124}},
		{step: 2, want: r2.Point{X: 0, Y: 100}},
		{step: 3, want: r2.Point{X: 0, Y: 103.5}},
		{step: 4, want: r2.Point{X: 0, Y: 107}},
		{step: 5, want: r2.Point{X: 23, Y: 123}},
		{step: 6, want: r2.Point{X: 43, Y: 139}},
		{step: 7, want: r2.Point{X: 40, Y: 139.5}},
		{step: 8, want: r2.Point{X: 40, Y: 140}},
		{step: -1, want: r2.Point{X: 40, Y: 140}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("step %d", tt.step), func(t *testing.T) {
			got, err := AnchorFor(tt.step, corners)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnchorForShortCorners(t *testing.T) {
	_, err := AnchorFor(0, nil)
	require.ErrorIs(t, err, ErrShortCorners)

	// Step 2 only needs corner 0.
	got, err := AnchorFor(2, indexedCorners(1))
	require.NoError(t, err)
	assert.Equal(t, r2.Point{X: 0, Y: 100}, got)

	// Step 6 reads corner 43.
	_, err = AnchorFor(6, indexedCorners(43))
	require.ErrorIs(t, err, ErrShortCorners)
	_, err = AnchorFor(6, indexedCorners(44))
	require.NoError(t, err)
}

func TestGuidePointFor(t *testing.T) {
	const w, h = 640, 480
	want := []r2.Point{
		{X: 0, Y: 0},
		{X: 320, Y: 0},
		{X: 640, Y: 0},
		{X: 640, Y: 240},
		{X: 640, Y: 480},
		{X: 320, Y: 480},
		{X: 0, Y: 480},
		{X: 0, Y: 240},
	}
	for step, p := range want {
		assert.Equal(t, p, GuidePointFor(step, w, h), "step %d", step)
	}
	assert.Equal(t, r2.Point{}, GuidePointFor(MaxGuidePoints, w, h))
}

func TestGuidePointForOddSize(t *testing.T) {
	// Half sizes use integer division like the frame pixel grid.
	assert.Equal(t, r2.Point{X: 320, Y: 0}, GuidePointFor(1, 641, 479))
	assert.Equal(t, r2.Point{X: 641, Y: 239}, GuidePointFor(3, 641, 479))
}

func TestDensity(t *testing.T) {
	d := NewDensity(1280, 0, 0)
	assert.Equal(t, 160, d.Factor())
	assert.Equal(t, 15, d.DpToPixel(15))

	// A 1280px frame across a 1080px wide, 480 dpi screen (2.25in).
	d = NewDensity(1280, 1080, 480)
	assert.Equal(t, 569, d.Factor())
	assert.Equal(t, 53, d.DpToPixel(15))
	assert.Equal(t, 36, d.DpToPixel(10))
	assert.Equal(t, 213, d.DpToPixel(60))
	assert.Equal(t, 0, d.DpToPixel(0))
}

func TestCheckPattern(t *testing.T) {
	require.NoError(t, CheckPattern(8, 6))

	for _, grid := range [][2]int{{4, 3}, {9, 6}, {6, 8}, {8, 7}} {
		err := CheckPattern(grid[0], grid[1])
		assert.ErrorIs(t, err, ErrUnsupportedPattern, "%dx%d", grid[0], grid[1])
	}
}

func TestAnchorsResolveOnSupportedPattern(t *testing.T) {
	corners := indexedCorners(PatternCols * PatternRows)
	for step := 0; step < MaxGuidePoints; step++ {
		_, err := AnchorFor(step, corners)
		assert.NoError(t, err, "step %d", step)
	}
}
