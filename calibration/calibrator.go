// Package calibration collects the corner sets accepted by the guide and
// solves for the camera intrinsics.
package calibration

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidPattern is returned for a pattern with no corners.
var ErrInvalidPattern = errors.New("invalid calibration pattern")

// Pattern describes the printed chessboard by its inner corner grid.
type Pattern struct {
	Cols       int
	Rows       int
	SquareSize float64
}

// Size returns the number of inner corners.
func (p Pattern) Size() int {
	return p.Cols * p.Rows
}

// Validate checks that the pattern can be detected and solved for.
func (p Pattern) Validate() error {
	if p.Cols < 2 || p.Rows < 2 {
		return fmt.Errorf("%w: %dx%d corners", ErrInvalidPattern, p.Cols, p.Rows)
	}
	if p.SquareSize <= 0 {
		return fmt.Errorf("%w: square size %v", ErrInvalidPattern, p.SquareSize)
	}
	return nil
}

// ObjectPoints returns the corner positions on the board plane in row-major
// order, matching the order the detectors report image corners in.
func (p Pattern) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, p.Size())
	for y := 0; y < p.Rows; y++ {
		for x := 0; x < p.Cols; x++ {
			pts = append(pts, r3.Vector{X: float64(x) * p.SquareSize, Y: float64(y) * p.SquareSize})
		}
	}
	return pts
}

// Result holds the outcome of a solve.
type Result struct {
	CameraMatrix *mat.Dense
	Distortion   []float64
	RMS          float64
	Samples      int
}

// Solver estimates camera intrinsics from matching object and image points,
// one slice per view.
type Solver interface {
	Solve(object [][]r3.Vector, points [][]r2.Point, imageSize image.Point) (*Result, error)
}

// Options tune when samples are accepted and solved.
type Options struct {
	// MinShift is the mean corner displacement in pixels below which a frame is
	// considered a repeat of the last sample.
	MinShift float64
	// MinSamples is the number of samples needed before solving.
	MinSamples int
}

// DefaultOptions returns the options the guide is tuned for.
func DefaultOptions() Options {
	return Options{
		MinShift:   20,
		MinSamples: 3,
	}
}

// Calibrator buffers accepted corner sets. It is safe for concurrent use.
type Calibrator struct {
	pattern   Pattern
	imageSize image.Point
	solver    Solver
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	current []r2.Point
	buffer  [][]r2.Point
	result  *Result
}

// NewCalibrator creates a calibrator for frames of imageSize.
func NewCalibrator(pattern Pattern, imageSize image.Point, solver Solver, opts Options, logger *zap.Logger) (*Calibrator, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	if solver == nil {
		return nil, errors.New("calibration solver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calibrator{
		pattern:   pattern,
		imageSize: imageSize,
		solver:    solver,
		opts:      opts,
		logger:    logger.Named("calibration"),
	}, nil
}

// SetCorners records the corners detected in the current frame. nil clears
// them. Sets that do not cover the whole pattern are ignored.
func (c *Calibrator) SetCorners(corners []r2.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(corners) != c.pattern.Size() {
		c.current = nil
		return
	}
	c.current = append(c.current[:0], corners...)
}

// AddCorners stores the current corners as a sample.
func (c *Calibrator) AddCorners() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		c.logger.Warn("no corners to add")
		return
	}
	sample := make([]r2.Point, len(c.current))
	copy(sample, c.current)
	c.buffer = append(c.buffer, sample)
	c.logger.Debug("corners added", zap.Int("samples", len(c.buffer)))
}

// CheckLastFrame reports whether the current frame should be rejected: either
// there are no usable corners, or they have barely moved since the last sample.
func (c *Calibrator) CheckLastFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return true
	}
	if len(c.buffer) == 0 {
		return false
	}
	shift := meanShift(c.buffer[len(c.buffer)-1], c.current)
	c.logger.Debug("shift from last sample", zap.Float64("pixels", shift))
	return shift < c.opts.MinShift
}

// CornersBufferSize returns the number of stored samples.
func (c *Calibrator) CornersBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Calibrate solves over all stored samples once enough have been collected.
func (c *Calibrator) Calibrate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buffer) < c.opts.MinSamples {
		c.logger.Debug("not enough samples to calibrate",
			zap.Int("samples", len(c.buffer)), zap.Int("needed", c.opts.MinSamples))
		return nil
	}

	object := make([][]r3.Vector, len(c.buffer))
	board := c.pattern.ObjectPoints()
	for i := range object {
		object[i] = board
	}

	res, err := c.solver.Solve(object, c.buffer, c.imageSize)
	if err != nil {
		return fmt.Errorf("solving %d samples: %w", len(c.buffer), err)
	}
	res.Samples = len(c.buffer)
	c.result = res
	c.logger.Info("calibrated", zap.Int("samples", res.Samples), zap.Float64("rms", res.RMS))
	return nil
}

// Result returns the latest solve, if any.
func (c *Calibrator) Result() (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.result != nil
}

// Reset drops all samples and the last result.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.buffer = nil
	c.result = nil
}

func meanShift(a, b []r2.Point) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i].Sub(b[i]).Norm()
	}
	return sum / float64(n)
}
