package detection

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ChessboardProvider finds the pattern with cv::findChessboardCorners and
// refines the result to sub-pixel accuracy.
type ChessboardProvider struct {
	patternSize image.Point
	criteria    gocv.TermCriteria
	mu          sync.Mutex
}

// Initialize sets the expected inner corner grid.
func (cp *ChessboardProvider) Initialize(patternSize image.Point) error {
	if err := validatePatternSize(patternSize); err != nil {
		return err
	}
	cp.patternSize = patternSize
	cp.criteria = gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.001)
	return nil
}

// Detect looks for the pattern in frame.
func (cp *ChessboardProvider) Detect(frame gocv.Mat) (*Result, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	gray := toGray(frame)
	defer gray.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage | gocv.CalibCBFastCheck
	if !gocv.FindChessboardCorners(gray, cp.patternSize, &corners, flags) {
		return &Result{}, nil
	}

	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), cp.criteria)

	return &Result{
		Found:   true,
		Corners: cornersFromMat(corners),
	}, nil
}

// Close releases resources used by the provider.
func (cp *ChessboardProvider) Close() error {
	return nil
}

// GetProviderInfo returns information about the provider.
func (cp *ChessboardProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:   "classic",
		Method: "findChessboardCorners+cornerSubPix",
	}
}
