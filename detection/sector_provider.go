package detection

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// SectorProvider finds the pattern with the sector based
// cv::findChessboardCornersSB, which is more robust to blur and lighting and
// already returns sub-pixel corners.
type SectorProvider struct {
	patternSize image.Point
	mu          sync.Mutex
}

// Initialize sets the expected inner corner grid.
func (sp *SectorProvider) Initialize(patternSize image.Point) error {
	if err := validatePatternSize(patternSize); err != nil {
		return err
	}
	sp.patternSize = patternSize
	return nil
}

// Detect looks for the pattern in frame.
func (sp *SectorProvider) Detect(frame gocv.Mat) (*Result, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	gray := toGray(frame)
	defer gray.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	if !gocv.FindChessboardCornersSB(gray, sp.patternSize, &corners, gocv.CalibCBNormalizeImage|gocv.CalibCBExhaustive) {
		return &Result{}, nil
	}
	return &Result{
		Found:   true,
		Corners: cornersFromMat(corners),
	}, nil
}

// Close releases resources used by the provider.
func (sp *SectorProvider) Close() error {
	return nil
}

// GetProviderInfo returns information about the provider.
func (sp *SectorProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:   "sector",
		Method: "findChessboardCornersSB",
	}
}
