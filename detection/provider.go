package detection

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Result is the outcome of looking for the calibration pattern in a frame.
type Result struct {
	Found   bool
	Corners []r2.Point
}

// PatternProvider finds the inner corners of a chessboard pattern.
type PatternProvider interface {
	Initialize(patternSize image.Point) error
	Detect(frame gocv.Mat) (*Result, error)
	Close() error
	GetProviderInfo() ProviderInfo
}

// ProviderInfo describes a pattern provider.
type ProviderInfo struct {
	Type     string // "sector" or "classic"
	Method   string
	InitTime time.Duration
}

// Mode selects which provider the manager uses.
type Mode string

// Detection modes.
const (
	ModeAuto    Mode = "auto"
	ModeClassic Mode = "classic"
	ModeSector  Mode = "sector"
)

// ErrUnknownMode is returned for an unrecognised detection mode.
var ErrUnknownMode = errors.New("unknown detection mode")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeClassic, ModeSector:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// ProviderManager picks a provider and falls back to the classic detector when
// the preferred one cannot run.
type ProviderManager struct {
	currentProvider PatternProvider
	providerInfo    ProviderInfo
	logger          *zap.Logger
}

// NewProviderManager creates an uninitialised manager.
func NewProviderManager(logger *zap.Logger) *ProviderManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderManager{logger: logger.Named("detection")}
}

// Initialize sets up the provider for mode.
func (pm *ProviderManager) Initialize(patternSize image.Point, mode Mode) error {
	switch mode {
	case ModeClassic:
		return pm.use(&ChessboardProvider{}, patternSize)
	case ModeSector:
		return pm.use(&SectorProvider{}, patternSize)
	case ModeAuto:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	sector := &SectorProvider{}
	err := pm.use(sector, patternSize)
	if err == nil {
		if testProvider(sector) {
			return nil
		}
		pm.logger.Info("sector detector failed its probe, falling back to classic")
		sector.Close()
	} else {
		pm.logger.Info("sector detector unavailable, falling back to classic", zap.Error(err))
	}
	return pm.use(&ChessboardProvider{}, patternSize)
}

func (pm *ProviderManager) use(p PatternProvider, patternSize image.Point) error {
	start := time.Now()
	if err := p.Initialize(patternSize); err != nil {
		return err
	}
	pm.currentProvider = p
	pm.providerInfo = p.GetProviderInfo()
	pm.providerInfo.InitTime = time.Since(start)
	pm.logger.Info("pattern provider ready",
		zap.String("type", pm.providerInfo.Type),
		zap.String("method", pm.providerInfo.Method),
		zap.Int("cols", patternSize.X),
		zap.Int("rows", patternSize.Y))
	return nil
}

// GetProviderInfo returns information about the active provider.
func (pm *ProviderManager) GetProviderInfo() ProviderInfo {
	return pm.providerInfo
}

// Detect runs the active provider.
func (pm *ProviderManager) Detect(frame gocv.Mat) (*Result, error) {
	if pm.currentProvider == nil {
		return nil, errors.New("pattern provider not initialized")
	}
	return pm.currentProvider.Detect(frame)
}

// Close closes the active provider.
func (pm *ProviderManager) Close() error {
	if pm.currentProvider != nil {
		return pm.currentProvider.Close()
	}
	return nil
}

// validatePatternSize rejects boards the OpenCV detectors cannot handle.
func validatePatternSize(patternSize image.Point) error {
	if patternSize.X < 2 || patternSize.Y < 2 {
		return fmt.Errorf("pattern must have at least 2x2 inner corners, got %dx%d", patternSize.X, patternSize.Y)
	}
	return nil
}

// testProvider runs the provider over a blank frame to make sure the backing
// OpenCV call works in this build.
func testProvider(provider PatternProvider) bool {
	testFrame := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer testFrame.Close()

	res, err := provider.Detect(testFrame)
	return err == nil && !res.Found
}

// cornersFromMat reads the N x 1 two-channel float corner matrix the OpenCV
// finders produce.
func cornersFromMat(m gocv.Mat) []r2.Point {
	corners := make([]r2.Point, 0, m.Rows())
	for i := 0; i < m.Rows(); i++ {
		v := m.GetVecfAt(i, 0)
		if len(v) < 2 {
			continue
		}
		corners = append(corners, r2.Point{X: float64(v[0]), Y: float64(v[1])})
	}
	return corners
}

// toGray converts a colour frame to grayscale; gray frames are cloned.
func toGray(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() == 1 {
		frame.CopyTo(&gray)
		return gray
	}
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	return gray
}
