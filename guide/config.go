package guide

import (
	"errors"
	"fmt"
	"image/color"
	"time"
)

// ErrInvalidConfig is returned when a Config cannot drive a guide session.
var ErrInvalidConfig = errors.New("invalid guide config")

// MaxGuidePoints is the number of positions in the guide ring.
const MaxGuidePoints = 8

// Config holds the guide thresholds and colours. Distances are in
// device-independent units and are scaled to pixels by the sequencer.
type Config struct {
	CircleRadiusDp     int
	ValidDistanceMinDp int
	ValidDistanceMaxDp int
	HoldDuration       time.Duration
	SettleDelay        time.Duration
	MaxSteps           int

	PendingColor color.RGBA
	HeldColor    color.RGBA
	CircleColor  color.RGBA

	// Screen metrics used for density scaling. Zero values mean the frame is
	// shown 1:1 on a 160 dpi display.
	ScreenWidthPixels int
	ScreenDensityDPI  int
}

// DefaultConfig returns the thresholds the guide was tuned with.
func DefaultConfig() Config {
	return Config{
		CircleRadiusDp:     15,
		ValidDistanceMinDp: 10,
		ValidDistanceMaxDp: 60,
		HoldDuration:       5 * time.Second,
		SettleDelay:        500 * time.Millisecond,
		MaxSteps:           MaxGuidePoints,
		PendingColor:       color.RGBA{R: 255, G: 206, B: 2, A: 255},
		HeldColor:          color.RGBA{R: 46, G: 204, B: 64, A: 255},
		CircleColor:        color.RGBA{R: 255, G: 206, B: 2, A: 255},
	}
}

// Validate checks the config for values the sequencer cannot work with.
func (c Config) Validate() error {
	switch {
	case c.CircleRadiusDp <= 0:
		return fmt.Errorf("%w: circle radius must be positive, got %d", ErrInvalidConfig, c.CircleRadiusDp)
	case c.ValidDistanceMinDp < 0:
		return fmt.Errorf("%w: minimum distance must not be negative, got %d", ErrInvalidConfig, c.ValidDistanceMinDp)
	case c.ValidDistanceMaxDp <= c.ValidDistanceMinDp:
		return fmt.Errorf("%w: maximum distance %d must exceed minimum %d",
			ErrInvalidConfig, c.ValidDistanceMaxDp, c.ValidDistanceMinDp)
	case c.HoldDuration <= 0:
		return fmt.Errorf("%w: hold duration must be positive, got %v", ErrInvalidConfig, c.HoldDuration)
	case c.SettleDelay < 0:
		return fmt.Errorf("%w: settle delay must not be negative, got %v", ErrInvalidConfig, c.SettleDelay)
	case c.MaxSteps < 1 || c.MaxSteps > MaxGuidePoints:
		return fmt.Errorf("%w: max steps must be in [1, %d], got %d", ErrInvalidConfig, MaxGuidePoints, c.MaxSteps)
	case c.ScreenWidthPixels < 0 || c.ScreenDensityDPI < 0:
		return fmt.Errorf("%w: screen metrics must not be negative", ErrInvalidConfig)
	}
	return nil
}
