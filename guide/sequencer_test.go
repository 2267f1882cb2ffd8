package guide

import (
	"errors"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testWidth  = 640
	testHeight = 480
)

type circle struct {
	center r2.Point
	radius int
	color  color.RGBA
}

type arrow struct {
	from, to r2.Point
	color    color.RGBA
}

type recordingCanvas struct {
	circles []circle
	arrows  []arrow
}

func (c *recordingCanvas) Circle(center r2.Point, radius int, col color.RGBA) {
	c.circles = append(c.circles, circle{center, radius, col})
}

func (c *recordingCanvas) Arrow(from, to r2.Point, col color.RGBA) {
	c.arrows = append(c.arrows, arrow{from, to, col})
}

type fakeCalibrator struct {
	similar      bool
	samples      int
	checks       int
	calibrations int
	calibrateErr error
}

func (f *fakeCalibrator) AddCorners()            { f.samples++ }
func (f *fakeCalibrator) CornersBufferSize() int { return f.samples }

func (f *fakeCalibrator) CheckLastFrame() bool {
	f.checks++
	return f.similar
}

func (f *fakeCalibrator) Calibrate() error {
	f.calibrations++
	return f.calibrateErr
}

type harness struct {
	t      *testing.T
	clock  *clock.Mock
	seq    *Sequencer
	ui     *Dispatcher
	canvas *recordingCanvas
	cal    *fakeCalibrator
	cfg    Config
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithQueue(t, cfg, 1024)
}

func newHarnessWithQueue(t *testing.T, cfg Config, queueSize int) *harness {
	t.Helper()
	mock := clock.NewMock()
	logger := zaptest.NewLogger(t)
	ui := NewDispatcher(queueSize, logger)
	seq, err := NewSequencer(testWidth, testHeight, cfg, ui, logger, WithClock(mock))
	require.NoError(t, err)
	return &harness{
		t:      t,
		clock:  mock,
		seq:    seq,
		ui:     ui,
		canvas: &recordingCanvas{},
		cal:    &fakeCalibrator{},
		cfg:    cfg,
	}
}

// cornersAt returns a full pattern with every corner at p, so every step's
// anchor resolves to p.
func cornersAt(p r2.Point) []r2.Point {
	corners := make([]r2.Point, 48)
	for i := range corners {
		corners[i] = p
	}
	return corners
}

// nearGuide places the pattern anchor dist pixels to the side of the current
// guide point, staying inside the frame.
func (h *harness) nearGuide(dist float64) []r2.Point {
	g := h.seq.GuidePoint()
	x := g.X + dist
	if x > testWidth {
		x = g.X - dist
	}
	return cornersAt(r2.Point{X: x, Y: g.Y})
}

func (h *harness) frame(found bool, corners []r2.Point) {
	h.t.Helper()
	require.NoError(h.t, h.seq.ProcessFrame(h.canvas, found, corners, h.cal))
}

// acceptSample holds the pattern in band for the hold duration, then lets the
// settle delay pass and feeds one more frame.
func (h *harness) acceptSample() {
	h.t.Helper()
	corners := h.nearGuide(30)
	h.frame(true, corners)
	h.clock.Add(h.cfg.HoldDuration)
	h.frame(true, corners)
	require.True(h.t, h.seq.Settling())
	h.clock.Add(h.cfg.SettleDelay)
	h.frame(false, nil)
	require.False(h.t, h.seq.Settling())
}

func (h *harness) commands() []Command {
	host := &recordingHost{}
	h.ui.Drain(host)
	return host.commands
}

func TestNewSequencerValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ValidDistanceMaxDp = cfg.ValidDistanceMinDp
	_, err := NewSequencer(testWidth, testHeight, cfg, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSequencer(0, testHeight, DefaultConfig(), nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	seq, err := NewSequencer(testWidth, testHeight, DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, seq.Step())
	assert.Equal(t, r2.Point{}, seq.GuidePoint())
	assert.Equal(t, DefaultConfig().PendingColor, seq.ArrowColor())
}

func TestConfigValidate(t *testing.T) {
	mutate := map[string]func(*Config){
		"circle radius":  func(c *Config) { c.CircleRadiusDp = 0 },
		"negative min":   func(c *Config) { c.ValidDistanceMinDp = -1 },
		"max below min":  func(c *Config) { c.ValidDistanceMaxDp = 5 },
		"hold":           func(c *Config) { c.HoldDuration = 0 },
		"settle":         func(c *Config) { c.SettleDelay = -time.Millisecond },
		"zero steps":     func(c *Config) { c.MaxSteps = 0 },
		"too many steps": func(c *Config) { c.MaxSteps = MaxGuidePoints + 1 },
		"screen":         func(c *Config) { c.ScreenDensityDPI = -160 },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			fn(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}

func TestProcessFrameDraws(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.frame(false, nil)
	require.Len(t, h.canvas.circles, 1)
	assert.Equal(t, circle{r2.Point{}, 15, h.cfg.CircleColor}, h.canvas.circles[0])
	assert.Empty(t, h.canvas.arrows)

	start := r2.Point{X: 200, Y: 150}
	h.frame(true, cornersAt(start))
	require.Len(t, h.canvas.arrows, 1)
	assert.Equal(t, arrow{start, r2.Point{}, h.cfg.PendingColor}, h.canvas.arrows[0])
}

func TestShortCornersTreatedAsNotFound(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.frame(true, cornersAt(r2.Point{X: 30})[:40])
	assert.Empty(t, h.canvas.arrows)
	assert.Equal(t, h.cfg.PendingColor, h.seq.ArrowColor())
	assert.Equal(t, 0, h.cal.checks)
}

func TestDistanceBandIsStrict(t *testing.T) {
	tests := []struct {
		name   string
		anchor r2.Point
		held   bool
	}{
		{"below min", r2.Point{X: 9}, false},
		{"at min", r2.Point{X: 10}, false},
		{"just above min", r2.Point{X: 10.5}, true},
		{"inside", r2.Point{X: 30, Y: 40}, true},
		{"just below max", r2.Point{X: 59.5}, true},
		{"at max", r2.Point{X: 36, Y: 48}, false},
		{"above max", r2.Point{X: 61}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.frame(true, cornersAt(tt.anchor))
			if tt.held {
				assert.Equal(t, h.cfg.HeldColor, h.seq.ArrowColor())
			} else {
				assert.Equal(t, h.cfg.PendingColor, h.seq.ArrowColor())
			}
		})
	}
}

func TestHoldBelowDurationDoesNotAccept(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	corners := h.nearGuide(30)

	h.frame(true, corners)
	h.clock.Add(2500 * time.Millisecond)
	h.frame(true, corners)
	h.clock.Add(2400 * time.Millisecond)
	h.frame(true, corners)

	assert.Equal(t, 0, h.cal.checks)
	assert.Equal(t, 0, h.cal.samples)
	assert.Equal(t, 0, h.seq.Step())
	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 50},
		{Kind: SetProgress, Progress: 98},
	}, h.commands())
}

func TestLeavingBandResetsHold(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	corners := h.nearGuide(30)

	h.frame(true, corners)
	h.clock.Add(4 * time.Second)
	h.frame(true, corners)
	h.frame(false, nil)
	h.clock.Add(2 * time.Second)
	h.frame(true, corners)

	h.clock.Add(time.Second)
	h.frame(true, h.nearGuide(200))
	h.clock.Add(4 * time.Second)
	h.frame(true, corners)

	assert.Equal(t, 0, h.cal.checks)
	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 80},
		{Kind: SetProgress, Progress: 0},
		{Kind: SetProgress, Progress: 40},
		{Kind: SetProgress, Progress: 0},
		{Kind: SetProgress, Progress: 80},
	}, h.commands())
}

func TestHoldAcceptsAndAdvancesAfterSettle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	corners := h.nearGuide(30)

	h.frame(true, corners)
	h.clock.Add(5 * time.Second)
	h.frame(true, corners)

	assert.Equal(t, 1, h.cal.checks)
	assert.Equal(t, 1, h.cal.samples)
	assert.Equal(t, 1, h.cal.calibrations)
	assert.True(t, h.seq.Settling())
	assert.Equal(t, 0, h.seq.Step(), "step changes only once the sample has settled")

	// Frames inside the settle delay still draw but do not evaluate the hold.
	h.clock.Add(499 * time.Millisecond)
	h.frame(true, corners)
	assert.Equal(t, 1, h.cal.checks)
	assert.Equal(t, 0, h.seq.Step())

	h.clock.Add(time.Millisecond)
	h.frame(false, nil)
	assert.False(t, h.seq.Settling())
	assert.Equal(t, 1, h.seq.Step())
	assert.Equal(t, r2.Point{X: 320, Y: 0}, h.seq.GuidePoint())
	assert.Equal(t, h.cfg.PendingColor, h.seq.ArrowColor())
	assert.Equal(t, r2.Point{X: 320, Y: 0}, h.canvas.circles[len(h.canvas.circles)-1].center)

	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 100},
		{Kind: SetCaptureVisible, Visible: true},
		{Kind: PictureAdded, Count: 1},
		{Kind: SetCaptureVisible, Visible: false},
		{Kind: SetProgress, Progress: 0},
	}, h.commands())
}

func TestZeroSettleDelayAdvancesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	h := newHarness(t, cfg)
	corners := h.nearGuide(30)

	h.frame(true, corners)
	h.clock.Add(cfg.HoldDuration)
	h.frame(true, corners)
	assert.False(t, h.seq.Settling())
	assert.Equal(t, 1, h.seq.Step())
}

func TestRejectedFrameKeepsStepAndHoldTimer(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.cal.similar = true
	corners := h.nearGuide(30)

	h.frame(true, corners)
	h.clock.Add(5 * time.Second)
	h.frame(true, corners)
	assert.Equal(t, 1, h.cal.checks)
	assert.Equal(t, 0, h.cal.samples)
	assert.Equal(t, 0, h.seq.Step())
	assert.False(t, h.seq.Settling())

	// The hold timer survives the rejection, so the next in-band frame is
	// evaluated again straight away.
	h.clock.Add(100 * time.Millisecond)
	h.frame(true, corners)
	assert.Equal(t, 2, h.cal.checks)

	h.cal.similar = false
	h.clock.Add(100 * time.Millisecond)
	h.frame(true, corners)
	assert.Equal(t, 1, h.cal.samples)
	assert.True(t, h.seq.Settling())

	assert.Equal(t, []CommandKind{
		SetProgress,       // 100
		SetCaptureVisible, // true
		FrameRejected,
		SetProgress,       // 102
		SetCaptureVisible, // true
		FrameRejected,
		SetProgress,       // 104
		SetCaptureVisible, // true
		PictureAdded,
	}, (&recordingHost{commands: h.commands()}).kinds())
}

func TestCalibrateErrorDoesNotStopGuide(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mock := clock.NewMock()
	cfg := DefaultConfig()
	seq, err := NewSequencer(testWidth, testHeight, cfg, nil, zap.New(core), WithClock(mock))
	require.NoError(t, err)

	cal := &fakeCalibrator{calibrateErr: errors.New("not enough views")}
	corners := cornersAt(r2.Point{X: 30})
	require.NoError(t, seq.ProcessFrame(&recordingCanvas{}, true, corners, cal))
	mock.Add(cfg.HoldDuration)
	require.NoError(t, seq.ProcessFrame(&recordingCanvas{}, true, corners, cal))
	assert.True(t, seq.Settling())
	assert.Equal(t, 1, logs.FilterMessage("calibration failed").Len())
}

func TestFullSessionNotifiesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	finished := 0
	h.seq.RegisterListener(ListenerFunc(func() { finished++ }))

	for i := 1; i <= MaxGuidePoints; i++ {
		h.acceptSample()
		assert.Equal(t, i%MaxGuidePoints, h.seq.Step())
		if i < MaxGuidePoints {
			assert.Equal(t, 0, finished)
		}
	}
	assert.Equal(t, 1, finished)
	assert.Equal(t, 0, h.seq.Step())
	assert.Equal(t, r2.Point{}, h.seq.GuidePoint())
	assert.Equal(t, MaxGuidePoints, h.cal.samples)
}

func TestShortSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	h := newHarness(t, cfg)
	finished := 0
	h.seq.RegisterListener(ListenerFunc(func() { finished++ }))

	for i := 0; i < 3; i++ {
		h.acceptSample()
	}
	assert.Equal(t, 1, finished)
	assert.Equal(t, 0, h.seq.Step())
}

func TestElapsedOverflowFailsLoudly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	corners := h.nearGuide(30)
	h.frame(true, corners)

	h.clock.Add(time.Duration(math.MaxInt32+1) * time.Millisecond)
	err := h.seq.ProcessFrame(h.canvas, true, corners, h.cal)
	require.ErrorIs(t, err, ErrElapsedOverflow)
	assert.Equal(t, 0, h.cal.checks)
}

func TestDensityScalesBand(t *testing.T) {
	cfg := DefaultConfig()
	// 640px frame across a 2in wide screen: 320 dpi, so 1dp is 2px.
	cfg.ScreenWidthPixels = 640
	cfg.ScreenDensityDPI = 320
	h := newHarness(t, cfg)

	h.frame(true, cornersAt(r2.Point{X: 15}))
	assert.Equal(t, cfg.PendingColor, h.seq.ArrowColor())
	h.frame(true, cornersAt(r2.Point{X: 110}))
	assert.Equal(t, cfg.HeldColor, h.seq.ArrowColor())
	assert.Equal(t, 30, h.canvas.circles[0].radius)
}

func TestDroppedDisplayUpdatesAreResent(t *testing.T) {
	h := newHarnessWithQueue(t, DefaultConfig(), 2)
	host := &recordingHost{}

	corners := h.nearGuide(30)
	h.frame(true, corners)
	h.clock.Add(h.cfg.HoldDuration)
	h.frame(true, corners)
	require.Equal(t, 1, h.cal.samples)

	h.clock.Add(h.cfg.SettleDelay)
	h.frame(false, nil)
	require.Equal(t, 1, h.seq.Step())
	h.ui.Drain(host)
	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 100},
		{Kind: SetCaptureVisible, Visible: true},
	}, host.commands)

	// Each frame retries what the full queue refused.
	h.frame(false, nil)
	h.ui.Drain(host)
	h.frame(false, nil)
	h.ui.Drain(host)
	h.frame(false, nil)
	h.ui.Drain(host)

	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 100},
		{Kind: SetCaptureVisible, Visible: true},
		{Kind: PictureAdded, Count: 1},
		{Kind: SetCaptureVisible, Visible: false},
		{Kind: SetProgress, Progress: 0},
	}, host.commands)
	assert.Equal(t, 1, h.seq.Step())
}

func TestDroppedRejectionIsRetried(t *testing.T) {
	h := newHarnessWithQueue(t, DefaultConfig(), 2)
	h.cal.similar = true
	host := &recordingHost{}

	corners := h.nearGuide(30)
	h.frame(true, corners)
	h.clock.Add(h.cfg.HoldDuration)
	h.frame(true, corners)
	h.ui.Drain(host)
	assert.Equal(t, []Command{
		{Kind: SetProgress, Progress: 100},
		{Kind: SetCaptureVisible, Visible: true},
	}, host.commands)

	h.frame(true, corners)
	h.ui.Drain(host)
	assert.Equal(t, FrameRejected, host.commands[len(host.commands)-1].Kind)
	assert.Equal(t, 0, h.seq.Step())
	assert.Equal(t, 0, h.cal.samples)
}
