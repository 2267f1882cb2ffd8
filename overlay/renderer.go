package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"calibguide/guide"
)

// RejectNoticeDuration is how long the rejected frame notice stays up.
const RejectNoticeDuration = 3 * time.Second

// Renderer draws the guide and its HUD onto video frames. The HUD state is
// updated through the guide.Host methods by whichever goroutine drains the
// guide's command queue.
type Renderer struct {
	clock  clock.Clock
	logger *zap.Logger

	progressColor color.RGBA
	captureColor  color.RGBA
	rejectColor   color.RGBA
	textColor     color.RGBA
	panelColor    color.RGBA

	mu             sync.Mutex
	progress       int
	captureVisible bool
	samples        int
	targetSamples  int
	rejectedUntil  time.Time
}

// NewRenderer creates a renderer for a session of targetSamples samples.
func NewRenderer(targetSamples int, clk clock.Clock, logger *zap.Logger) *Renderer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		clock:         clk,
		logger:        logger.Named("overlay"),
		progressColor: color.RGBA{R: 255, G: 206, B: 2, A: 255},
		captureColor:  color.RGBA{R: 46, G: 204, B: 64, A: 255},
		rejectColor:   color.RGBA{R: 255, G: 65, B: 54, A: 255},
		textColor:     color.RGBA{R: 255, G: 255, B: 255, A: 255},
		panelColor:    color.RGBA{R: 0, G: 0, B: 0, A: 255},
		targetSamples: targetSamples,
	}
}

// Canvas returns a guide.Canvas drawing onto img.
func (r *Renderer) Canvas(img *gocv.Mat) guide.Canvas {
	return matCanvas{img: img}
}

type matCanvas struct {
	img *gocv.Mat
}

func (c matCanvas) Circle(center r2.Point, radius int, col color.RGBA) {
	gocv.Circle(c.img, toPixel(center), radius, col, -1)
}

func (c matCanvas) Arrow(from, to r2.Point, col color.RGBA) {
	gocv.ArrowedLine(c.img, toPixel(from), toPixel(to), col, 2)
}

func toPixel(p r2.Point) image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

// SetProgress implements guide.Host.
func (r *Renderer) SetProgress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = percent
}

// SetCaptureVisible implements guide.Host.
func (r *Renderer) SetCaptureVisible(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captureVisible = visible
}

// FrameRejected implements guide.Host.
func (r *Renderer) FrameRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captureVisible = false
	r.rejectedUntil = r.clock.Now().Add(RejectNoticeDuration)
	r.logger.Debug("showing frame rejected notice")
}

// PictureAdded implements guide.Host.
func (r *Renderer) PictureAdded(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = count
}

// DrawHUD draws the progress bar, sample counter, capture indicator and any
// rejection notice along the bottom of img.
func (r *Renderer) DrawHUD(img *gocv.Mat) {
	r.mu.Lock()
	progress := r.progress
	captureVisible := r.captureVisible
	samples := r.samples
	rejected := r.clock.Now().Before(r.rejectedUntil)
	r.mu.Unlock()

	w, h := img.Cols(), img.Rows()
	if w == 0 || h == 0 {
		return
	}

	// Panel behind the HUD text
	panel := image.Rect(0, h-40, w, h)
	gocv.Rectangle(img, panel, r.panelColor, -1)

	counter := fmt.Sprintf("samples %d/%d", samples, r.targetSamples)
	gocv.PutText(img, counter, image.Pt(10, h-14), gocv.FontHersheySimplex, 0.5, r.textColor, 1)

	if captureVisible {
		center := image.Pt(w-24, h-20)
		gocv.Circle(img, center, 12, r.captureColor, -1)
		gocv.Circle(img, center, 5, r.panelColor, -1)
		gocv.PutText(img, "capturing", image.Pt(w-120, h-14), gocv.FontHersheySimplex, 0.5, r.captureColor, 1)
	} else {
		// Progress bar, hidden while the capture indicator is up
		if progress < 0 {
			progress = 0
		} else if progress > 100 {
			progress = 100
		}
		bar := image.Rect(150, h-28, w-10, h-12)
		gocv.Rectangle(img, bar, r.textColor, 1)
		if fill := bar.Dx() * progress / 100; fill > 0 {
			gocv.Rectangle(img, image.Rect(bar.Min.X, bar.Min.Y, bar.Min.X+fill, bar.Max.Y), r.progressColor, -1)
		}
	}

	if rejected {
		msg := "frame rejected: move to a new position"
		size := gocv.GetTextSize(msg, gocv.FontHersheySimplex, 0.7, 2)
		pos := image.Pt((w-size.X)/2, h/2)
		gocv.Rectangle(img, image.Rect(pos.X-8, pos.Y-size.Y-8, pos.X+size.X+8, pos.Y+8), r.panelColor, -1)
		gocv.PutText(img, msg, pos, gocv.FontHersheySimplex, 0.7, r.rejectColor, 2)
	}
}
