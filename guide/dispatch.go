package guide

import (
	"go.uber.org/zap"
)

// CommandKind identifies a display update.
type CommandKind int

const (
	// SetProgress updates the hold progress indicator (0-100).
	SetProgress CommandKind = iota
	// SetCaptureVisible toggles the capture indicator. The progress indicator
	// is shown whenever the capture indicator is hidden.
	SetCaptureVisible
	// FrameRejected tells the user the held frame was too close to the last sample.
	FrameRejected
	// PictureAdded reports the number of samples collected so far.
	PictureAdded
)

func (k CommandKind) String() string {
	switch k {
	case SetProgress:
		return "set_progress"
	case SetCaptureVisible:
		return "set_capture_visible"
	case FrameRejected:
		return "frame_rejected"
	case PictureAdded:
		return "picture_added"
	default:
		return "unknown"
	}
}

// Command is a display update produced by the sequencer.
type Command struct {
	Kind     CommandKind
	Progress int
	Visible  bool
	Count    int
}

// Host is the UI side of the guide. Its methods are only ever called from the
// goroutine draining the Dispatcher.
type Host interface {
	SetProgress(percent int)
	SetCaptureVisible(visible bool)
	FrameRejected()
	PictureAdded(count int)
}

// Apply performs the command against h.
func (c Command) Apply(h Host) {
	switch c.Kind {
	case SetProgress:
		h.SetProgress(c.Progress)
	case SetCaptureVisible:
		h.SetCaptureVisible(c.Visible)
	case FrameRejected:
		h.FrameRejected()
	case PictureAdded:
		h.PictureAdded(c.Count)
	}
}

// DefaultQueueSize is the number of pending display updates the Dispatcher holds.
const DefaultQueueSize = 64

// Dispatcher carries display updates from the frame goroutine to the UI.
// Posting never blocks frame processing: when the UI falls behind, updates are
// dropped.
type Dispatcher struct {
	queue  chan Command
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher with room for size pending commands.
func NewDispatcher(size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  make(chan Command, size),
		logger: logger,
	}
}

// Post enqueues cmd, reporting whether it was accepted.
func (d *Dispatcher) Post(cmd Command) bool {
	select {
	case d.queue <- cmd:
		return true
	default:
		d.logger.Debug("display queue full, dropping update", zap.Stringer("kind", cmd.Kind))
		return false
	}
}

// Pending returns the number of queued commands.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Drain applies every queued command to h without waiting for more and
// returns how many were applied. It suits UI loops that poll between frames.
func (d *Dispatcher) Drain(h Host) int {
	n := 0
	for {
		select {
		case cmd := <-d.queue:
			cmd.Apply(h)
			n++
		default:
			return n
		}
	}
}
