// Package dedup implements the detection deduplicator (§4.H): it
// suppresses repeat sightings of the same physical fruit across
// consecutive frames, using a bounded ring buffer of recently accepted
// detections matched by IoU or center-distance, with a hard cap on how
// many detections one frame may contribute.
package dedup

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/timeutil"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	CenterXPx, CenterYPx float64
	WPx, HPx             float64
}

// IoU returns the intersection-over-union of a and b, in [0,1].
func IoU(a, b Box) float64 {
	aLeft, aRight := a.CenterXPx-a.WPx/2, a.CenterXPx+a.WPx/2
	aTop, aBottom := a.CenterYPx-a.HPx/2, a.CenterYPx+a.HPx/2
	bLeft, bRight := b.CenterXPx-b.WPx/2, b.CenterXPx+b.WPx/2
	bTop, bBottom := b.CenterYPx-b.HPx/2, b.CenterYPx+b.HPx/2

	interLeft := max(aLeft, bLeft)
	interTop := max(aTop, bTop)
	interRight := min(aRight, bRight)
	interBottom := min(aBottom, bBottom)

	interW := interRight - interLeft
	interH := interBottom - interTop
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH
	unionArea := a.WPx*a.HPx + b.WPx*b.HPx - interArea
	if unionArea <= 0 {
		return 0
	}
	return interArea / unionArea
}

// CenterDistancePx returns the Euclidean distance between a and b's
// centers in pixels.
func CenterDistancePx(a, b Box) float64 {
	dx := a.CenterXPx - b.CenterXPx
	dy := a.CenterYPx - b.CenterYPx
	return math.Hypot(dx, dy)
}

// Detection is one raw per-frame sighting submitted to the deduplicator.
type Detection struct {
	ID         uuid.UUID
	Class      config.FruitClass
	Box        Box
	Confidence float64
	Time       time.Time
}

// Deduplicator holds the bounded history of recently accepted detections.
type Deduplicator struct {
	cfg   config.DedupConfig
	clock timeutil.Clock

	mu   sync.Mutex
	ring []Detection // oldest first
}

// New creates a Deduplicator parameterized by cfg.
func New(clock timeutil.Clock, cfg config.DedupConfig) *Deduplicator {
	return &Deduplicator{cfg: cfg, clock: clock}
}

// SubmitFrame filters detections (all assumed to share one frame) against
// the deduplication history and against each other, returning only the
// ones judged to be new physical fruit, capped at cfg.MaxPerFrame entries.
// Accepted detections are appended to the ring buffer.
func (d *Deduplicator) SubmitFrame(detections []Detection) []Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()

	accepted := make([]Detection, 0, min(len(detections), d.cfg.MaxPerFrame))
	for _, det := range detections {
		if len(accepted) >= d.cfg.MaxPerFrame {
			break
		}
		if d.isDuplicateLocked(det, accepted) {
			continue
		}
		accepted = append(accepted, det)
	}

	d.ring = append(d.ring, accepted...)
	d.capRingLocked()
	return accepted
}

func (d *Deduplicator) isDuplicateLocked(candidate Detection, pendingThisFrame []Detection) bool {
	for _, prior := range d.ring {
		if matches(d.cfg, candidate, prior) {
			return true
		}
	}
	for _, prior := range pendingThisFrame {
		if matches(d.cfg, candidate, prior) {
			return true
		}
	}
	return false
}

func matches(cfg config.DedupConfig, a, b Detection) bool {
	if a.Class != b.Class {
		return false
	}
	if IoU(a.Box, b.Box) >= cfg.IoUThreshold {
		return true
	}
	return CenterDistancePx(a.Box, b.Box) <= cfg.CenterDistancePx
}

// pruneLocked drops ring entries older than cfg.Window, measured against
// the deduplicator's own Clock.
func (d *Deduplicator) pruneLocked() {
	cutoff := d.clock.Now().Add(-d.cfg.Window)
	i := 0
	for ; i < len(d.ring); i++ {
		if d.ring[i].Time.After(cutoff) {
			break
		}
	}
	d.ring = d.ring[i:]
}

// capRingLocked enforces cfg.RingCapacity as a hard upper bound on the
// ring's length, dropping the oldest entries first.
func (d *Deduplicator) capRingLocked() {
	if d.cfg.RingCapacity <= 0 {
		return
	}
	if over := len(d.ring) - d.cfg.RingCapacity; over > 0 {
		d.ring = d.ring[over:]
	}
}

// Len returns the current ring buffer occupancy, for tests and metrics.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}
