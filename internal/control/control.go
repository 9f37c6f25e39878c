// Package control implements the control channel (§4.J): the only path
// by which an external operator updates the live Calibration or issues a
// safety command. Every update carries a monotonically increasing
// SourceVersion; the channel applies it idempotently, and a file-based
// full-calibration reload goes through the same path-traversal-safe
// loader the rest of the core uses for configuration.
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/visifruit/core/internal/belt"
	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/diverter"
	"github.com/visifruit/core/internal/labeler"
	"github.com/visifruit/core/internal/monitoring"
)

// BeltUpdate carries the belt-controller fields an operator may change.
type BeltUpdate struct {
	SafetyTimeout *int64 // nanoseconds; pointer distinguishes "unset" from zero
}

// LabelerUpdate carries the labeler fields an operator may change.
type LabelerUpdate struct {
	Enabled                 *bool
	MaxActivationsPerMinute *int
	DefaultIntensity        *float64
}

// DiverterUpdate carries one class's diverter fields an operator may
// change.
type DiverterUpdate struct {
	Class                   config.FruitClass
	Enabled                 *bool
	HoldDurationNs          *int64
	MaxActivationsPerMinute *int
}

// DedupUpdate carries the deduplicator fields an operator may change.
type DedupUpdate struct {
	IoUThreshold *float64
	MaxPerFrame  *int
}

// Update is one control-channel message. SourceVersion is supplied by the
// external system issuing the update and must increase monotonically per
// source; a message whose SourceVersion does not exceed the last applied
// one is treated as a stale replay and silently dropped, making re-sends
// after a dropped acknowledgement safe.
type Update struct {
	SourceVersion uint64
	Belt          *BeltUpdate
	Labeler       *LabelerUpdate
	Diverter      *DiverterUpdate
	Dedup         *DedupUpdate
}

// SafetyTargets wires the channel's safety commands to the concrete
// drivers they must reach. Any field may be nil if that actuator isn't
// present in this deployment.
type SafetyTargets struct {
	Labeler   *labeler.Driver
	Diverters *diverter.Bank
	Belt      *belt.Driver
}

// Channel applies Updates to a config.Store and safety commands to the
// wired actuator drivers.
type Channel struct {
	store   *config.Store
	targets SafetyTargets

	mu          sync.Mutex
	lastVersion uint64
}

// NewChannel creates a Channel over store, dispatching safety commands to
// targets.
func NewChannel(store *config.Store, targets SafetyTargets) *Channel {
	return &Channel{store: store, targets: targets}
}

// Apply merges u into the live Calibration and swaps it in as a new
// snapshot, or is a no-op if u.SourceVersion is stale.
func (c *Channel) Apply(u Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.SourceVersion <= c.lastVersion {
		return nil
	}

	cur := c.store.Load()
	next := cur.Clone()

	if u.Belt != nil && u.Belt.SafetyTimeout != nil {
		next.BeltSafetyTimeout = nsToDuration(*u.Belt.SafetyTimeout)
	}
	if u.Labeler != nil {
		if u.Labeler.Enabled != nil {
			next.Labeler.Enabled = *u.Labeler.Enabled
		}
		if u.Labeler.MaxActivationsPerMinute != nil {
			next.Labeler.MaxActivationsPerMinute = *u.Labeler.MaxActivationsPerMinute
		}
		if u.Labeler.DefaultIntensity != nil {
			next.Labeler.DefaultIntensity = *u.Labeler.DefaultIntensity
		}
	}
	if u.Diverter != nil {
		dc, ok := next.Diverters[u.Diverter.Class]
		if !ok {
			return fmt.Errorf("control: %w: unknown diverter class %s", corekind.ErrConfig, u.Diverter.Class)
		}
		if u.Diverter.Enabled != nil {
			dc.Enabled = *u.Diverter.Enabled
		}
		if u.Diverter.HoldDurationNs != nil {
			dc.HoldDuration = nsToDuration(*u.Diverter.HoldDurationNs)
		}
		if u.Diverter.MaxActivationsPerMinute != nil {
			dc.MaxActivationsPerMinute = *u.Diverter.MaxActivationsPerMinute
		}
		next.Diverters[u.Diverter.Class] = dc
	}
	if u.Dedup != nil {
		if u.Dedup.IoUThreshold != nil {
			next.Dedup.IoUThreshold = *u.Dedup.IoUThreshold
		}
		if u.Dedup.MaxPerFrame != nil {
			next.Dedup.MaxPerFrame = *u.Dedup.MaxPerFrame
		}
	}

	next.Version = cur.Version + 1
	if err := c.store.Swap(next); err != nil {
		return err
	}
	c.lastVersion = u.SourceVersion
	return nil
}

func nsToDuration(ns int64) time.Duration {
	return time.Duration(ns)
}

// ReplaceFromFile reloads the entire Calibration from a JSON file at path
// (validated to stay within safeDir) and swaps it in wholesale, but only
// if the file's own Version exceeds the store's current Version — an
// operator re-applying the same file twice is a safe no-op.
func (c *Channel) ReplaceFromFile(path, safeDir string) error {
	next, err := config.LoadCalibration(path, safeDir)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.store.Load()
	if next.Version <= cur.Version {
		return nil
	}
	return c.store.Swap(next)
}

// EmergencyStopAll forces every wired actuator into its Emergency state.
// Returns the first error encountered but still attempts every target.
func (c *Channel) EmergencyStopAll() error {
	monitoring.Logf("control: emergency stop requested for all wired actuators")
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.targets.Labeler != nil {
		record(c.targets.Labeler.EmergencyStop())
	}
	if c.targets.Diverters != nil {
		record(c.targets.Diverters.EmergencyStopAll())
	}
	if c.targets.Belt != nil {
		record(c.targets.Belt.EmergencyStop())
	}
	return first
}

// ResetEmergencyAll clears every wired actuator's Emergency latch.
func (c *Channel) ResetEmergencyAll() error {
	monitoring.Logf("control: emergency reset requested for all wired actuators")
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.targets.Labeler != nil {
		record(c.targets.Labeler.ResetEmergency())
	}
	if c.targets.Diverters != nil {
		record(c.targets.Diverters.ResetEmergencyAll())
	}
	if c.targets.Belt != nil {
		record(c.targets.Belt.ResetEmergency())
	}
	return first
}
