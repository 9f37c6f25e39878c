// Command visifruitd wires the detection-to-actuation core into a runnable
// service: it owns process lifecycle, flag parsing, and the simulated (or,
// on real hardware, gpiochip-backed) HAL instance. The core packages under
// internal/ know nothing about flags, signals, or exit codes — that belongs
// here, matching the separation the teacher draws between main.go and its
// library packages.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/belt"
	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/control"
	"github.com/visifruit/core/internal/dedup"
	"github.com/visifruit/core/internal/diverter"
	"github.com/visifruit/core/internal/grouper"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/labeler"
	"github.com/visifruit/core/internal/orchestrator"
	"github.com/visifruit/core/internal/timeutil"
	"github.com/visifruit/core/internal/timing"
	"github.com/visifruit/core/internal/trigger"
)

var (
	calibrationPath = flag.String("calibration", config.DefaultCalibrationPath, "path to the calibration JSON file")
	calibrationDir  = flag.String("calibration-dir", "config", "directory calibration files must resolve within")
	maxConcurrent   = flag.Int("max-concurrent-dispatch", 4, "maximum concurrently dispatching actuator commands")
	usePi5          = flag.Bool("pi5", false, "use the gpiochip HAL instead of the in-memory simulator")
	gpiochip        = flag.String("gpiochip", "/dev/gpiochip0", "gpiochip device path when -pi5 is set")
)

func loadOrDefaultCalibration(path, dir string) *config.Calibration {
	cal, err := config.LoadCalibration(path, dir)
	if err == nil {
		return cal
	}
	log.Printf("visifruitd: no usable calibration at %s (%v), starting from built-in defaults", path, err)
	return defaultCalibration()
}

func defaultCalibration() *config.Calibration {
	diverters := make(map[config.FruitClass]config.DiverterConfig, len(config.AllClasses))
	for _, class := range config.AllClasses {
		diverters[class] = config.DiverterConfig{
			Enabled:                 true,
			RestAngleDeg:            0,
			ActivationAngleDeg:      90,
			HoldDuration:            150 * time.Millisecond,
			SmoothReturn:            true,
			SmoothSteps:             8,
			MaxActivationsPerMinute: 120,
			MaxActivationTime:       500 * time.Millisecond,
		}
	}
	return &config.Calibration{
		Version:              1,
		BeltSpeedMPerS:        0.4,
		PixelsPerMeterX:       800,
		PixelsPerMeterY:       800,
		ClusterEpsM:           0.03,
		ClusterMinSamples:     1,
		RowToleranceM:         0.05,
		MinFruitExtentM:       0.02,
		BaseActivation:        120 * time.Millisecond,
		PerFruitExtra:         40 * time.Millisecond,
		SafetyMargin:          60 * time.Millisecond,
		HighDensityThreshold:  6,
		DispatchSlack:         20 * time.Millisecond,
		BeltSafetyTimeout:     10 * time.Second,
		Labeler: config.LabelerConfig{
			Enabled:                 true,
			OffsetM:                 0.1,
			MaxActivationsPerMinute: 240,
			MaxActivationTime:       300 * time.Millisecond,
			DefaultIntensity:        1,
		},
		Diverters: diverters,
		Dedup: config.DedupConfig{
			IoUThreshold:     0.4,
			CenterDistancePx: 25,
			Window:           2 * time.Second,
			MaxPerFrame:      20,
			RingCapacity:     256,
		},
	}
}

func newHAL(clock timeutil.Clock) (hal.HAL, func(), error) {
	if !*usePi5 {
		return hal.NewSimHAL(clock), func() {}, nil
	}
	h, err := hal.NewPi5HAL(*gpiochip)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { _ = h.Close() }, nil
}

func main() {
	flag.Parse()

	clock := timeutil.RealClock{}
	cal := loadOrDefaultCalibration(*calibrationPath, *calibrationDir)
	store := config.NewStore(cal)

	h, closeHAL, err := newHAL(clock)
	if err != nil {
		log.Fatalf("visifruitd: failed to initialize HAL: %v", err)
	}
	defer closeHAL()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs := actuator.NewFileBlobStore("config/blobs")

	labelerDriver := labeler.New(h, clock, blobs, labeler.HardwareConfig{
		Variant:                 labeler.Solenoid,
		Pin:                     hal.Pin(10),
		PWMFreqHz:               200,
		MaxActivationsPerMinute: cal.Labeler.MaxActivationsPerMinute,
		MaxActivationTime:       cal.Labeler.MaxActivationTime,
		RetryMaxAttempts:        3,
		RetryBackoffBase:        10 * time.Millisecond,
		SelfTestDuration:        20 * time.Millisecond,
		SelfTestIntensity:       0.3,
	})
	if err := labelerDriver.Init(ctx); err != nil {
		log.Fatalf("visifruitd: labeler init failed: %v", err)
	}

	diverterPins := diverter.PinAssignment{
		config.ClassApple: hal.Pin(20),
		config.ClassPear:  hal.Pin(21),
		config.ClassLemon: hal.Pin(22),
	}
	diverterBank, err := diverter.NewBank(h, clock, blobs, cal, diverterPins, 50, 3, 10*time.Millisecond)
	if err != nil {
		log.Fatalf("visifruitd: diverter bank init failed: %v", err)
	}

	beltDriver := belt.New(h, clock, belt.HardwareConfig{
		Variant:              belt.RelayHBridge,
		ForwardPin:           hal.Pin(30),
		ReversePin:           hal.Pin(31),
		DefaultSafetyTimeout: cal.BeltSafetyTimeout,
		RetryMaxAttempts:     3,
		RetryBackoffBase:     10 * time.Millisecond,
	})
	if err := beltDriver.Init(); err != nil {
		log.Fatalf("visifruitd: belt init failed: %v", err)
	}

	triggerDriver := trigger.New(h, clock, trigger.Config{
		Pin:          hal.Pin(40),
		Pull:         hal.PullDown,
		Edge:         hal.EdgeRising,
		DebounceUs:   500,
		PollInterval: 2 * time.Millisecond,
	})
	if err := triggerDriver.Init(); err != nil {
		log.Fatalf("visifruitd: trigger init failed: %v", err)
	}

	deduper := dedup.New(clock, cal.Dedup)
	orch := orchestrator.New(clock, *maxConcurrent)

	ctl := control.NewChannel(store, control.SafetyTargets{
		Labeler:   labelerDriver,
		Diverters: diverterBank,
		Belt:      beltDriver,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			log.Printf("visifruitd: orchestrator stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case outcome := <-orch.Results:
				if outcome.Err != nil {
					log.Printf("visifruitd: command %s for %s failed: %v", outcome.Command.ID, outcome.Command.Actuator, outcome.Err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := triggerDriver.Start(func(ev trigger.Event) {
			onTriggerEvent(ctx, store, deduper, orch, labelerDriver, diverterBank, ev)
		}); err != nil {
			log.Printf("visifruitd: trigger start failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("visifruitd: shutting down")
	triggerDriver.Stop()
	_ = ctl.EmergencyStopAll()
	wg.Wait()
	log.Print("visifruitd: shutdown complete")
}

// onTriggerEvent is the bridge between a raw trigger sensor edge and the
// rest of the pipeline: in a full deployment the vision subsystem would
// supply real detections for the object now at the trigger; here a single
// synthetic detection stands in for that upstream feed so the scheduling,
// dedup, and actuator plumbing are exercised end to end.
func onTriggerEvent(ctx context.Context, store *config.Store, deduper *dedup.Deduplicator, orch *orchestrator.Orchestrator, labelerDriver *labeler.Driver, diverterBank *diverter.Bank, ev trigger.Event) {
	cal := store.Load()

	accepted := deduper.SubmitFrame([]dedup.Detection{{
		ID:    uuid.New(),
		Class: config.ClassApple,
		Box:   dedup.Box{CenterXPx: 0, CenterYPx: 0, WPx: 40, HPx: 40},
		Time:  ev.DetectedAt,
	}})
	if len(accepted) == 0 {
		return
	}

	clusters := grouper.Group(cal, []grouper.Detection{{
		ID:         accepted[0].ID,
		Class:      accepted[0].Class,
		XM:         0,
		YM:         0,
		FrameTime:  accepted[0].Time,
		Confidence: 1,
	}})

	for _, cluster := range clusters {
		if cal.Labeler.Enabled {
			sched, err := timing.Compute(cal, cluster, cal.Labeler.OffsetM)
			if err != nil {
				log.Printf("visifruitd: labeler schedule error: %v", err)
				continue
			}
			schedCopy := sched
			err = orch.Schedule(orchestrator.Command{
				ID:        uuid.New(),
				Actuator:  "labeler",
				FireAt:    sched.FireAt,
				ExpiresAt: sched.FireAt.Add(sched.Duration),
				Exec: func(ctx context.Context) error {
					_, err := labelerDriver.ActivateFor(ctx, schedCopy.Duration, cal.Labeler.DefaultIntensity)
					return err
				},
			})
			if err != nil {
				log.Printf("visifruitd: labeler schedule rejected: %v", err)
			}
		}

		dc, ok := cal.Diverters[cluster.PredominantClass]
		if !ok || !dc.Enabled {
			continue
		}
		sched, err := timing.Compute(cal, cluster, dc.OffsetM)
		if err != nil {
			log.Printf("visifruitd: diverter schedule error: %v", err)
			continue
		}
		class := cluster.PredominantClass
		err = orch.Schedule(orchestrator.Command{
			ID:        uuid.New(),
			Actuator:  "diverter." + class.String(),
			FireAt:    sched.FireAt,
			ExpiresAt: sched.FireAt.Add(sched.Duration),
			Exec: func(ctx context.Context) error {
				_, err := diverterBank.Activate(ctx, class)
				return err
			},
		})
		if err != nil {
			log.Printf("visifruitd: diverter schedule rejected: %v", err)
		}
	}
}
