package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/camera"
	"github.com/sentinelnvr/sentinel/pkg/config"
	"github.com/sentinelnvr/sentinel/pkg/lifecycle"
	"github.com/sentinelnvr/sentinel/pkg/nvr"
	"github.com/sentinelnvr/sentinel/pkg/recorder"
	"github.com/sentinelnvr/sentinel/pkg/registry"
	"github.com/sentinelnvr/sentinel/pkg/scanrate"
	"github.com/sentinelnvr/sentinel/pkg/sharedframe"
	"github.com/sentinelnvr/sentinel/pkg/storagetier"
	"github.com/sentinelnvr/sentinel/pkg/store"
	"github.com/sentinelnvr/sentinel/pkg/system"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the sentinel NVR core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires every component in dependency order, following the
// teacher's cmd/helix serve.go structure: load config, set up logging
// and the cleanup manager, open the store, build the buses and
// registry, register every domain with the lifecycle manager, run
// setup, start the per-camera pipelines, then block until a shutdown
// signal arrives and tear everything back down.
func runServe(parentCtx context.Context) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	system.SetupLogging(cfg.Debug)
	cm := system.NewCleanupManager()
	ctx, cancel := system.WithShutdownSignal(parentCtx)
	defer cancel()
	defer func() {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), cfg.Shutdown.ProcessGrace)
		defer cancelCleanup()
		cm.Cleanup(cleanupCtx)
	}()

	components, err := config.LoadComponentsConfig(cfg.ComponentsFile)
	if err != nil {
		return fmt.Errorf("serve: load components: %w", err)
	}

	st, err := store.New(store.Config{
		Driver: cfg.Store.Driver, DSN: cfg.Store.DSN,
		Host: cfg.Store.Host, Port: cfg.Store.Port,
		Username: cfg.Store.Username, Password: cfg.Store.Password, Database: cfg.Store.Database,
		AutoMigrate: cfg.Store.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}

	dataBus := bus.NewDataBus(1000, 1000)
	cm.Add("databus", func(ctx context.Context) error { dataBus.Close(); return nil })
	eventBus := bus.NewEventBus()

	frames := sharedframe.NewStore(nil)
	reg := registry.New(eventBus)
	lm := lifecycle.New(reg, cfg.Lifecycle.SetupWorkers)
	scanCalc := scanrate.New()

	rcfgs := buildRecorderConfigs(components)
	segmentDuration := 5 * time.Second
	for _, c := range components.Cameras {
		segmentDuration = c.Recorder.SegmentDuration()
		break
	}

	lister := recorder.FSLister{SegmentDir: func(cameraIdentifier string) string {
		return filepath.Join("/var/lib/sentinel/segments", cameraIdentifier)
	}}
	rec, err := recorder.New(rcfgs, lister, dataBus, st)
	if err != nil {
		return fmt.Errorf("serve: build recorder: %w", err)
	}
	if err := rec.StartCleanupSchedule(time.Minute, func() {
		log.Debug().Msg("serve: segment cleanup sweep")
	}); err != nil {
		return fmt.Errorf("serve: start recorder cleanup: %w", err)
	}
	cm.Add("recorder", func(ctx context.Context) error { return rec.Shutdown() })

	tierWorker, err := storagetier.New(components.StorageTiers, st, segmentDuration)
	if err != nil {
		return fmt.Errorf("serve: build storage tier worker: %w", err)
	}
	if err := tierWorker.Start(5 * time.Minute); err != nil {
		return fmt.Errorf("serve: start storage tier worker: %w", err)
	}
	cm.Add("storagetier", func(ctx context.Context) error { return tierWorker.Stop() })

	builder := camera.FFmpegBuilder{}
	var pipelines []*nvr.Pipeline

	for identifier, camCfg := range components.Cameras {
		identifier, camCfg := identifier, camCfg
		camKey := registry.Key{Domain: "camera", Identifier: identifier}
		ing := camera.New(identifier, camCfg, builder, frames, dataBus, eventBus)

		lm.Add(lifecycle.Registration{
			Key: camKey, Component: "ffmpeg",
			Setup: func(ctx context.Context) (interface{}, error) {
				if err := ing.Start(ctx); err != nil {
					return nil, err
				}
				return ing, nil
			},
			Teardown: func(ctx context.Context) { ing.Stop() },
		})

		motionScanners := scannerNamesForCamera(components.MotionDetectors, identifier)
		objectScanners := objectScannerMapForCamera(components.ObjectDetectors, identifier)
		if len(motionScanners) == 0 && len(objectScanners) == 0 {
			// spec.md §3 invariant: the NVR pipeline refuses to start for a
			// camera with zero registered scanners.
			log.Error().Str("camera", identifier).
				Msg("serve: camera has no motion or object scanner registered, skipping NVR pipeline")
			continue
		}

		outputFPS := outputFPSForCamera(camCfg.FPS, components.MotionDetectors, motionScanners, components.ObjectDetectors, objectScanners)
		for _, m := range motionScanners {
			scanCalc.Configure(identifier, m, outputFPS, int(components.MotionDetectors[m].FPS))
		}
		for o := range objectScanners {
			scanCalc.Configure(identifier, o, outputFPS, int(components.ObjectDetectors[o].FPS))
		}

		camModel := &types.Camera{Identifier: identifier, Config: camCfg, OutputFPS: outputFPS}
		objectScannerConfigs := objectScannerConfigMapForCamera(components.ObjectDetectors, objectScanners)
		pipeline := nvr.NewPipeline(identifier, camModel, scanCalc, frames, dataBus, eventBus, rec, motionScanners, objectScanners, objectScannerConfigs)
		pipelines = append(pipelines, pipeline)
	}

	lm.Run(ctx)
	cm.Add("lifecycle", func(ctx context.Context) error { lm.Shutdown(ctx); return nil })

	for _, p := range pipelines {
		pl := p
		go pl.Run()
	}
	cm.Add("pipelines", func(ctx context.Context) error {
		for _, p := range pipelines {
			p.Stop()
		}
		return nil
	})

	log.Info().Int("cameras", len(components.Cameras)).Msg("sentinel: serving")
	<-ctx.Done()
	return nil
}

func buildRecorderConfigs(components *config.ComponentsConfig) map[string]types.RecorderConfig {
	out := make(map[string]types.RecorderConfig, len(components.Cameras))
	for identifier, cam := range components.Cameras {
		out[identifier] = cam.Recorder
	}
	return out
}

func scannerNamesForCamera(detectors map[string]config.ScannerConfig, cameraIdentifier string) []string {
	var names []string
	for name, d := range detectors {
		if scannerAppliesToCamera(d, cameraIdentifier) {
			names = append(names, name)
		}
	}
	return names
}

func objectScannerMapForCamera(detectors map[string]config.ScannerConfig, cameraIdentifier string) map[string]bool {
	out := make(map[string]bool)
	for name, d := range detectors {
		if scannerAppliesToCamera(d, cameraIdentifier) {
			out[name] = d.ScanOnMotionOnly
		}
	}
	return out
}

// objectScannerConfigMapForCamera carries each enabled object scanner's
// full configuration (mask/zone/label rules included) through to the
// pipeline, keyed the same as objectScanners so NewPipeline can merge
// them (SPEC_FULL.md §12).
func objectScannerConfigMapForCamera(detectors map[string]config.ScannerConfig, objectScanners map[string]bool) map[string]config.ScannerConfig {
	out := make(map[string]config.ScannerConfig, len(objectScanners))
	for name := range objectScanners {
		out[name] = detectors[name]
	}
	return out
}

// outputFPSForCamera computes output_fps = max(configured_fps_of_enabled_scanners)
// per spec.md §4.G start-up, clamped to the camera's own input FPS since
// the ingestor cannot emit more frames than it decodes.
func outputFPSForCamera(inputFPS int, motionDetectors map[string]config.ScannerConfig, motionScanners []string, objectDetectors map[string]config.ScannerConfig, objectScanners map[string]bool) int {
	max := 0
	for _, m := range motionScanners {
		if f := int(motionDetectors[m].FPS); f > max {
			max = f
		}
	}
	for o := range objectScanners {
		if f := int(objectDetectors[o].FPS); f > max {
			max = f
		}
	}
	if max == 0 || (inputFPS > 0 && max > inputFPS) {
		max = inputFPS
	}
	return max
}

func scannerAppliesToCamera(d config.ScannerConfig, cameraIdentifier string) bool {
	if len(d.Cameras) == 0 {
		return true
	}
	for _, c := range d.Cameras {
		if c == cameraIdentifier {
			return true
		}
	}
	return false
}
