package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"predmkt/internal/app"
	"predmkt/internal/ops"
)

func main() {
	configPath := flag.String("config", "config/ammd.json", "Path to JSON config")
	dotenv := flag.String("dotenv", ".env", "Path to .env file with overrides")
	configReload := flag.Duration("config-reload-interval", 5*time.Second, "Exposure caps reload interval (0=disable)")
	metricsInterval := flag.Duration("metrics-interval", time.Minute, "Metrics log interval (0=disable)")
	flag.Parse()

	loaded, err := ops.Load(*configPath, *dotenv)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if loaded.Profiling.PyroscopeAddr != "" {
		name := loaded.Profiling.AppName
		if name == "" {
			name = "predmkt.ammd"
		}
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: name,
			ServerAddress:   loaded.Profiling.PyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, loaded)
	if err != nil {
		log.Fatalf("app init failed: %v", err)
	}
	if err := a.Bootstrap(ctx); err != nil {
		_ = a.Close()
		log.Fatalf("bootstrap failed: %v", err)
	}

	if *configReload > 0 {
		go watchConfig(ctx, *configPath, *dotenv, *configReload, a)
	}
	if *metricsInterval > 0 {
		go logMetrics(ctx, a, *metricsInterval)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	logs.Infof("ammd started, markets: %d, venue: %s", len(a.State.Arena.IDs()), loaded.VenueKind)

	<-sys.Shutdown()
	logs.Infof("ammd shutting down")
	cancel()
	<-done

	if err := a.Close(); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}

// watchConfig reloads the exposure caps and the kill switch when the config
// file changes. Every other setting needs a restart.
func watchConfig(ctx context.Context, path, dotenv string, interval time.Duration, a *app.App) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path, dotenv)
			if err != nil {
				logs.Errorf("config reload failed, err: %+v", err)
				continue
			}
			a.State.Exposure.SetConfig(loaded.Exposure)
			lastMod = info.ModTime()
			logs.Infof("config reloaded: %s, kill switch: %v, max per market: %s, max platform: %s",
				path, loaded.Exposure.KillSwitch, loaded.Exposure.MaxPerMarket, loaded.Exposure.MaxPlatform)
		}
	}
}

func logMetrics(ctx context.Context, a *app.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.Metrics.Snapshot()
			e := a.State.Exposure.Snapshot()
			logs.Infof("metrics: orders=%v hedges=%v hedge_reasons=%v exposure_blocks=%d sync_repriced=%d sync_skipped=%d drops=%d execute=%+v append=%+v hedge=%+v platform_exposure=%s pending=%d",
				s.OrderStatusCounts, s.HedgeStatusCounts, s.HedgeReasonCounts, s.ExposureBlocks, s.SyncRepriced, s.SyncSkipped,
				s.QueueDrops, s.ExecuteLatency, s.AppendLatency, s.HedgeLatency, e.Platform, a.Outbox.PendingCount())
			if halted := a.State.Arena.HaltedIDs(); len(halted) > 0 {
				logs.Warnf("metrics: halted markets=%v", halted)
			}
		}
	}
}
