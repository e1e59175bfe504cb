// Deviceagentd is the device-side reconciliation and cloud-sync core for an
// IoT fleet device: it reconciles the cloud-assigned target state (apps,
// sensor config) against what's actually running, and keeps the cloud
// informed of the device's observed state over MQTT or HTTP.
//
// Usage:
//
//	deviceagentd [--config <path>] [--verbose]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/iotistica/deviceagent/internal/cloudsync"
	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/config"
	"github.com/iotistica/deviceagent/internal/configmgr"
	"github.com/iotistica/deviceagent/internal/connmonitor"
	"github.com/iotistica/deviceagent/internal/containermgr"
	"github.com/iotistica/deviceagent/internal/debugmetrics"
	"github.com/iotistica/deviceagent/internal/deviceinfo"
	"github.com/iotistica/deviceagent/internal/mqtttransport"
	"github.com/iotistica/deviceagent/internal/noopadapter"
	"github.com/iotistica/deviceagent/internal/noopruntime"
	"github.com/iotistica/deviceagent/internal/offlinequeue"
	"github.com/iotistica/deviceagent/internal/reconciler"
	"github.com/iotistica/deviceagent/internal/store"
	"github.com/iotistica/deviceagent/internal/sysmetrics"
	"github.com/iotistica/deviceagent/internal/telemetry"
)

// agentVersion is the build-reported agent version (spec §6.4 DeviceInfo).
const agentVersion = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// --- Flags -----------------------------------------------------------

	defaultCfg, _ := config.DefaultPath()
	cfgPath := flag.String("config", defaultCfg, "path to config.yaml")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	// --- Logger ------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"cloud_api_endpoint", cfg.CloudAPIEndpoint,
		"poll_interval", cfg.PollInterval,
		"report_interval", cfg.ReportInterval,
		"mqtt_enabled", cfg.MQTTBrokerURL != "",
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath := cfg.StateDBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", dbPath)

	// --- Offline queue ---------------------------------------------------

	queuePath := cfg.OfflineQueuePath
	if queuePath == "" {
		queuePath = filepath.Join(filepath.Dir(dbPath), "queue.db")
	}
	queue, err := offlinequeue.Open(queuePath, cfg.OfflineQueueCapacity)
	if err != nil {
		return fmt.Errorf("opening offline queue at %q: %w", queuePath, err)
	}
	defer func() {
		if closeErr := queue.Close(); closeErr != nil {
			logger.Error("closing offline queue", "error", closeErr)
		}
	}()
	logger.Info("offline queue opened", "path", queuePath, "capacity", cfg.OfflineQueueCapacity)

	// --- Collaborators -------------------------------------------------------

	runtime := noopruntime.New(logger)
	adapter := noopadapter.New(logger)

	var mqttMgr collab.MQTTManager
	if cfg.MQTTBrokerURL != "" {
		mgr, err := mqtttransport.NewPaho(cfg.MQTTBrokerURL, "deviceagentd", "", "", logger)
		if err != nil {
			logger.Error("MQTT transport setup failed, falling back to HTTP-only", "error", err)
		} else {
			mqttMgr = mgr
			logger.Info("MQTT transport enabled", "broker", cfg.MQTTBrokerURL)
		}
	}

	markerPath, err := deviceinfo.DefaultMarkerPath()
	if err != nil {
		return fmt.Errorf("resolving provisioning marker path: %w", err)
	}
	osVersion := detectOSVersion(context.Background(), logger)
	device := deviceinfo.New(markerPath, osVersion, agentVersion)

	metrics := sysmetrics.New()
	monitor := connmonitor.New(connmonitor.DefaultOfflineGrace)

	// --- Managers & reconciler -----------------------------------------------

	cfgMgr := configmgr.New(adapter, st)
	appsMgr := containermgr.New(runtime)
	rec := reconciler.New(logger, st, cfgMgr, appsMgr)
	if err := rec.Init(context.Background()); err != nil {
		return fmt.Errorf("initializing reconciler: %w", err)
	}

	// --- Cloud sync ------------------------------------------------------

	syncCfg := cloudsync.Config{
		Endpoint:        cfg.CloudAPIEndpoint,
		PollInterval:    cfg.PollInterval,
		ReportInterval:  cfg.ReportInterval,
		MetricsInterval: cfg.MetricsInterval,
		APITimeout:      cfg.APITimeout,
	}
	engine := cloudsync.New(syncCfg, rec, device, metrics, mqttMgr, queue, monitor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	engine.Start(ctx)
	logger.Info("cloud sync started")

	// --- Debug metrics endpoint (optional) ------------------------------

	var debugSrv *debugmetrics.Server
	if cfg.DebugMetrics.Enabled {
		debugSrv = debugmetrics.New(cfg.DebugMetrics.Addr, logger)
		debugSrv.Start()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	engine.Stop()
	if debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := debugSrv.Stop(shutdownCtx); err != nil {
			logger.Error("shutting down debug metrics server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// detectOSVersion samples the host platform version for the device info
// accessor's static identity fields (spec §4.10.3 step 7). Failure is not
// fatal: the field is simply left blank.
func detectOSVersion(ctx context.Context, logger *slog.Logger) string {
	platform, _, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		logger.Warn("detecting OS version failed", "error", err)
		return ""
	}
	return fmt.Sprintf("%s %s", platform, version)
}
