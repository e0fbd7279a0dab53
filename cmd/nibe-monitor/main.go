package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/google/uuid"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/alarms"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/devicemanagement"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/export"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/notifier"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/pointlog"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/nibe"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.yaml.in/yaml/v2"
)

const serviceName string = "nibe-monitor"

type appConfig struct {
	Provider nibe.Config     `yaml:"provider"`
	PointLog pointlog.Config `yaml:"pointlog"`
	Alarms   alarms.Config   `yaml:"alarms"`
	Notifier notifier.Config `yaml:"notifier"`
	Export   export.Config   `yaml:"export"`
}

type runFlags struct {
	configFile string
	deviceID   int
	sendTest   bool
	dryRun     bool
	noExport   bool
	noNotify   bool
}

func main() {
	flags := runFlags{}

	flag.StringVar(&flags.configFile, "config", "/opt/openheat/config/config.yaml", "monitor configuration file")
	flag.IntVar(&flags.deviceID, "device", 0, "limit the run to a single device id")
	flag.BoolVar(&flags.sendTest, "test", false, "send a test notification on every channel and exit")
	flag.BoolVar(&flags.dryRun, "dryrun", false, "log instead of sending notifications")
	flag.BoolVar(&flags.noExport, "noexport", false, "skip the time series export")
	flag.BoolVar(&flags.noNotify, "nonotify", false, "skip notification dispatch")
	flag.Parse()

	ctx := context.Background()

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	logger = logger.With("run_id", uuid.NewString())

	cfgFile, err := os.Open(flags.configFile)
	exitIf(err, logger, "could not open configuration file")

	cfg, err := parseConfigFile(cfgFile)
	exitIf(err, logger, "could not parse configuration file")

	n := notifier.New(ctx, cfg.Notifier, flags.dryRun)

	if flags.sendTest {
		summary := notifier.NewSummary()
		summary.Record(n.SendTest(ctx))
		logger.Info("test notification sent", "summary", summary.String())
		return
	}

	s, err := newStorage(ctx)
	exitIf(err, logger, "could not connect to database")
	defer s.Close()

	err = s.Initialize(ctx)
	exitIf(err, logger, "could not initialize database")

	client := nibe.New(cfg.Provider)

	pl := pointlog.New(s, cfg.PointLog.Suppress)
	dm := devicemanagement.New(s, client)
	as := alarms.New(s, nil, time.Duration(cfg.Alarms.CooldownSeconds)*time.Second)

	var exp export.Exporter
	if cfg.Export.Enabled && !flags.noExport && !flags.dryRun {
		exp = export.New(cfg.Export, export.NewInfluxTransport(cfg.Export))
	}

	devices := resolveDevices(ctx, logger, dm, flags.deviceID)
	if len(devices) == 0 {
		logger.Warn("no devices to monitor")
		return
	}

	summary := notifier.NewSummary()

	for _, device := range devices {
		ok := monitorDevice(ctx, logger, device, client, pl, as, n, exp, summary, flags)
		if ok {
			err = dm.TouchSynced(ctx, device.DeviceID)
			if err != nil {
				logger.Warn("could not update sync timestamp", "device_id", device.DeviceID, "err", err.Error())
			}
		}
	}

	logger.Info("monitor run finished", "devices", len(devices), "notifications", summary.String())
}

// resolveDevices refreshes the directory from the provider and returns the
// units to poll. A failing refresh falls back to the stored directory so a
// provider outage still produces a (stale) device list worth checking.
func resolveDevices(ctx context.Context, logger *slog.Logger, dm devicemanagement.DeviceManagement, onlyDeviceID int) []types.Device {
	_, err := dm.SyncDevices(ctx)
	if err != nil {
		logger.Warn("device sync failed, using stored directory", "err", err.Error())
	}

	if onlyDeviceID > 0 {
		device, err := dm.GetDevice(ctx, onlyDeviceID)
		if err != nil {
			logger.Error("unknown device", "device_id", onlyDeviceID, "err", err.Error())
			return nil
		}
		return []types.Device{device}
	}

	devices, err := dm.Query(ctx)
	if err != nil {
		logger.Error("could not fetch device directory", "err", err.Error())
		return nil
	}

	return devices.Data
}

// monitorDevice runs one full cycle for a single unit: alarms first, then
// the point snapshot. Either half failing is logged and does not abort the
// other half, but only a fully successful cycle reports ok.
func monitorDevice(ctx context.Context, logger *slog.Logger, device types.Device, client nibe.Client,
	pl pointlog.PointLog, as alarms.AlarmService, n notifier.Notifier, exp export.Exporter,
	summary *notifier.Summary, flags runFlags) bool {

	log := logger.With("device_id", device.DeviceID)
	ok := true

	events, err := client.GetAlarms(ctx, device.DeviceID)
	if err != nil {
		log.Error("could not fetch alarms", "err", err.Error())
		ok = false
	} else {
		fresh, err := as.Ingest(ctx, device.DeviceID, events)
		if err != nil {
			log.Error("some alarms could not be stored", "err", err.Error())
			ok = false
		}

		for _, event := range fresh {
			if flags.noNotify {
				continue
			}

			if !as.AllowDispatch(ctx, event.DeviceID, event.AlarmID) {
				log.Info("alarm within cooldown window, not dispatching", "alarm_id", event.AlarmID)
				continue
			}

			deliveries := n.Dispatch(ctx, device, event)
			summary.Record(deliveries)

			// a rehearsal must not seed cooldown state for real runs
			if flags.dryRun {
				continue
			}

			for _, d := range deliveries {
				if d.Err == nil {
					as.MarkDispatched(ctx, event.DeviceID, event.AlarmID, d.Channel)
				}
			}
		}
	}

	raw, err := client.GetRawPoints(ctx, device.DeviceID)
	if err != nil {
		log.Error("could not fetch points", "err", err.Error())
		return false
	}

	points, err := nibe.NormalizeSnapshot(raw)
	if err != nil {
		log.Error("could not decode point snapshot", "err", err.Error())
		return false
	}

	result := pl.LogSnapshot(ctx, device.DeviceID, points)
	log.Info("snapshot logged",
		"points", len(points), "logged", result.Logged, "unchanged", result.Unchanged,
		"suppressed", result.Suppressed, "skipped", result.Skipped, "failed", result.Failed)

	if result.Failed > 0 {
		ok = false
	}

	if exp != nil {
		stats := exp.Export(ctx, device.DeviceID, points)
		log.Info("snapshot exported",
			"passed", stats.Passed, "filtered", stats.Filtered,
			"batches", stats.Batches, "failed_batches", stats.FailedBatches)

		if stats.FailedBatches > 0 {
			ok = false
		}
	}

	return ok
}

func newStorage(ctx context.Context) (*storage.Storage, error) {
	envOrDef := env.GetVariableOrDefault

	return storage.New(ctx, storage.NewConfig(
		envOrDef(ctx, "POSTGRES_HOST", ""),
		envOrDef(ctx, "POSTGRES_USER", ""),
		envOrDef(ctx, "POSTGRES_PASSWORD", ""),
		envOrDef(ctx, "POSTGRES_PORT", "5432"),
		envOrDef(ctx, "POSTGRES_DBNAME", "nibe"),
		envOrDef(ctx, "POSTGRES_SSLMODE", "disable"),
	))
}

func parseConfigFile(cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := &appConfig{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		os.Exit(1)
	}
}
