package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	k8shandlers "github.com/diwise/service-chassis/pkg/infrastructure/net/http/handlers"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/servicerunner"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/alarms"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/devicemanagement"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/pointlog"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/watchdog"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/nibe"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/router"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/internal/pkg/presentation/api"
	"go.yaml.in/yaml/v2"
)

const serviceName string = "nibe-mgmt"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	controlPort
	enableTracing

	policiesFile
	configurationFile

	dbHost
	dbUser
	dbPassword
	dbPort
	dbName
	dbSSLMode
)

var (
	webserver  = servicerunner.WithHTTPServeMux[appConfig]
	listen     = servicerunner.WithListenAddr[appConfig]
	port       = servicerunner.WithPort[appConfig]
	pprof      = servicerunner.WithPPROF[appConfig]
	liveness   = servicerunner.WithK8SLivenessProbe[appConfig]
	readiness  = servicerunner.WithK8SReadinessProbes[appConfig]
	tracing    = servicerunner.WithTracing[appConfig]
	muxinit    = servicerunner.OnMuxInit[appConfig]
	oninit     = servicerunner.OnInit[appConfig]
	onstarting = servicerunner.OnStarting[appConfig]
	onshutdown = servicerunner.OnShutdown[appConfig]
)

type appConfig struct {
	Provider nibe.Config     `yaml:"provider"`
	PointLog pointlog.Config `yaml:"pointlog"`
	Alarms   alarms.Config   `yaml:"alarms"`
	Watchdog watchdog.Config `yaml:"watchdog"`
}

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		controlPort:   "8000",
		enableTracing: "true",

		policiesFile:      "/opt/openheat/config/authz.rego",
		configurationFile: "/opt/openheat/config/config.yaml",

		dbHost:     "",
		dbUser:     "",
		dbPassword: "",
		dbPort:     "5432",
		dbName:     "nibe",
		dbSSLMode:  "disable",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := parseExternalConfigFile(ctx, cfgFile)
	exitIf(err, logger, "could not parse configuration file")

	policies, err := os.Open(flags[policiesFile])
	exitIf(err, logger, "unable to open opa policy file")

	runner, err := initialize(ctx, flags, cfg, policies)
	exitIf(err, logger, "failed to initialize service runner")

	err = runner.Run(ctx)
	exitIf(err, logger, "failed to start service runner")
}

func initialize(ctx context.Context, flags flagMap, cfg *appConfig, policies io.ReadCloser) (servicerunner.Runner[appConfig], error) {
	defer policies.Close()

	log := logging.GetFromContext(ctx)

	probes := map[string]k8shandlers.ServiceProber{
		"rabbitmq": func(context.Context) (string, error) { return "ok", nil },
		"postgres": func(context.Context) (string, error) { return "ok", nil },
	}

	s, err := storage.New(ctx, storage.NewConfig(
		flags[dbHost], flags[dbUser], flags[dbPassword], flags[dbPort], flags[dbName], flags[dbSSLMode],
	))
	exitIf(err, log, "could not create or connect to database")

	messenger, err := messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, log))
	exitIf(err, log, "failed to init messenger")

	client := nibe.New(cfg.Provider)

	var pl pointlog.PointLog
	var dm devicemanagement.DeviceManagement
	var as alarms.AlarmService
	var wd watchdog.Watchdog

	_, runner := servicerunner.New(ctx, *cfg,
		webserver("control", listen(flags[listenAddress]), port(flags[controlPort]),
			pprof(), liveness(func() error { return nil }), readiness(probes),
		),
		webserver("public", listen(flags[listenAddress]), port(flags[servicePort]), tracing(flags[enableTracing] == "true"),
			muxinit(func(ctx context.Context, identifier string, port string, appCfg *appConfig, handler *http.ServeMux) error {
				r := router.New(serviceName)

				_, err := api.RegisterHandlers(ctx, r, policies, pl, dm, as, wd, client, logging.GetFromContext(ctx))
				if err != nil {
					return err
				}

				handler.Handle("/", r)
				return nil
			}),
		),
		oninit(func(ctx context.Context, ac *appConfig) error {
			log.Debug("initializing servicerunner")

			pl = pointlog.New(s, ac.PointLog.Suppress)
			dm = devicemanagement.New(s, client)
			as = alarms.New(s, messenger, time.Duration(ac.Alarms.CooldownSeconds)*time.Second)
			wd = watchdog.New(dm, messenger, &ac.Watchdog)

			return nil
		}),
		onstarting(func(ctx context.Context, appCfg *appConfig) (err error) {
			log.Debug("starting servicerunner")

			err = s.Initialize(ctx)
			if err != nil {
				return
			}

			messenger.Start()
			wd.Start(ctx)

			return nil
		}),
		onshutdown(func(ctx context.Context, appCfg *appConfig) error {
			log.Debug("shutdown servicerunner")

			wd.Stop(ctx)
			messenger.Close()
			s.Close()

			return nil
		}),
	)

	return runner, nil
}

func parseExternalConfigFile(_ context.Context, cfgFile io.ReadCloser) (*appConfig, error) {
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

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[controlPort] = envOrDef(ctx, "CONTROL_PORT", flags[controlPort])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])

	flags[policiesFile] = envOrDef(ctx, "POLICIES_FILE", flags[policiesFile])

	flags[dbHost] = envOrDef(ctx, "POSTGRES_HOST", flags[dbHost])
	flags[dbPort] = envOrDef(ctx, "POSTGRES_PORT", flags[dbPort])
	flags[dbName] = envOrDef(ctx, "POSTGRES_DBNAME", flags[dbName])
	flags[dbUser] = envOrDef(ctx, "POSTGRES_USER", flags[dbUser])
	flags[dbPassword] = envOrDef(ctx, "POSTGRES_PASSWORD", flags[dbPassword])
	flags[dbSSLMode] = envOrDef(ctx, "POSTGRES_SSLMODE", flags[dbSSLMode])
	flags[enableTracing] = envOrDef(ctx, "ENABLE_TRACING", flags[enableTracing])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("config", "service configuration file", apply(configurationFile))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
