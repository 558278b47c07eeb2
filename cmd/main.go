package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tidwall/pretty"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/sync/errgroup"

	"github.com/xeptore/ondusd/cache"
	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/constant"
	"github.com/xeptore/ondusd/ctxutil"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/iterutil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/auth"
	"github.com/xeptore/ondusd/ondus/connect"
	"github.com/xeptore/ondusd/ondus/device"
	"github.com/xeptore/ondusd/ondus/fs"
	"github.com/xeptore/ondusd/ondus/login"
	"github.com/xeptore/ondusd/ratelimit"
)

const (
	flagConfigFilePath = "config"
	flagApplianceID    = "appliance"
)

func main() {
	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	if err := godotenv.Load(); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Msg(".env file was not found")
		} else {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "ondusd",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Ondus cloud appliance bridge",
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Run the bridge daemon",
				Action:  run,
				Flags:   []cli.Flag{configFlag()},
			},
			//nolint:exhaustruct
			{
				Name:   "devices",
				Usage:  "List appliances visible to the account",
				Action: listDevices,
				Flags:  []cli.Flag{configFlag()},
			},
			//nolint:exhaustruct
			{
				Name:   "valve",
				Usage:  "Open or close appliance valves",
				Action: setValves,
				Flags: []cli.Flag{
					configFlag(),
					//nolint:exhaustruct
					&cli.StringSliceFlag{
						Name:     flagApplianceID,
						Aliases:  []string{"a"},
						Usage:    "Appliance ID, repeatable",
						Required: true,
					},
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     "state",
						Aliases:  []string{"s"},
						Usage:    `Either "open" or "closed"`,
						Required: true,
					},
				},
			},
			//nolint:exhaustruct
			{
				Name:   "dispense",
				Usage:  "Dispense water from a tap appliance",
				Action: dispense,
				Flags: []cli.Flag{
					configFlag(),
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     flagApplianceID,
						Aliases:  []string{"a"},
						Usage:    "Appliance ID",
						Required: true,
					},
					//nolint:exhaustruct
					&cli.IntFlag{
						Name:     "type",
						Aliases:  []string{"t"},
						Usage:    "Water type",
						Required: true,
					},
					//nolint:exhaustruct
					&cli.IntFlag{
						Name:     "amount-ml",
						Aliases:  []string{"m"},
						Usage:    "Amount in milliliters",
						Required: true,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

//nolint:exhaustruct
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagConfigFilePath,
		Aliases:  []string{"c"},
		Usage:    "Config file path",
		Required: false,
	}
}

func loadConfig(cliCtx *cli.Context, logger zerolog.Logger) (*config.Config, error) {
	cfgEnv := os.Getenv("CONFIG")
	cfgFilePath := cliCtx.String(flagConfigFilePath)
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return nil, errors.New("config file path and config environment variable are both set. specify only one")
	case cfgFilePath == "" && cfgEnv == "":
		return nil, errors.New("config file path and config environment variable are both empty. specify one")
	case cfgFilePath != "":
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config from file")
		cfg, err := config.FromFile(cfgFilePath)
		if nil != err {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
		return cfg, nil
	default:
		logger.Debug().Msg("Loading config from environment variable")
		cfg, err := config.FromString(cfgEnv)
		if nil != err {
			return nil, fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		return cfg, nil
	}
}

type bridge struct {
	config    *config.Config
	instance  *fs.InstanceFile
	auth      *auth.Auth
	connector *connect.Connector
	devices   *device.Client
}

func newBridge(cfg *config.Config, logger zerolog.Logger) (*bridge, error) {
	if _, err := os.ReadDir(cfg.StateDir); nil != err && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read state directory: %v", err)
	} else if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Msg("State directory does not exist. Creating...")
		if err := os.MkdirAll(cfg.StateDir, 0o0755); nil != err {
			return nil, fmt.Errorf("failed to create state directory: %v", err)
		}
		logger.Info().Msg("State directory created")
	}

	instance := fs.InstanceFileFrom(cfg.StateDir)
	authClient := auth.New(cfg, instance, logger.With().Str("module", "auth").Logger())
	flow := login.NewFlow(cfg, logger.With().Str("module", "login").Logger())
	return &bridge{
		config:    cfg,
		instance:  instance,
		auth:      authClient,
		connector: connect.New(cfg, instance, authClient, flow, logger.With().Str("module", "connect").Logger()),
		devices:   device.New(cfg, authClient, logger.With().Str("module", "device").Logger()),
	}, nil
}

func run(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	b, err := newBridge(cfg, logger)
	if nil != err {
		return err
	}

	w := &Worker{
		mutex:       sync.Mutex{},
		config:      cfg,
		devices:     b.devices,
		cache:       cache.New(),
		devicesFile: fs.InfoFileFrom[[]applianceRecord](cfg.StateDir, "devices.json"),
		bridgeFile:  fs.InfoFileFrom[bridgeStatus](cfg.StateDir, "bridge.json"),
		seq:         iterutil.Int(0),
		lastIDs:     nil,
		logger:      logger.With().Str("module", "worker").Logger(),
	}

	if err := b.connector.Establish(ctx); nil != err {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		if authErr := new(ondus.AuthError); errors.As(err, &authErr) {
			logger.Error().Str("kind", string(authErr.Kind)).Str("detail", authErr.Detail).Msg("Authentication failed")
		}
		logger.Error().Func(log.Flaw(err)).Msg("Session establishment failed. Device polling is disabled until restart")
		dumpFlaw(cfg.StateDir, err, logger)
		w.markDisconnected(0, err)
		<-ctx.Done()
		return context.Canceled
	}
	logger.Info().Msg("Session established")

	// Polls started right before a termination signal get a short grace
	// window to finish their vendor API calls and state file writes.
	pollCtx, cancelPolls := ctxutil.WithDelayedTimeout(ctx, 5*time.Second)
	defer cancelPolls()

	return w.Run(ctx, pollCtx)
}

func listDevices(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logs go to stderr so stdout stays parseable JSON.
	logger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	b, err := newBridge(cfg, logger)
	if nil != err {
		return err
	}

	if err := b.connector.Establish(ctx); nil != err {
		return err
	}

	appliances, err := b.devices.List(ctx)
	if nil != err {
		if errors.Is(err, device.ErrTooManyRequests) {
			return errors.New("vendor gateway throttled the request. try again later")
		}
		return err
	}

	out, err := json.Marshal(appliances)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to marshal appliances: %v", err)).Append(flawP)
	}
	if _, err := os.Stdout.Write(pretty.Pretty(out)); nil != err {
		return fmt.Errorf("failed to write appliances to stdout: %v", err)
	}
	return nil
}

func setValves(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	var open bool
	switch state := cliCtx.String("state"); state {
	case "open":
		open = true
	case "closed":
	default:
		return fmt.Errorf(`valve state must be either "open" or "closed", got %q`, state)
	}

	b, err := newBridge(cfg, logger)
	if nil != err {
		return err
	}

	if err := b.connector.Establish(ctx); nil != err {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ratelimit.DeviceActionConcurrency)
	for _, applianceID := range cliCtx.StringSlice(flagApplianceID) {
		group.Go(func() error {
			if err := b.devices.SetValve(groupCtx, applianceID, open); nil != err {
				if errors.Is(err, device.ErrTooManyRequests) {
					return fmt.Errorf("vendor gateway throttled the valve action for appliance %q. try again later", applianceID)
				}
				return err
			}
			logger.Info().Str("appliance_id", applianceID).Bool("open", open).Msg("Valve state changed")
			return nil
		})
	}
	return group.Wait()
}

func dispense(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stderr).Level(zerolog.InfoLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	b, err := newBridge(cfg, logger)
	if nil != err {
		return err
	}

	if err := b.connector.Establish(ctx); nil != err {
		return err
	}

	applianceID := cliCtx.String(flagApplianceID)
	if err := b.devices.Dispense(ctx, applianceID, cliCtx.Int("type"), cliCtx.Int("amount-ml")); nil != err {
		if errors.Is(err, device.ErrTooManyRequests) {
			return fmt.Errorf("vendor gateway throttled the dispense action for appliance %q. try again later", applianceID)
		}
		return err
	}
	logger.Info().
		Str("appliance_id", applianceID).
		Int("type", cliCtx.Int("type")).
		Int("amount_ml", cliCtx.Int("amount-ml")).
		Msg("Dispense command accepted")
	return nil
}

// dumpFlaw writes the failure report next to the state files for offline
// inspection.
func dumpFlaw(stateDir string, err error, logger zerolog.Logger) {
	flawErr := new(flaw.Flaw)
	if !errors.As(err, &flawErr) {
		return
	}
	report, err := errutil.FlawToYAML(flawErr)
	if nil != err {
		logger.Warn().Func(log.Flaw(err)).Msg("Failed to encode failure report")
		return
	}
	reportPath := filepath.Join(stateDir, "last-failure.yaml")
	if err := os.WriteFile(reportPath, report, 0o0600); nil != err {
		logger.Warn().Err(err).Str("path", reportPath).Msg("Failed to write failure report")
		return
	}
	logger.Info().Str("path", reportPath).Msg("Failure report written")
}
