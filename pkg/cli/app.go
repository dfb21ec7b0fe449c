package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/mchmarny/cardscore/pkg/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	appName      = "cardscore"
	appConfigKey = "app-config"

	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	debugFlag = &cli.BoolFlag{
		Name:    "debug",
		Usage:   "Prints verbose logs (optional, default: false)",
		Sources: cli.EnvVars("CARDSCORE_DEBUG"),
	}

	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to the config file (default: $HOME/.cardscore/config.yaml)",
		Sources: cli.EnvVars("CARDSCORE_CONFIG"),
	}

	dbFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "Sqlite file path or postgres:// URL of the history store (default: storage.dsn, in memory when empty)",
		Sources: cli.EnvVars("CARDSCORE_DB"),
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
)

// Execute creates and runs the CLI application.
func Execute() {
	logging.SetDefaultCLILogger("info")

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type appConfig struct {
	Config     *config.Config
	ConfigPath string
	HomeDir    string
	DSN        string
	Driver     string
	Debug      bool
	Format     string
	DB         *sql.DB
}

// getConfig returns the state prepared by the root Before hook.
func getConfig(cmd *cli.Command) *appConfig {
	if cfg, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok {
		return cfg
	}
	return &appConfig{Config: config.Default(), Format: formatJSON}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  appName,
		Version:               fmt.Sprintf("%s (%s - %s)", version, commit, date),
		EnableShellCompletion: true,
		HideHelpCommand:       true,
		Usage:                 "Cardholder health ranking and hybrid fraud detection services",
		Metadata:              map[string]any{},
		Flags: []cli.Flag{
			debugFlag,
			configFlag,
			dbFlag,
			formatFlag,
		},
		Commands: []*cli.Command{
			serverCmd,
			rankCmd,
			detectCmd,
			modelCmd,
			historyCmd,
			authCmd,
			configCmd,
			resetCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			app, err := loadAppConfig(cmd)
			if err != nil {
				return ctx, err
			}
			cmd.Metadata[appConfigKey] = app
			return ctx, nil
		},
		After: func(_ context.Context, cmd *cli.Command) error {
			if cfg, ok := cmd.Metadata[appConfigKey].(*appConfig); ok && cfg.DB != nil {
				cfg.DB.Close()
			}
			return nil
		},
	}
}

func loadAppConfig(cmd *cli.Command) (*appConfig, error) {
	app := &appConfig{
		Debug:  cmd.Bool(debugFlag.Name),
		Format: formatJSON,
	}

	level := "info"
	if app.Debug {
		level = "debug"
	}
	logging.SetDefaultCLILogger(level)

	if f := cmd.String(formatFlag.Name); f == formatYAML || f == "yml" {
		app.Format = formatYAML
	}

	home, _, err := config.GetOrCreateHomeDir(appName)
	if err != nil {
		slog.Debug("error getting home dir, using current dir instead", "error", err)
		home = "."
	}
	app.HomeDir = home

	if p := cmd.String(configFlag.Name); p != "" {
		app.ConfigPath = p
		app.Config, err = config.Load(p)
	} else {
		app.ConfigPath = filepath.Join(home, "config.yaml")
		app.Config, err = config.ReadOrCreate(home)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if app.Debug {
		app.Config.Log.Level = "debug"
	}

	app.DSN = cmd.String(dbFlag.Name)
	if app.DSN == "" {
		app.DSN = app.Config.Storage.DSN
	}
	if app.DSN == "" {
		slog.Debug("no storage configured, history is kept in memory")
		return app, nil
	}

	if err := openStore(app); err != nil {
		return nil, err
	}
	return app, nil
}

func openStore(app *appConfig) error {
	app.Driver = data.DriverName(app.DSN)

	if err := data.Init(app.DSN); err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	db, err := data.GetDB(app.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	app.DB = db
	return nil
}

var errNoStore = errors.New("no history store configured, set --db or storage.dsn")

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML {
		return yaml.NewEncoder(w).Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

// printOutput writes v to the app writer in the selected output format.
func printOutput(cmd *cli.Command, v any) error {
	return encode(cmd.Root().Writer, getConfig(cmd).Format, v)
}
