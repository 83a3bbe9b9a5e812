// Command eventflow runs the event engine from the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
)

// version is overridden at build time with -ldflags.
var version = "dev"

// CLI holds the global flags and subcommands.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path (YAML or JSON)" type:"path"`
	EnvFile string           `name:"env-file" help:"Load environment variables from this file before applying EVENTFLOW_* overrides" type:"path"`
	Verbose bool             `short:"v" help:"Enable debug logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Demo        DemoCmd        `cmd:"" help:"Run an order-fulfilment saga driven by events"`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"Load, validate, and print the effective settings"`

	logger *slog.Logger
}

// AfterApply sets up logging once flags are parsed.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	return nil
}

// Settings resolves the effective settings: defaults, then the config file,
// then the env file and process environment.
func (c *CLI) Settings() (config.Settings, error) {
	s := config.DefaultSettings()
	if c.Config != "" {
		cfg, err := config.FromFile(c.Config)
		if err != nil {
			return s, err
		}
		s = config.FromConfig(cfg)
	}
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil {
			return s, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	if c.Verbose {
		s.LogLevel = "debug"
	}
	return s, s.Validate()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("eventflow"),
		kong.Description("In-process event bus and saga orchestrator."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli); err != nil {
		slog.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}
