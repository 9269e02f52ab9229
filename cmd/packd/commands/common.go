package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/packd/internal/config"
)

// Global is shared with every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"packd.yaml" env:"PACKD_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Start  StartCmd  `cmd:"" help:"Start the development server"`
	Bundle BundleCmd `cmd:"" help:"Build one platform and write its bundle to disk"`
	Init   InitCmd   `cmd:"" help:"Write an example configuration file"`
}

// AfterApply runs after flag parsing and installs a default logger. Commands
// that load a config call configureLogging again with its settings.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply(g *Global) error {
	c.configureLogging(g, os.Stderr, config.LogLevelInfo, config.LogFormatText)
	return nil
}

func (c *CLI) configureLogging(g *Global, w io.Writer, level config.LogLevel, format config.LogFormat) {
	lvl := level.SlogLevel()
	if c.Verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	g.Logger = logger
}

// loadConfig loads the configured file. A missing default file is not an
// error; defaults and the environment apply.
func (c *CLI) loadConfig(g *Global) (*config.Config, error) {
	path := c.Config
	if path == config.DefaultPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.configureLogging(g, os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if path == "" {
		g.Logger.Debug("No configuration file, using defaults")
	}
	return cfg, nil
}
