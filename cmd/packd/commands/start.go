package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/packd/internal/config"
	"git.home.luguber.info/inful/packd/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

// StartCmd runs the dev server. Flags override the config file and the
// environment.
type StartCmd struct {
	Host      string   `help:"Listen host"`
	Port      int      `short:"p" help:"Listen port"`
	Platforms []string `help:"Platforms to serve (comma separated)" sep:","`
	Root      string   `short:"r" help:"Project root"`
	Entry     string   `short:"e" help:"Entry point relative to the project root"`
	NoWatch   bool     `name:"no-watch" help:"Disable the file watcher"`
	Minify    bool     `help:"Minify bundles"`
}

func (s *StartCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}
	s.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := daemon.New(cfg, g.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx, shutdownTimeout)
}

func (s *StartCmd) apply(cfg *config.Config) {
	if s.Host != "" {
		cfg.Server.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}
	if len(s.Platforms) > 0 {
		cfg.Project.Platforms = s.Platforms
	}
	if s.Root != "" {
		cfg.Project.Root = s.Root
	}
	if s.Entry != "" {
		cfg.Project.Entry = s.Entry
	}
	if s.NoWatch {
		cfg.Watch.Enabled = false
	}
	if s.Minify {
		cfg.Project.Minify = true
	}
}
