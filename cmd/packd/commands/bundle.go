package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"git.home.luguber.info/inful/packd/internal/bundler"
	"git.home.luguber.info/inful/packd/internal/config"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

// BundleCmd builds one platform once and writes the output files.
type BundleCmd struct {
	Platform string `arg:"" help:"Platform to build"`
	Output   string `short:"o" name:"output" help:"Output directory (defaults to <root>/<out_dir>/<platform>)"`
	Minify   bool   `help:"Minify the bundle"`
	Prod     bool   `help:"Production build (__DEV__ is false)"`
}

func (b *BundleCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}
	if !slices.Contains(cfg.Project.Platforms, b.Platform) {
		return ferrors.PlatformError("unknown platform").
			WithContext("platform", b.Platform).
			WithContext("platforms", cfg.Project.Platforms).
			UserAction().
			Build()
	}

	bn, err := bundler.New(b.bundlerConfig(cfg), nil, g.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = bn.Close() }()

	res := bn.Compile(b.Platform)
	for _, w := range res.Stats.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if res.Err != nil {
		for _, e := range res.Stats.Errors {
			fmt.Fprintln(os.Stderr, "error:", e)
		}
		return res.Err
	}

	out := b.outputDir(cfg)
	for _, a := range res.Assets {
		dst := filepath.Join(out, filepath.FromSlash(a.Filename))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create output directory").
				WithContext("path", filepath.Dir(dst)).
				Build()
		}
		if err := os.WriteFile(dst, a.Contents, 0o644); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write bundle output").
				WithContext("path", dst).
				Build()
		}
		fmt.Printf("%-40s %s\n", a.Filename, humanize.Bytes(uint64(len(a.Contents))))
	}
	g.Logger.Info("Bundle written",
		logfields.Platform(b.Platform),
		logfields.Hash(res.Stats.Hash),
		logfields.Path(out),
		logfields.Duration(time.Duration(res.Stats.Time)*time.Millisecond))
	return nil
}

func (b *BundleCmd) bundlerConfig(cfg *config.Config) bundler.Config {
	return bundler.Config{
		Root:   cfg.Project.Root,
		Entry:  cfg.Project.Entry,
		OutDir: cfg.Project.OutDir,
		Dev:    cfg.Project.Dev && !b.Prod,
		Minify: cfg.Project.Minify || b.Minify,
		Define: cfg.Project.Define,
	}
}

func (b *BundleCmd) outputDir(cfg *config.Config) string {
	if b.Output != "" {
		return b.Output
	}
	return filepath.Join(cfg.Project.Root, cfg.Project.OutDir, b.Platform)
}
