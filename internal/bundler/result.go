package bundler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"git.home.luguber.info/inful/packd/internal/bundle"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// metafile is the part of esbuild's metafile JSON the stats need.
type metafile struct {
	Inputs map[string]struct {
		Bytes int `json:"bytes"`
	} `json:"inputs"`
}

// convertResult turns an esbuild result into the orchestrator's build
// result. outDir is stripped from output paths to get asset filenames.
func convertResult(platform string, res api.BuildResult, outDir string, elapsed time.Duration) bundle.Result {
	stats := bundle.Stats{
		Name:     platform,
		Time:     elapsed.Milliseconds(),
		Warnings: formatMessages(res.Warnings),
		Errors:   formatMessages(res.Errors),
		Modules:  modulesFromMetafile(res.Metafile),
	}

	if len(res.Errors) > 0 {
		return bundle.Result{
			Stats: stats.Normalized(),
			Err: ferrors.CompileError(res.Errors[0].Text).
				WithContext("platform", platform).
				WithContext("errors", len(res.Errors)).
				Build(),
		}
	}

	assets := make([]bundle.Asset, 0, len(res.OutputFiles))
	for _, f := range res.OutputFiles {
		name, err := filepath.Rel(outDir, f.Path)
		if err != nil || strings.HasPrefix(name, "..") {
			name = filepath.Base(f.Path)
		}
		assets = append(assets, bundle.Asset{Filename: filepath.ToSlash(name), Contents: f.Contents})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Filename < assets[j].Filename })
	stats.Hash = hashAssets(assets)

	return bundle.Result{Stats: stats.Normalized(), Assets: assets}
}

// modulesFromMetafile numbers the bundle inputs in path order.
func modulesFromMetafile(raw string) map[string]string {
	modules := map[string]string{}
	if raw == "" {
		return modules
	}
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return modules
	}
	paths := make([]string, 0, len(meta.Inputs))
	for p := range meta.Inputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i, p := range paths {
		if !strings.HasPrefix(p, ".") && !strings.HasPrefix(p, "/") && !strings.Contains(p, ":") {
			p = "./" + p
		}
		modules[strconv.Itoa(i)] = p
	}
	return modules
}

func hashAssets(assets []bundle.Asset) string {
	h := sha256.New()
	for _, a := range assets {
		h.Write([]byte(a.Filename))
		h.Write([]byte{0})
		h.Write(a.Contents)
	}
	return hex.EncodeToString(h.Sum(nil))[:20]
}

// formatMessages renders esbuild messages as "file:line:col: text".
func formatMessages(msgs []api.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location == nil {
			out = append(out, m.Text)
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
	}
	return out
}
