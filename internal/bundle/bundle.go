// Package bundle holds the data shared between the bundler engine, the
// build orchestrator and the HMR notifier: compiled assets and the compact
// compilation stats snapshot.
package bundle

import (
	"path"
	"strings"
)

// Stats is the compact metadata of one compilation. Its JSON form is the
// HMR body sent to clients and the payload of the stats endpoint, so field
// order and names are part of the wire contract.
type Stats struct {
	Name     string            `json:"name"`
	Time     int64             `json:"time"`
	Hash     string            `json:"hash"`
	Warnings []string          `json:"warnings"`
	Errors   []string          `json:"errors"`
	Modules  map[string]string `json:"modules"`
}

// Normalized returns a copy whose slices and map are non-nil, so the JSON
// encoding yields [] and {} instead of null.
func (s Stats) Normalized() Stats {
	out := s
	out.Warnings = append([]string{}, s.Warnings...)
	out.Errors = append([]string{}, s.Errors...)
	out.Modules = make(map[string]string, len(s.Modules))
	for id, name := range s.Modules {
		out.Modules[id] = name
	}
	return out
}

// HasErrors reports whether the compilation produced errors.
func (s *Stats) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}

// Asset is one compiled output file.
type Asset struct {
	Filename string
	Contents []byte
}

// Result is the outcome of a single build of one platform. Err is set when
// the build failed; Stats is still populated so clients can show the errors.
type Result struct {
	Stats  Stats
	Assets []Asset
	Err    error
}

// NormalizeFilename strips leading slashes and "./" and cleans the path so
// that "/index.bundle", "./index.bundle" and "index.bundle" share one key.
func NormalizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	cleaned := path.Clean(name)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "." {
		return ""
	}
	return cleaned
}
