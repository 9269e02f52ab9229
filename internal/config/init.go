package config

import (
	"os"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

const example = `# packd configuration
server:
  host: localhost
  port: 8081
  request_timeout: 2m
  metrics: true

project:
  root: .
  entry: index.js
  out_dir: dist
  platforms: [ios, android]
  dev: true
  minify: false
  source_cache_size: 256

watch:
  enabled: true
  debounce: 100ms
  ignore:
    - "*.log"
    - coverage

hmr:
  queue_size: 16
  ping_interval: 30s
  idle_timeout: 90s
  sweep_interval: 1m

history:
  enabled: true
  dsn: ":memory:"   # or a file such as .packd/history.db
  retention: 24h
  prune_interval: 10m

events:
  nats_url: "${PACKD_NATS_URL}"
  subject_prefix: packd
  kv_bucket: ""

logging:
  level: info
  format: text
`

// Init writes an example configuration file to path.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return ferrors.ConfigError("configuration file already exists (use --force to overwrite)").
			WithContext("path", path).
			UserAction().
			Build()
	}
	if err := os.WriteFile(path, []byte(example), 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write configuration file").
			WithContext("path", path).
			Build()
	}
	return nil
}
