package config

import (
	"regexp"
	"strings"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// Platform names end up in bundle filenames and NATS subjects.
var platformName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// normalize canonicalizes enum and list fields in place.
func (c *Config) normalize() {
	if lvl, err := logLevels.Parse(string(c.Logging.Level)); err == nil {
		c.Logging.Level = lvl
	}
	if f, err := logFormats.Parse(string(c.Logging.Format)); err == nil {
		c.Logging.Format = f
	}
	platforms := make([]string, 0, len(c.Project.Platforms))
	for _, p := range c.Project.Platforms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			platforms = append(platforms, p)
		}
	}
	c.Project.Platforms = platforms
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if len(c.Project.Platforms) == 0 {
		return invalid("at least one platform is required", "project.platforms", nil)
	}
	seen := make(map[string]struct{}, len(c.Project.Platforms))
	for _, p := range c.Project.Platforms {
		if !platformName.MatchString(p) {
			return invalid("invalid platform name", "project.platforms", p)
		}
		if _, dup := seen[p]; dup {
			return invalid("duplicate platform", "project.platforms", p)
		}
		seen[p] = struct{}{}
	}
	if strings.TrimSpace(c.Project.Entry) == "" {
		return invalid("entry point is required", "project.entry", nil)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("port out of range", "server.port", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return invalid("request timeout must be positive", "server.request_timeout", c.Server.RequestTimeout.String())
	}
	if c.Watch.Debounce < 0 {
		return invalid("debounce cannot be negative", "watch.debounce", c.Watch.Debounce.String())
	}
	if c.HMR.QueueSize < 1 {
		return invalid("hmr queue size must be positive", "hmr.queue_size", c.HMR.QueueSize)
	}
	if c.HMR.PingInterval <= 0 {
		return invalid("hmr ping interval must be positive", "hmr.ping_interval", c.HMR.PingInterval.String())
	}
	if c.History.Enabled && (c.History.Retention <= 0 || c.History.PruneInterval <= 0) {
		return invalid("history retention and prune interval must be positive", "history", nil)
	}
	if _, err := logLevels.Parse(string(c.Logging.Level)); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid log level").
			WithContext("field", "logging.level").
			UserAction().
			Build()
	}
	if _, err := logFormats.Parse(string(c.Logging.Format)); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid log format").
			WithContext("field", "logging.format").
			UserAction().
			Build()
	}
	return nil
}

func invalid(msg, field string, value any) error {
	b := ferrors.ConfigError(msg).WithContext("field", field).UserAction()
	if value != nil {
		b = b.WithContext("value", value)
	}
	return b.Build()
}
