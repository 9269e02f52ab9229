package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PACKD_"

var envFiles = []string{".env", ".env.local"}

// loadEnvFiles loads the first .env file found. Variables already set in
// the process environment win.
func loadEnvFiles() {
	for _, name := range envFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			slog.Warn("Failed to load env file", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		slog.Debug("Loaded environment file", slog.String("file", name))
		return
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays PACKD_* variables on cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	str("HOST", &cfg.Server.Host)
	str("ROOT", &cfg.Project.Root)
	str("ENTRY", &cfg.Project.Entry)
	str("OUT_DIR", &cfg.Project.OutDir)
	str("HISTORY_DSN", &cfg.History.DSN)
	str("NATS_URL", &cfg.Events.NATSURL)

	if v, ok := lookup(EnvPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return envError("PORT", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(EnvPrefix + "REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("REQUEST_TIMEOUT", v, err)
		}
		cfg.Server.RequestTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "PLATFORMS"); ok && v != "" {
		cfg.Project.Platforms = SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = LogLevel(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_FORMAT"); ok && v != "" {
		cfg.Logging.Format = LogFormat(v)
	}
	return nil
}

func envError(key, value string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid environment override").
		WithContext("variable", EnvPrefix+key).
		WithContext("value", value).
		UserAction().
		Build()
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
