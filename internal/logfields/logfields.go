package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyPlatform   = "platform"
	KeyGeneration = "generation"
	KeyStatus     = "status"
	KeyFilename   = "filename"
	KeyHash       = "hash"
	KeyDurationMS = "duration_ms"
	KeyWaiters    = "waiters"
	KeyClientID   = "client_id"
	KeyClients    = "clients"
	KeyPath       = "path"
	KeyMethod     = "method"
	KeyRequestID  = "request_id"
	KeyRemoteAddr = "remote_addr"
	KeyUserAgent  = "user_agent"
	KeyHTTPStatus = "http_status"
	KeyJob        = "job"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Platform(p string) slog.Attr        { return slog.String(KeyPlatform, p) }
func Generation(g uint64) slog.Attr      { return slog.Uint64(KeyGeneration, g) }
func Status(s string) slog.Attr          { return slog.String(KeyStatus, s) }
func Filename(f string) slog.Attr        { return slog.String(KeyFilename, f) }
func Hash(h string) slog.Attr            { return slog.String(KeyHash, h) }
func Waiters(n int) slog.Attr            { return slog.Int(KeyWaiters, n) }
func ClientID(id string) slog.Attr       { return slog.String(KeyClientID, id) }
func Clients(n int) slog.Attr            { return slog.Int(KeyClients, n) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func RequestID(id string) slog.Attr      { return slog.String(KeyRequestID, id) }
func RemoteAddr(addr string) slog.Attr   { return slog.String(KeyRemoteAddr, addr) }
func UserAgent(ua string) slog.Attr      { return slog.String(KeyUserAgent, ua) }
func HTTPStatus(code int) slog.Attr      { return slog.Int(KeyHTTPStatus, code) }
func Job(name string) slog.Attr          { return slog.String(KeyJob, name) }
func Duration(d time.Duration) slog.Attr { return slog.Int64(KeyDurationMS, d.Milliseconds()) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
