package daemon

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.js"),
		[]byte("import { name } from './platform';\nconsole.log(name);\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "platform.ios.js"),
		[]byte("export const name = 'ios-only';\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "platform.js"),
		[]byte("export const name = 'generic';\n"), 0o600))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Project.Root = root
	cfg.Watch.Debounce = 20 * time.Millisecond
	return cfg
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestDaemon_ServesPlatformBundles(t *testing.T) {
	d, err := New(testConfig(t), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, d.GetStatus())

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	assert.Equal(t, StatusRunning, d.GetStatus())

	base := "http://" + d.Addr()
	code, body := fetch(t, base+"/index.bundle?platform=ios")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, "ios-only")

	code, body = fetch(t, base+"/index.bundle?platform=android")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, "generic")
	assert.NotContains(t, body, "ios-only")

	require.Eventually(t, func() bool {
		_, history := fetch(t, base+"/api/ios/builds")
		return strings.Contains(history, `"status":"success"`)
	}, 5*time.Second, 20*time.Millisecond)

	code, _ = fetch(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestDaemon_RebuildsAfterFileChange(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	base := "http://" + d.Addr()
	_, body := fetch(t, base+"/index.bundle?platform=android")
	require.Contains(t, body, "generic")

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Project.Root, "platform.js"),
		[]byte("export const name = 'changed';\n"), 0o600))

	require.Eventually(t, func() bool {
		st, err := d.Orchestrator().State("android")
		return err == nil && st.Status == "invalidated"
	}, 5*time.Second, 20*time.Millisecond)

	_, body = fetch(t, base+"/index.bundle?platform=android")
	assert.Contains(t, body, "changed")
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, StatusStopped, d.GetStatus())

	err = d.Start(context.Background())
	require.Error(t, err, "a stopped daemon cannot be restarted")
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	d, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 5*time.Second) }()

	require.Eventually(t, func() bool { return d.GetStatus() == StatusRunning }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StatusStopped, d.GetStatus())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.Project.Entry = ""
	_, err = New(cfg, nil)
	require.Error(t, err)
}
