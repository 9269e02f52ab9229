package bundler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return root
}

func findAsset(assets []bundle.Asset, name string) (bundle.Asset, bool) {
	for _, a := range assets {
		if a.Filename == name {
			return a, true
		}
	}
	return bundle.Asset{}, false
}

func TestCompile_PlatformSpecificResolution(t *testing.T) {
	root := writeProject(t, map[string]string{
		"index.js":             "import { label } from './src/Label';\nconsole.log(label, __PLATFORM__, __DEV__);\n",
		"src/Label.ios.js":     "export const label = 'cupertino';\n",
		"src/Label.android.js": "export const label = 'mountain-view';\n",
		"src/Label.js":         "export const label = 'generic';\n",
	})
	b, err := New(Config{Root: root, Entry: "index.js", Dev: true}, nil, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	ios := b.Compile("ios")
	require.NoError(t, ios.Err)
	code, ok := findAsset(ios.Assets, "index.bundle")
	require.True(t, ok, "assets: %v", ios.Assets)
	assert.Contains(t, string(code.Contents), "cupertino")
	assert.NotContains(t, string(code.Contents), "mountain-view")
	assert.Contains(t, string(code.Contents), `"ios"`)
	assert.Contains(t, string(code.Contents), "sourceMappingURL=index.bundle.map")

	_, ok = findAsset(ios.Assets, "index.bundle.map")
	assert.True(t, ok)

	assert.Equal(t, "ios", ios.Stats.Name)
	assert.Len(t, ios.Stats.Hash, 20)
	assert.Equal(t, map[string]string{"0": "./index.js", "1": "./src/Label.ios.js"}, ios.Stats.Modules)
	assert.Empty(t, ios.Stats.Errors)

	android := b.Compile("android")
	require.NoError(t, android.Err)
	code, _ = findAsset(android.Assets, "index.bundle")
	assert.Contains(t, string(code.Contents), "mountain-view")
	assert.NotEqual(t, ios.Stats.Hash, android.Stats.Hash)

	web := b.Compile("web")
	require.NoError(t, web.Err)
	code, _ = findAsset(web.Assets, "index.bundle")
	assert.Contains(t, string(code.Contents), "generic")
}

func TestCompile_RebuildPicksUpChanges(t *testing.T) {
	root := writeProject(t, map[string]string{"index.js": "console.log('one');\n"})
	b, err := New(Config{Root: root, Entry: "index.js"}, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	first := b.Compile("ios")
	require.NoError(t, first.Err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "index.js"), []byte("console.log('two');\n"), 0o600))
	second := b.Compile("ios")
	require.NoError(t, second.Err)

	assert.NotEqual(t, first.Stats.Hash, second.Stats.Hash)
	code, _ := findAsset(second.Assets, "index.bundle")
	assert.Contains(t, string(code.Contents), "two")
}

func TestCompile_SyntaxErrorIsReported(t *testing.T) {
	root := writeProject(t, map[string]string{"index.js": "const = ;\n"})
	b, err := New(Config{Root: root, Entry: "index.js"}, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	res := b.Compile("ios")
	require.Error(t, res.Err)
	assert.True(t, ferrors.HasCategory(res.Err, ferrors.CategoryCompile))
	require.NotEmpty(t, res.Stats.Errors)
	assert.True(t, strings.HasPrefix(res.Stats.Errors[0], "index.js:1:"), res.Stats.Errors[0])
	assert.Empty(t, res.Assets)
}

func TestBuild_PublishesLifecycleEvents(t *testing.T) {
	root := writeProject(t, map[string]string{"index.js": "console.log(1);\n"})
	bus := events.NewBus()
	defer bus.Close()
	ch, unsubscribe := events.Subscribe[events.Lifecycle](bus, 4)
	defer unsubscribe()

	b, err := New(Config{Root: root, Entry: "index.js"}, bus, nil)
	require.NoError(t, err)

	require.NoError(t, b.Build(context.Background(), orchestrator.BuildRequest{Platform: "ios", Generation: 3}))

	recv := func() events.Lifecycle {
		select {
		case e := <-ch:
			return e
		case <-time.After(10 * time.Second):
			t.Fatal("no lifecycle event")
		}
		return nil
	}
	started, ok := recv().(events.BuildStarted)
	require.True(t, ok)
	assert.Equal(t, uint64(3), started.Generation)

	done, ok := recv().(events.BuildDone)
	require.True(t, ok)
	assert.Equal(t, "ios", done.Platform)
	assert.Equal(t, uint64(3), done.Generation)
	require.NoError(t, done.Result.Err)

	require.NoError(t, b.Close())
	err = b.Build(context.Background(), orchestrator.BuildRequest{Platform: "ios"})
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryClosed))
}

func TestNew_RequiresEntry(t *testing.T) {
	_, err := New(Config{Root: t.TempDir()}, nil, nil)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestResolveExtensions(t *testing.T) {
	exts := ResolveExtensions("ios")
	assert.Equal(t, ".ios.tsx", exts[0])
	assert.Less(t, indexOf(exts, ".ios.js"), indexOf(exts, ".native.js"))
	assert.Less(t, indexOf(exts, ".native.js"), indexOf(exts, ".js"))
	assert.Contains(t, exts, ".json")
	assert.NotContains(t, exts, ".ios.json")
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestFormatMessages(t *testing.T) {
	got := formatMessages([]api.Message{
		{Text: "Expected identifier", Location: &api.Location{File: "src/a.js", Line: 3, Column: 7}},
		{Text: "no location"},
	})
	assert.Equal(t, []string{"src/a.js:3:7: Expected identifier", "no location"}, got)
}

func TestModulesFromMetafile(t *testing.T) {
	raw := `{"inputs":{"src/b.js":{"bytes":1},"index.js":{"bytes":2},"../shared/x.js":{"bytes":3}}}`
	assert.Equal(t, map[string]string{
		"0": "../shared/x.js",
		"1": "./index.js",
		"2": "./src/b.js",
	}, modulesFromMetafile(raw))
	assert.Empty(t, modulesFromMetafile(""))
	assert.Empty(t, modulesFromMetafile("not json"))
}
