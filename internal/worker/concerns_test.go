package worker

import (
	"context"
	"testing"

	"github.com/ChuLiYu/proctor-guard/internal/detection"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, key string, run Runner) Concern {
	t.Helper()
	c, err := Builtin(key, run)
	require.NoError(t, err)
	return c
}

func TestKeysCoverAllWorkers(t *testing.T) {
	assert.ElementsMatch(t, types.AllWorkers(), Keys())
	for _, key := range Keys() {
		c := build(t, key, nil)
		assert.NoError(t, c.validate(), key)
		assert.NotNil(t, c.Fallback, "%s needs a fallback", key)
	}
}

func TestProcessWatchFallback(t *testing.T) {
	ps := "    1 systemd\n   42 AnyDesk\n  300 bash\n  bogus line\n  512 teamviewer\n"
	c := build(t, types.WorkerProcessWatch, scripted(map[string]string{"ps": ps}))

	out, err := c.Fallback(context.Background(), c.Defaults.clone())
	require.NoError(t, err)
	assert.Equal(t, true, out["blacklisted_found"])
	assert.Equal(t, 4, out["process_count"])

	matches := out["matches"].([]any)
	require.Len(t, matches, 2)
	assert.Equal(t, map[string]any{"pid": 42, "name": "AnyDesk"}, matches[0])
}

func TestProcessWatchNative(t *testing.T) {
	c := build(t, types.WorkerProcessWatch, nil)
	provider := detection.Static{detection.CapProcessSnapshot: func(context.Context) (map[string]any, error) {
		return map[string]any{"processes": []any{
			map[string]any{"pid": 7, "name": "vim"},
			map[string]any{"pid": uint64(9), "name": "discord"},
		}}, nil
	}}
	bound, err := detection.Bind(provider, c.Required)
	require.NoError(t, err)

	out, err := c.Native(context.Background(), bound, Settings{"blacklist": []any{"discord"}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"pid": 9, "name": "discord"}}, out["matches"])

	out, err = c.Native(context.Background(), bound, Settings{"blacklist": []string{}})
	require.NoError(t, err)
	assert.Equal(t, false, out["blacklisted_found"])
}

func TestVMDetectFallback(t *testing.T) {
	c := build(t, types.WorkerVMDetect, scripted(map[string]string{"systemd-detect-virt": "oracle\n"}))
	out, err := c.Fallback(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["is_vm"])
	assert.Equal(t, "oracle", out["vendor"])

	c = build(t, types.WorkerVMDetect, scripted(nil))
	_, err = c.Fallback(context.Background(), nil)
	assert.Error(t, err, "missing helper is a pass failure, not a clean result")
}

func TestClipboardFallbackDetectsChange(t *testing.T) {
	content := "short"
	run := func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return []byte(content), nil
	}
	c := build(t, types.WorkerClipboardWatch, run)
	s := c.Defaults.clone()
	ctx := context.Background()

	first, err := c.Fallback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, false, first["changed"], "first observation is the baseline")
	assert.NotContains(t, first, "content")

	same, err := c.Fallback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, false, same["changed"])

	content = "different but short"
	changed, err := c.Fallback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, true, changed["changed"])
	assert.Equal(t, false, changed["suspicious"])

	s["privacy_mode"] = PrivacyStrict
	content = "another"
	strict, err := c.Fallback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, true, strict["suspicious"])

	s["privacy_mode"] = PrivacyOff
	off, err := c.Fallback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, PrivacyOff, off["privacy_mode"])
	assert.Equal(t, false, off["changed"])
}

func TestNotificationBlockerBaseline(t *testing.T) {
	value := "false"
	run := func(context.Context, string, ...string) ([]byte, error) { return []byte(value + "\n"), nil }
	c := build(t, types.WorkerNotificationBlocker, run)
	s := c.Defaults.clone()

	out, err := c.Fallback(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, false, out["user_changed_settings"])

	value = "true"
	out, err = c.Fallback(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, true, out["user_changed_settings"])
	assert.Equal(t, true, out["session_active"])

	require.NoError(t, c.Commands["set-session-active"](s, map[string]any{"active": false}))
	out, err = c.Fallback(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, false, out["session_active"])

	assert.Error(t, c.Commands["set-session-active"](s, map[string]any{"active": "yes"}))
}

func TestFocusWatch(t *testing.T) {
	c := build(t, types.WorkerFocusWatch, scripted(map[string]string{"xprintidle": "125000\n"}))
	s := c.Defaults.clone()

	out, err := c.Fallback(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 125, out["idle_seconds"])
	assert.Equal(t, 60, out["idle_threshold"])

	require.NoError(t, c.Commands["set-threshold"](s, map[string]any{"seconds": uint64(300)}))
	assert.Equal(t, 300, s.Int("idle_threshold", 0))
	assert.Error(t, c.Commands["set-threshold"](s, map[string]any{"seconds": -1}))

	provider := detection.Static{detection.CapFocusState: func(context.Context) (map[string]any, error) {
		return map[string]any{"focused": false, "idle_seconds": 3}, nil
	}}
	bound, err := detection.Bind(provider, c.Required)
	require.NoError(t, err)
	out, err = c.Native(context.Background(), bound, s)
	require.NoError(t, err)
	assert.Equal(t, true, out["focus_lost"])
}

func TestDeviceWatchFallback(t *testing.T) {
	out := "Device 00:11:22:33:44:55 WH-1000XM4\nDevice AA:BB\nnoise\n"
	c := build(t, types.WorkerDeviceWatch, scripted(map[string]string{"bluetoothctl": out}))

	payload, err := c.Fallback(context.Background(), nil)
	require.NoError(t, err)
	connected := payload["connected"].([]any)
	require.Len(t, connected, 1)
	dev := connected[0].(map[string]any)
	assert.Equal(t, "WH-1000XM4", dev["name"])
	assert.Equal(t, "bluetooth", dev["category"])
}

func TestScreenWatchFallbackCapsThreat(t *testing.T) {
	c := build(t, types.WorkerScreenWatch, scripted(map[string]string{"ps": "10 obs\n11 anydesk\n"}))
	out, err := c.Fallback(context.Background(), c.Defaults.clone())
	require.NoError(t, err)
	assert.Equal(t, 2, out["sessions"])
	assert.Equal(t, 2, out["threat_level"])
}
