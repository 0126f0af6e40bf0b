package permission

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

// ConsentStore is a YAML file mapping permission key to granted|denied:
//
//	screenRecording: granted
//	accessibility: granted
//	bluetooth: denied
type ConsentStore struct {
	Path string
	mu   sync.Mutex
}

// Load reads the store. A missing file is an empty store.
func (s *ConsentStore) Load() (map[string]types.PermissionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ConsentStore) load() (map[string]types.PermissionStatus, error) {
	out := map[string]types.PermissionStatus{}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read consent file: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse consent file %s: %w", s.Path, err)
	}
	return out, nil
}

// Set records a decision, replacing the file atomically.
func (s *ConsentStore) Set(key string, status types.PermissionStatus) error {
	if status != types.PermissionGranted && status != types.PermissionDenied {
		return fmt.Errorf("permission: consent must be granted or denied, got %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}
	current[key] = status
	data, err := yaml.Marshal(current)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// SettingsOpener shows the OS settings surface for a panel. It must not
// wait for the user.
type SettingsOpener func(ctx context.Context, panel string) error

// ExecOpener launches the desktop settings app for panel and returns once
// it has started.
func ExecOpener(ctx context.Context, panel string) error {
	candidates := [][]string{
		{"gnome-control-center", panel},
		{"systemsettings", panel},
		{"xdg-open", "settings://" + panel},
	}
	var lastErr error
	for _, argv := range candidates {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		if err := cmd.Start(); err != nil {
			lastErr = err
			continue
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
	return fmt.Errorf("open settings panel %q: %w", panel, lastErr)
}

// ConsentProbe answers from a ConsentStore. A key absent from the store is
// denied.
type ConsentProbe struct {
	Key    string
	Panel  string
	Store  *ConsentStore
	Opener SettingsOpener
}

// Check implements Probe.
func (p *ConsentProbe) Check(ctx context.Context) (types.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.PermissionUnknown, err
	}
	decisions, err := p.Store.Load()
	if err != nil {
		return types.PermissionUnknown, err
	}
	status, ok := decisions[p.Key]
	if !ok {
		return types.PermissionDenied, nil
	}
	return status, nil
}

// Request opens the settings panel and reports whether consent is already
// on record.
func (p *ConsentProbe) Request(ctx context.Context) (bool, error) {
	if p.Opener != nil && p.Panel != "" {
		if err := p.Opener(ctx, p.Panel); err != nil {
			log.Warn("could not open settings panel", "permission", p.Key, "error", err)
		}
	}
	status, err := p.Check(ctx)
	if err != nil {
		return false, err
	}
	return status == types.PermissionGranted, nil
}

// DefaultDefinitions are the four permissions the built-in workers depend
// on. required overrides the Required flag per key.
func DefaultDefinitions(store *ConsentStore, opener SettingsOpener, required map[string]bool) []Definition {
	probe := func(key, panel string) Probe {
		return &ConsentProbe{Key: key, Panel: panel, Store: store, Opener: opener}
	}
	defs := []Definition{
		{
			Key:              ScreenRecording,
			DisplayName:      "Screen Recording",
			Required:         true,
			DependentWorkers: []string{types.WorkerScreenWatch},
			Probe:            probe(ScreenRecording, "privacy"),
		},
		{
			Key:              Accessibility,
			DisplayName:      "Accessibility",
			Required:         true,
			DependentWorkers: []string{types.WorkerFocusWatch, types.WorkerProcessWatch},
			Probe:            probe(Accessibility, "universal-access"),
		},
		{
			Key:              Bluetooth,
			DisplayName:      "Bluetooth",
			DependentWorkers: []string{types.WorkerDeviceWatch},
			Probe:            probe(Bluetooth, "bluetooth"),
		},
		{
			Key:              Notifications,
			DisplayName:      "Notifications",
			DependentWorkers: []string{types.WorkerNotificationBlocker},
			Probe:            probe(Notifications, "notifications"),
		},
	}
	for i := range defs {
		if v, ok := required[defs[i].Key]; ok {
			defs[i].Required = v
		}
	}
	return defs
}
