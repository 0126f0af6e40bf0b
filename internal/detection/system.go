package detection

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/fsnotify/fsnotify"
)

var log = logging.Logger()

// SystemConfig points the system provider at its data sources. Paths are
// configurable so tests can use a fake root.
type SystemConfig struct {
	ProcRoot     string // default /proc
	SysRoot      string // default /sys
	DevInputPath string // default /dev/input
	CaptureApps  []string
}

// DefaultCaptureApps are process names treated as screen capture or
// remote-control sessions.
var DefaultCaptureApps = []string{
	"obs", "obs-studio", "simplescreenrecorder", "kazam", "vokoscreen",
	"anydesk", "teamviewer", "x11vnc", "vncserver", "rustdesk",
	"zoom", "teams", "discord", "ffmpeg",
}

var remoteControlApps = map[string]bool{
	"anydesk": true, "teamviewer": true, "x11vnc": true, "vncserver": true, "rustdesk": true,
}

// System reads process, VM and device state from procfs/sysfs. Clipboard,
// notification and focus capabilities are not implemented; workers for
// those concerns run in fallback mode.
type System struct {
	cfg SystemConfig

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	attached []string
	closed   bool
}

// NewSystem returns a provider with defaults filled in.
func NewSystem(cfg SystemConfig) *System {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = "/sys"
	}
	if cfg.DevInputPath == "" {
		cfg.DevInputPath = "/dev/input"
	}
	if len(cfg.CaptureApps) == 0 {
		cfg.CaptureApps = DefaultCaptureApps
	}
	return &System{cfg: cfg}
}

// LoadSystem is a Loader for the system provider.
func LoadSystem(cfg SystemConfig) Loader {
	return func(ctx context.Context) (Provider, error) {
		s := NewSystem(cfg)
		if _, err := os.Stat(s.cfg.ProcRoot); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Lookup implements Provider.
func (s *System) Lookup(c Capability) (QueryFunc, bool) {
	switch c {
	case CapProcessSnapshot:
		return s.processSnapshot, true
	case CapVMDetect:
		return s.vmDetect, true
	case CapScreenSessions:
		return s.screenSessions, true
	case CapDeviceList:
		return s.deviceList, true
	case CapDeviceWatch:
		return s.deviceWatch, true
	}
	return nil, false
}

// ProcessInfo is one entry of a process snapshot.
type ProcessInfo struct {
	PID  int
	Name string
}

// Processes lists running processes from procfs.
func (s *System) Processes() ([]ProcessInfo, error) {
	entries, err := os.ReadDir(s.cfg.ProcRoot)
	if err != nil {
		return nil, err
	}
	var procs []ProcessInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(s.cfg.ProcRoot, e.Name(), "comm"))
		if err != nil {
			// Process exited between ReadDir and ReadFile.
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Name: strings.TrimSpace(string(comm))})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func (s *System) processSnapshot(ctx context.Context) (map[string]any, error) {
	procs, err := s.Processes()
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(procs))
	for _, p := range procs {
		list = append(list, map[string]any{"pid": p.PID, "name": p.Name})
	}
	return map[string]any{"processes": list, "count": len(list)}, nil
}

func (s *System) vmDetect(ctx context.Context) (map[string]any, error) {
	var indicators []any
	vendor := ""

	for _, name := range []string{"sys_vendor", "product_name", "board_vendor"} {
		data, err := os.ReadFile(filepath.Join(s.cfg.SysRoot, "class", "dmi", "id", name))
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(data))
		if v := vmVendor(value); v != "" {
			vendor = v
			indicators = append(indicators, "dmi:"+name+"="+value)
		}
	}

	if f, err := os.Open(filepath.Join(s.cfg.ProcRoot, "cpuinfo")); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "flags") && strings.Contains(line, " hypervisor") {
				indicators = append(indicators, "cpuinfo:hypervisor")
				break
			}
		}
		f.Close()
	}

	return map[string]any{
		"is_vm":      len(indicators) > 0,
		"vendor":     vendor,
		"indicators": indicators,
	}, nil
}

func vmVendor(value string) string {
	lower := strings.ToLower(value)
	for _, known := range []string{"vmware", "virtualbox", "qemu", "kvm", "xen", "parallels", "hyper-v", "bochs", "innotek"} {
		if strings.Contains(lower, known) {
			return known
		}
	}
	if strings.Contains(lower, "microsoft corporation") && strings.Contains(lower, "virtual") {
		return "hyper-v"
	}
	return ""
}

func (s *System) screenSessions(ctx context.Context) (map[string]any, error) {
	procs, err := s.Processes()
	if err != nil {
		return nil, err
	}
	watch := make(map[string]bool, len(s.cfg.CaptureApps))
	for _, name := range s.cfg.CaptureApps {
		watch[strings.ToLower(name)] = true
	}

	var apps []any
	remote := false
	for _, p := range procs {
		name := strings.ToLower(p.Name)
		if !watch[name] {
			continue
		}
		apps = append(apps, map[string]any{"pid": p.PID, "name": p.Name})
		if remoteControlApps[name] {
			remote = true
		}
	}

	threat := 0
	switch {
	case remote:
		threat = 4
	case len(apps) > 1:
		threat = 3
	case len(apps) == 1:
		threat = 2
	}
	return map[string]any{
		"is_capturing": len(apps) > 0,
		"sessions":     len(apps),
		"threat_level": threat,
		"apps":         apps,
	}, nil
}

func (s *System) deviceList(ctx context.Context) (map[string]any, error) {
	var connected []any

	inputs, _ := filepath.Glob(filepath.Join(s.cfg.SysRoot, "class", "input", "input*", "name"))
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		// Built-in keyboards and buttons hang off platform buses; anything
		// under a usb node was plugged in.
		resolved, _ := filepath.EvalSymlinks(filepath.Dir(path))
		connected = append(connected, map[string]any{
			"name":     strings.TrimSpace(string(data)),
			"category": "input",
			"external": strings.Contains(resolved, "/usb"),
		})
	}

	if f, err := os.Open(filepath.Join(s.cfg.ProcRoot, "asound", "cards")); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if idx := strings.Index(line, " - "); idx > 0 {
				connected = append(connected, map[string]any{
					"name":     strings.TrimSpace(line[idx+3:]),
					"category": "audio",
					"external": strings.Contains(strings.ToLower(line), "usb"),
				})
			}
		}
		f.Close()
	}

	adapters, _ := os.ReadDir(filepath.Join(s.cfg.SysRoot, "class", "bluetooth"))
	return map[string]any{
		"connected":          connected,
		"bluetooth_adapters": len(adapters),
	}, nil
}

// deviceWatch reports device nodes created since the previous call. The
// fsnotify watcher is started on first use and released by Close.
func (s *System) deviceWatch(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil && !s.closed {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := w.Add(s.cfg.DevInputPath); err != nil {
			_ = w.Close()
			return nil, err
		}
		s.watcher = w
		go s.watchLoop(w)
	}

	attached := make([]any, 0, len(s.attached))
	for _, name := range s.attached {
		attached = append(attached, name)
	}
	s.attached = s.attached[:0]
	return map[string]any{"attached": attached}, nil
}

func (s *System) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				s.mu.Lock()
				s.attached = append(s.attached, filepath.Base(event.Name))
				s.mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("device watcher error", "error", err)
		}
	}
}

// Close stops the device watcher. Safe to call more than once.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
