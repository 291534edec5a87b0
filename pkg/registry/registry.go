package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumen-protocol/lumen-go/pkg/connection"
	"github.com/lumen-protocol/lumen-go/pkg/discovery"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// FileVersion is the current version of the registry file format.
const FileVersion = 1

var (
	// ErrDeviceNotFound indicates the requested serial has no registry entry.
	ErrDeviceNotFound = errors.New("device not found in registry")

	// ErrNoAddress indicates the registry entry has no stored IP address.
	ErrNoAddress = errors.New("device has no stored address")
)

// Registry is the saved set of known devices and tool preferences.
type Registry struct {
	// Version is the registry file format version.
	Version int `yaml:"version"`

	// SavedAt is when the registry was last saved.
	SavedAt time.Time `yaml:"saved_at,omitempty"`

	// Preferences holds tool-wide request defaults.
	Preferences Preferences `yaml:"preferences,omitempty"`

	// Devices contains the known devices, keyed by serial string.
	Devices map[string]*Device `yaml:"devices,omitempty"`
}

// Device is a single known device.
type Device struct {
	// Serial is the device serial in hex form.
	Serial string `yaml:"serial"`

	// Label is the user-facing device name.
	Label string `yaml:"label,omitempty"`

	// IP is the last address the device answered from.
	IP string `yaml:"ip,omitempty"`

	// Port is the control port the device announced.
	Port int `yaml:"port,omitempty"`

	// LastSeen is when the device last answered a scan.
	LastSeen time.Time `yaml:"last_seen,omitempty"`

	// Timeout overrides the per-attempt reply timeout for this device.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries overrides the request attempt budget for this device.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Preferences are tool-wide defaults applied when a device has no override.
type Preferences struct {
	// Timeout is the default per-attempt reply timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries is the default request attempt budget.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// DiscoveryTimeout bounds a scan's overall duration.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout,omitempty"`
}

// NewRegistry creates an empty registry with default preferences.
func NewRegistry() *Registry {
	return &Registry{
		Version: FileVersion,
		Preferences: Preferences{
			Timeout:          connection.DefaultRequestTimeout,
			MaxRetries:       connection.DefaultMaxRetries,
			DiscoveryTimeout: discovery.DefaultOverallTimeout,
		},
		Devices: make(map[string]*Device),
	}
}

// Device returns the entry for a serial, or nil if the serial is unknown.
func (r *Registry) Device(serial string) *Device {
	return r.Devices[serial]
}

// Merge upserts scan results into the registry. Addresses, ports and
// last-seen times are refreshed; labels and request overrides on existing
// entries are preserved. Returns the number of devices that were new.
func (r *Registry) Merge(devices []discovery.DiscoveredDevice) int {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}

	added := 0
	for _, found := range devices {
		key := found.Serial.String()
		entry, ok := r.Devices[key]
		if !ok {
			entry = &Device{Serial: key}
			r.Devices[key] = entry
			added++
		}
		entry.IP = found.IP.String()
		entry.Port = found.Port
		entry.LastSeen = found.FirstSeen
	}
	return added
}

// SetLabel stores a label for a known device.
func (r *Registry) SetLabel(serial, label string) error {
	entry := r.Devices[serial]
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	entry.Label = label
	return nil
}

// Sorted returns the known devices ordered by serial.
func (r *Registry) Sorted() []*Device {
	out := make([]*Device, 0, len(r.Devices))
	for _, d := range r.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Serial < out[j].Serial
	})
	return out
}

// ConnectionConfig builds the connection config for a known device,
// applying its overrides on top of the registry preferences.
func (r *Registry) ConnectionConfig(serial string) (connection.Config, error) {
	entry := r.Devices[serial]
	if entry == nil {
		return connection.Config{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}

	sn, err := wire.ParseSerial(entry.Serial)
	if err != nil {
		return connection.Config{}, fmt.Errorf("stored serial %q: %w", entry.Serial, err)
	}

	if entry.IP == "" {
		return connection.Config{}, fmt.Errorf("%w: %s", ErrNoAddress, serial)
	}
	ip := net.ParseIP(entry.IP)
	if ip == nil {
		return connection.Config{}, fmt.Errorf("stored address %q for %s is not an IP", entry.IP, serial)
	}

	cfg := connection.Config{
		Serial:     sn,
		IP:         ip,
		Port:       entry.Port,
		Timeout:    entry.Timeout,
		MaxRetries: entry.MaxRetries,
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = r.Preferences.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = r.Preferences.MaxRetries
	}
	return cfg, nil
}

// Store manages persistence of the registry to a YAML file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a registry store backed by the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the registry from disk.
// Returns a fresh empty registry if the file does not exist.
func (s *Store) Load() (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, err
	}

	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
	}

	// Hand-written files may omit the version stamp.
	if reg.Version == 0 {
		reg.Version = FileVersion
	}
	if reg.Version != FileVersion {
		return nil, fmt.Errorf("unsupported registry version %d in %s", reg.Version, s.path)
	}
	if reg.Devices == nil {
		reg.Devices = make(map[string]*Device)
	}
	return reg, nil
}

// Save persists the registry to disk. The file is written to a temporary
// path and renamed into place so a crash cannot leave a truncated registry.
func (s *Store) Save(reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	reg.Version = FileVersion
	reg.SavedAt = time.Now()

	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Clear removes the registry file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
