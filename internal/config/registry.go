package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/repemul/repemul/pkg/audio"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// DeviceFactory builds an unopened [audio.Device] from the audio section.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// Registry maps device backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// DefaultRegistry returns a registry with the built-in synthetic backends,
// "tone" and "silence", registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDevice("tone", func(a AudioConfig) (audio.Device, error) {
		return audio.NewToneDevice(a.StreamFormat(), audio.SynthOptions{
			Frequency: a.ToneHz,
			Amplitude: a.Amplitude,
			Realtime:  a.IsRealtime(),
		}), nil
	})
	r.RegisterDevice("silence", func(a AudioConfig) (audio.Device, error) {
		return audio.NewSilenceDevice(a.StreamFormat(), audio.SynthOptions{
			Realtime: a.IsRealtime(),
		}), nil
	})
	return r
}

// RegisterDevice registers a device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice builds the device named by a.Device.
func (r *Registry) CreateDevice(a AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[a.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrDeviceNotRegistered, a.Device, r.DeviceNames())
	}
	dev, err := factory(a)
	if err != nil {
		return nil, fmt.Errorf("config: create device %q: %w", a.Device, err)
	}
	return dev, nil
}

// DeviceNames returns the registered device names in sorted order.
func (r *Registry) DeviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
