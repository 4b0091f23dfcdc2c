// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed configuration store with snapshot reads and reload propagation,
// plus YAML file loading.

package control

import (
	"os"
	"slices"
	"sync"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

// ConfigStore holds the current value of a config type and notifies
// listeners when it is replaced.
type ConfigStore[T any] struct {
	mu        sync.RWMutex
	config    T
	listeners []func(T)
}

// NewConfigStore initializes a store with the given value.
func NewConfigStore[T any](initial T) *ConfigStore[T] {
	return &ConfigStore[T]{config: initial}
}

// GetSnapshot returns a copy of the current value.
func (cs *ConfigStore[T]) GetSnapshot() T {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// SetConfig replaces the value and runs every listener synchronously
// with the new snapshot.
func (cs *ConfigStore[T]) SetConfig(cfg T) {
	cs.mu.Lock()
	cs.config = cfg
	listeners := slices.Clone(cs.listeners)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore[T]) OnReload(fn func(T)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// LoadFile decodes the YAML document at path into dst. Fields absent from
// the file keep the values dst already holds.
func LoadFile(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config").With("path", path)
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return errors.Wrap(err, "decode config").With("path", path)
	}
	return nil
}
