// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device backend needs to implement to hold the parameters
// of an inference graph: allocation of device memory, and transfers between host and device memory.
//
// Exactly one backend is active for an analysis run. Backends register themselves (usually in the
// `init()` of their package) with Register, and the active one is selected by a configuration
// string at startup, see New and NewWithConfig.
//
// A backend serves exactly one kind of place (see Backend.Kind): the "host" backend serves only
// host memory, and represents a build without accelerators.
package backends

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a device backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "sim" for the simulated device backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Kind of places served by this backend. places.Host means no accelerator is available.
	Kind() places.Kind

	// NumDevices return the number of devices available for this Backend.
	NumDevices() int

	// Capabilities returns the optional features supported by the backend.
	Capabilities() Capabilities

	// DataInterface is the sub-interface that defines the API to allocate and transfer buffers.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()

	// IsFinalized returns true if the backend is finalized.
	IsFinalized() bool
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
// It panics if a backend with the same name was already registered.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "sim") and
// "<backend_configuration>" is backend specific (e.g.: for the "sim" backend "gpu,devices=2").
const ConfigEnvVar = "GOMLX_DEVICE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOMLX_DEVICE_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "sim") and
// "<backend_configuration>" is backend specific.
//
// If config has no ":", the whole string is taken as the backend name, or, if it is empty,
// the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered device backends -- maybe import the default ones with ` +
			`import _ "github.com/gomlx/inference/backends/default"?`)
	}
	backendName := firstRegistered
	var backendConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}

// MustNewWithConfig is like NewWithConfig, but panics on error.
func MustNewWithConfig(config string) Backend {
	backend, err := NewWithConfig(config)
	if err != nil {
		panic(err)
	}
	return backend
}

// CheckPlace returns an error wrapping ErrUnsupportedPlace if the backend can't hold buffers on the given place.
//
// Host places are always accepted, since host memory doesn't require a backend.
func CheckPlace(backend Backend, place places.Place) error {
	if err := place.Validate(); err != nil {
		return errors.Wrapf(ErrUnsupportedPlace, "%v", err)
	}
	if place.IsHost() {
		return nil
	}
	if backend == nil {
		return errors.Wrapf(ErrUnsupportedPlace, "no device backend configured for place %s", place)
	}
	if backend.IsFinalized() {
		return errors.Wrapf(ErrUnsupportedPlace, "backend %q already finalized, can't use it for place %s", backend.Name(), place)
	}
	if backend.Kind() != place.Kind {
		return errors.Wrapf(ErrUnsupportedPlace, "backend %q serves %s places, it can't hold buffers on %s",
			backend.Name(), backend.Kind(), place)
	}
	if place.Index >= backend.NumDevices() {
		return errors.Wrapf(ErrUnsupportedPlace, "backend %q has %d device(s), place %s is out of range",
			backend.Name(), backend.NumDevices(), place)
	}
	return nil
}
