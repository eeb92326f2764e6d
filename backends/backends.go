// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the kernel-dispatch interface an accelerator backend implements to run dataflow graphs:
// device memory, kernel compilation from source, an asynchronous command queue and completion events.
//
// Backends register themselves (usually in an init function) with Register, and are created with New or
// NewWithConfig. The default backends can be included with:
//
//	import _ "github.com/gomlx/dataflow/backends/default"
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer or executes a kernel.
// It should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a dataflow backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the portable CPU backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Open returns the execution queue of the given device.
	// Each call returns an independent queue, with its own memory and kernels.
	Open(deviceNum DeviceNum) (Device, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the name of the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the "go" backend, "delay=5ms;parallelism=4").
const ConfigEnvVar = "DATAFLOW_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment $DATAFLOW_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew returns a new default Backend or panics if it fails.
//
// See New for details.
func MustNew() Backend {
	b, err := New()
	if err != nil {
		exceptions.Panicf("backends.MustNew(): %+v", err)
	}
	return b
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// A configuration without ":" is taken as the backend name if such a backend is registered, otherwise
// as the configuration of the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends for dataflow -- maybe import the default ones with import _ "github.com/gomlx/dataflow/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends are %q",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
