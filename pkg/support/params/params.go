// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds named, typed, optional parameters with defaults, and parses user settings
// given as "name1=value1;name2=value2".
//
// It is used for the options of operators and benchmarks (e.g. "M=2048;N=512;parallel=false") and for
// backend configurations (e.g. "delay=5ms").
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Params is an ordered collection of named values.
//
// The type of each value is fixed by its default (the first Set), and later parsed settings are converted to it.
// The zero value is not usable, use New.
type Params struct {
	names  []string
	values map[string]any
}

// New returns an empty Params.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// Set the value of the parameter name. It returns itself, so calls can be cascaded.
func (p *Params) Set(name string, value any) *Params {
	if _, found := p.values[name]; !found {
		p.names = append(p.names, name)
	}
	p.values[name] = value
	return p
}

// Lookup returns the value of the parameter and whether it was found.
func (p *Params) Lookup(name string) (value any, found bool) {
	if p == nil {
		return nil, false
	}
	value, found = p.values[name]
	return
}

// Names returns the names of the parameters in the order they were first set.
func (p *Params) Names() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.names)
}

// Get returns the value of the parameter name converted to T, or defaultValue if it is not set
// or if it has a different type.
//
// Integer parameters can be read as any other integer type, and float64 as float32.
func Get[T any](p *Params, name string, defaultValue T) T {
	value, found := p.Lookup(name)
	if !found {
		return defaultValue
	}
	if t, ok := value.(T); ok {
		return t
	}
	var converted any
	var zero T
	switch any(zero).(type) {
	case int:
		switch v := value.(type) {
		case int32:
			converted = int(v)
		case int64:
			converted = int(v)
		}
	case int64:
		if v, ok := value.(int); ok {
			converted = int64(v)
		}
	case float32:
		if v, ok := value.(float64); ok {
			converted = float32(v)
		}
	case float64:
		switch v := value.(type) {
		case float32:
			converted = float64(v)
		case int:
			converted = float64(v)
		}
	}
	if t, ok := converted.(T); ok {
		return t
	}
	return defaultValue
}

// String returns the parameters formatted as settings, "name1=value1;name2=value2".
func (p *Params) String() string {
	parts := make([]string, 0, len(p.names))
	for _, name := range p.names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, p.values[name]))
	}
	return strings.Join(parts, ";")
}

// Parse settings formatted as "name1=value1;name2=value2;..." into p.
//
// Every name must already be set in p with a default value, whose type is used to parse the new value.
// A setting "file:<path>" reads settings from a file, one or more per line, with lines starting with "#" ignored.
//
// For integer types "_" is removed, so large numbers can be written as 1_000_000.
func (p *Params) Parse(settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if err := p.parseSetting(strings.TrimSpace(setting)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Params) parseSetting(setting string) error {
	if setting == "" {
		return nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := p.Parse(line); err != nil {
				return errors.WithMessagef(err, "settings file %q", filePath)
			}
		}
		return nil
	}

	name, valueStr, ok := strings.Cut(setting, "=")
	if !ok {
		return errors.Errorf("can't parse setting %q: it requires the format \"<name>=<value>\"", setting)
	}
	name = strings.TrimSpace(name)
	valueStr = strings.TrimSpace(valueStr)
	value, found := p.values[name]
	if !found {
		return errors.Errorf("can't set parameter %q: it is not known (known parameters: %q)", name, p.names)
	}

	var err error
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int32:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case uint32:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case time.Duration:
		v, err = time.ParseDuration(valueStr)
		value = v
	default:
		err = errors.Errorf("type %T not supported for settings", value)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, name, p.values[name])
	}
	p.values[name] = value
	return nil
}
