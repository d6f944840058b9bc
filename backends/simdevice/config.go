// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
)

// Config of a simulated device backend. It is parsed from the configuration string given to New.
type Config struct {
	// Kind of the simulated devices. It must be an accelerator kind. Default is places.GPU.
	Kind places.Kind

	// NumDevices is the number of devices. Default is 1.
	NumDevices int

	// Memory is the capacity in bytes of each device. Default is DefaultMemory.
	Memory uint64

	// Streams is the number of transfer queues per device. Default is 1.
	Streams int

	// PeerCopy enables device to device transfers. Default is true.
	PeerCopy bool
}

// DefaultMemory is the default capacity of each simulated device.
const DefaultMemory = 1 << 30

// DefaultConfig returns the configuration used for an empty configuration string.
func DefaultConfig() Config {
	return Config{
		Kind:       places.GPU,
		NumDevices: 1,
		Memory:     DefaultMemory,
		Streams:    1,
		PeerCopy:   true,
	}
}

// ParseConfig parses a comma separated list of options. The options are:
//
//   - "gpu", "npu" or "customdevice": the kind of device simulated.
//   - "devices=<n>": number of devices.
//   - "memory=<size>": memory capacity of each device, e.g.: "512MiB", "2GB".
//   - "streams=<n>": number of transfer queues per device.
//   - "peer=<bool>": whether device to device transfers are supported.
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			kind, err := places.ParseKind(key)
			if err != nil {
				return cfg, errors.WithMessagef(err, "unknown option %q", part)
			}
			if !kind.IsAccelerator() {
				return cfg, errors.Errorf("backend %q only simulates accelerators, got kind %q", BackendName, kind)
			}
			cfg.Kind = kind
			continue
		}
		var err error
		switch key {
		case "devices":
			cfg.NumDevices, err = strconv.Atoi(value)
			if err == nil && cfg.NumDevices < 1 {
				err = errors.Errorf("at least one device required")
			}
		case "memory":
			cfg.Memory, err = humanize.ParseBytes(value)
		case "streams":
			cfg.Streams, err = strconv.Atoi(value)
			if err == nil && cfg.Streams < 1 {
				err = errors.Errorf("at least one stream required")
			}
		case "peer":
			cfg.PeerCopy, err = strconv.ParseBool(value)
		default:
			err = errors.New("unknown option")
		}
		if err != nil {
			return cfg, errors.WithMessagef(err, "backend %q: invalid option %q", BackendName, part)
		}
	}
	return cfg, nil
}

// String returns the configuration string that would parse back to cfg.
func (cfg Config) String() string {
	return cfg.Kind.String() +
		",devices=" + strconv.Itoa(cfg.NumDevices) +
		",memory=" + strconv.FormatUint(cfg.Memory, 10) +
		",streams=" + strconv.Itoa(cfg.Streams) +
		",peer=" + strconv.FormatBool(cfg.PeerCopy)
}
