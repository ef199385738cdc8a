// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the driver tunables. Each value is read through the
// platform key-value store; a key that is absent or out of range keeps its
// compile-time default. A YAML profile can overlay the defaults before the
// platform read, which is how the simulator harness configures scenarios.
package config

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/antimetal/nvme/pkg/platform"
)

// Platform key names.
const (
	KeyNamespaces         = "Namespaces"
	KeyMaxTxSize          = "MaxTXSize"
	KeyAdQueueEntries     = "AdQEntries"
	KeyIoQueueEntries     = "IoQEntries"
	KeyIntCoalescingTime  = "IntCoalescingTime"
	KeyIntCoalescingEntry = "IntCoalescingEntries"
)

// Compile-time defaults and accepted ranges.
const (
	DefaultNamespaces = 16
	MinNamespaces     = 1
	MaxNamespaces     = 256

	DefaultMaxTxSize = 128 * 1024
	MinMaxTxSize     = 4 * 1024
	MaxMaxTxSize     = 1024 * 1024

	DefaultAdQueueEntries = 128
	MinAdQueueEntries     = 2
	MaxAdQueueEntries     = 4096

	DefaultIoQueueEntries = 1024
	MinIoQueueEntries     = 2
	MaxIoQueueEntries     = 4096

	DefaultIntCoalescingTime = 80
	MinIntCoalescingTime     = 0
	MaxIntCoalescingTime     = 255

	DefaultIntCoalescingEntry = 16
	MinIntCoalescingEntry     = 0
	MaxIntCoalescingEntry     = 255
)

// Tunables are the adjustable bring-up parameters.
type Tunables struct {
	Namespaces         uint32 `yaml:"namespaces"`
	MaxTxSize          uint32 `yaml:"maxTxSize"`
	AdQueueEntries     uint32 `yaml:"adQueueEntries"`
	IoQueueEntries     uint32 `yaml:"ioQueueEntries"`
	IntCoalescingTime  uint32 `yaml:"intCoalescingTime"`
	IntCoalescingEntry uint32 `yaml:"intCoalescingEntries"`
}

// Defaults returns the compile-time tunables.
func Defaults() Tunables {
	return Tunables{
		Namespaces:         DefaultNamespaces,
		MaxTxSize:          DefaultMaxTxSize,
		AdQueueEntries:     DefaultAdQueueEntries,
		IoQueueEntries:     DefaultIoQueueEntries,
		IntCoalescingTime:  DefaultIntCoalescingTime,
		IntCoalescingEntry: DefaultIntCoalescingEntry,
	}
}

// Load reads every tunable from the platform key-value store over the
// defaults in t. Absent or out-of-range values are logged and skipped.
func (t *Tunables) Load(p platform.Platform, logger logr.Logger) {
	log := logger.WithName("config")
	read := func(key string, min, max uint32, dst *uint32) {
		v, ok := p.ConfigValue(key)
		if !ok {
			return
		}
		if v < min || v > max {
			log.Info("config value out of range, keeping default",
				"key", key, "value", v, "min", min, "max", max, "default", *dst)
			return
		}
		*dst = v
		log.V(1).Info("config value loaded", "key", key, "value", v)
	}
	read(KeyNamespaces, MinNamespaces, MaxNamespaces, &t.Namespaces)
	read(KeyMaxTxSize, MinMaxTxSize, MaxMaxTxSize, &t.MaxTxSize)
	read(KeyAdQueueEntries, MinAdQueueEntries, MaxAdQueueEntries, &t.AdQueueEntries)
	read(KeyIoQueueEntries, MinIoQueueEntries, MaxIoQueueEntries, &t.IoQueueEntries)
	read(KeyIntCoalescingTime, MinIntCoalescingTime, MaxIntCoalescingTime, &t.IntCoalescingTime)
	read(KeyIntCoalescingEntry, MinIntCoalescingEntry, MaxIntCoalescingEntry, &t.IntCoalescingEntry)
}

// LoadFile overlays t with the values of a YAML profile.
func (t *Tunables) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config profile: %w", err)
	}
	if err := yaml.Unmarshal(b, t); err != nil {
		return fmt.Errorf("parsing config profile: %w", err)
	}
	return nil
}

// PRPListSize returns the bytes one PRP list needs to describe a MaxTxSize
// transfer: one 8-byte entry per host page plus one for an unaligned start.
func (t *Tunables) PRPListSize(pageSize int) int {
	return (int(t.MaxTxSize)/pageSize + 1) * 8
}
