package homestore

import (
	"github.com/xiaoxichen/homestore/device"
	"github.com/xiaoxichen/homestore/internal/blockfile"
)

// Config collects the construction-time parameters for Open, generalized
// from the teacher's functional-options constructor (pkg/options.go /
// pkg/db/option.go) to the parameters this storage-engine core needs
// instead of an LSM tree's.
type Config struct {
	ProductName string

	MaxVdevs        uint32
	MaxSystemChunks uint32
	MaxPDevChunks   uint32

	// JournalMode selects the blockfile open mode CreateReplDev uses for a
	// repl-dev's journal. Defaults to ModeDirect; tests running against
	// tmpfs/overlay filesystems that reject O_DIRECT override it with
	// WithJournalMode(blockfile.ModeBuffered).
	JournalMode blockfile.OpenMode

	WatchdogEnabled       bool
	WatchdogIntervalMs    int
	WatchdogMissThreshold int
}

// Option configures a Config.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		ProductName:           "homestore",
		MaxVdevs:              device.DefaultMaxVdevs,
		MaxSystemChunks:       device.DefaultMaxSystemChunks,
		MaxPDevChunks:         device.DefaultMaxPDevChunks,
		JournalMode:           blockfile.ModeDirect,
		WatchdogEnabled:       true,
		WatchdogIntervalMs:    500,
		WatchdogMissThreshold: 3,
	}
}

func WithProductName(name string) Option {
	return func(c *Config) { c.ProductName = name }
}

func WithMaxVdevs(n uint32) Option {
	return func(c *Config) { c.MaxVdevs = n }
}

func WithMaxSystemChunks(n uint32) Option {
	return func(c *Config) { c.MaxSystemChunks = n }
}

func WithMaxPDevChunks(n uint32) Option {
	return func(c *Config) { c.MaxPDevChunks = n }
}

func WithJournalMode(mode blockfile.OpenMode) Option {
	return func(c *Config) { c.JournalMode = mode }
}

func WithWatchdog(enabled bool, intervalMs, missThreshold int) Option {
	return func(c *Config) {
		c.WatchdogEnabled = enabled
		c.WatchdogIntervalMs = intervalMs
		c.WatchdogMissThreshold = missThreshold
	}
}
