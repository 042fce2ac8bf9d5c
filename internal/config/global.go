package config

import "sync/atomic"

var global atomic.Value

// Init seeds the global config with Default values. Must be called once
// before Load, typically at process startup.
func Init() error {
	c, err := Default()
	if err != nil {
		return err
	}

	global.Store(&c)
	return nil
}

// Load returns the current global config. Treat the result as read-only;
// mutate via Update.
func Load() *Config {
	return global.Load().(*Config)
}

// Update applies mut to a copy of the current config and atomically installs
// the result, returning it.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	global.Store(&next)

	return &next
}

// Swap atomically replaces the global config with next.
func Swap(next Config) *Config {
	global.Store(&next)
	return &next
}
