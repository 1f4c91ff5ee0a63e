// Package gcconfig holds the collector's runtime tunables (spec.md §4.E's
// Reconfigure surface) and loads them from TOML, the way the teacher's
// wider module family (see go-ethereum's go.mod) configures long-running
// daemons.
package gcconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the mutable tunable set spec.md §4.E's Reconfigure(...) accepts.
// All fields are validated together in Validate, since several combinations
// are only meaningful jointly (e.g. a single-threaded mark phase implies
// zero auxiliary workers).
type Config struct {
	// MaxParallelism bounds how many goroutines may run mark work
	// concurrently: the main and aux mark workers plus any mutators
	// cooperating in marking, spec.md §4.B. Sweep is not bounded by it.
	MaxParallelism uint `toml:"max_parallelism"`

	// AuxGCThreads is the number of auxiliary marker goroutines spawned
	// alongside the GC's own main goroutine during RunMainInSTW.
	AuxGCThreads uint `toml:"aux_gc_threads"`

	// MutatorsCooperate toggles spec.md §4.B's cooperative marking
	// extension: mutators that reach a safepoint while an epoch is
	// active help drain the mark queue before ever being asked to stop.
	MutatorsCooperate bool `toml:"mutators_cooperate"`

	// GCMarkSingleThreaded forces the mark phase onto the GC's own
	// goroutine only, useful for deterministic tests and debugging
	// (spec.md §4.B note on degenerate parallelism).
	GCMarkSingleThreaded bool `toml:"gc_mark_single_threaded"`
}

// Default returns the tunables a freshly constructed collector starts with:
// parallel marking with three aux workers beside the main goroutine under a
// parallelism bound of four, cooperative marking on. The values are fixed,
// not derived from the number of available cores.
func Default() Config {
	return Config{
		MaxParallelism:       4,
		AuxGCThreads:         3,
		MutatorsCooperate:    true,
		GCMarkSingleThreaded: false,
	}
}

// Validate rejects tunable combinations spec.md §4.E calls out as
// programmer error (mismatched single-threaded/aux-worker settings, zero
// parallelism).
func (c Config) Validate() error {
	if c.MaxParallelism == 0 {
		return fmt.Errorf("gcconfig: max_parallelism must be >= 1")
	}
	if c.GCMarkSingleThreaded && c.AuxGCThreads != 0 {
		return fmt.Errorf("gcconfig: aux_gc_threads must be 0 when gc_mark_single_threaded is set")
	}
	if !c.GCMarkSingleThreaded && 1+c.AuxGCThreads > c.MaxParallelism {
		return fmt.Errorf("gcconfig: max_parallelism (%d) must be >= 1+aux_gc_threads (%d): the dedicated mark workers alone must fit the admission bound, or the pool deadlocks waiting for workers that are never admitted", c.MaxParallelism, 1+c.AuxGCThreads)
	}
	return nil
}

// Load reads a Config from a TOML file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("gcconfig: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
