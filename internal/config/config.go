// Package config loads the embedder-tunable knobs from spec.md §6
// ("Configuration"): GC parameters, per-category byte limits, and the
// optional call-depth ceiling, from a TOML document — the way the teacher's
// node config is loaded, via github.com/naoina/toml.
package config

import (
	"io"
	"os"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// GC holds the collector tuning knobs from spec.md §4.A.
type GC struct {
	GoalPercent  int `toml:"goal_percent"`
	StepPercent  int `toml:"step_percent"`
	StepSize     int `toml:"step_size"`
}

// CategoryLimit is a per-memory-category byte ceiling (spec.md §4.A
// "embedder-defined per-category byte limit").
type CategoryLimit struct {
	Category uint8 `toml:"category"`
	Bytes    int64 `toml:"bytes"`
}

// Config is the full set of embedder-tunable knobs.
type Config struct {
	GC GC `toml:"gc"`

	// CallDepthLimit bounds frame-stack depth; 0 means unbounded (spec.md §6
	// "optional ceiling on call depth, for stack safety").
	CallDepthLimit int `toml:"call_depth_limit"`

	// SuspendAtCallTail opts into the finer suspension granularity spec.md
	// §9's open question leaves as implementation-defined; SPEC_FULL.md §5
	// chose the coarser default (false).
	SuspendAtCallTail bool `toml:"suspend_at_call_tail"`

	// StepThreshold is the per-opcode-cost safepoint budget (SPEC_FULL.md
	// §4 "gas-like step accounting"); 0 selects engine.New's default.
	StepThreshold uint32 `toml:"step_threshold"`

	CategoryLimits []CategoryLimit `toml:"category_limit"`

	// TimerCatchUpThresholdSeconds overrides the timer driver's catch-up
	// clamp (spec.md §4.E recommends max(2*interval, 2 seconds)); 0 selects
	// the recommended default.
	TimerCatchUpThresholdSeconds float64 `toml:"timer_catch_up_threshold_seconds"`

	// StringInternHintBytes sizes the string intern table's existence
	// cache (internal/strintern.New's hintBytes); 0 selects its default.
	StringInternHintBytes int `toml:"string_intern_hint_bytes"`
}

// Default returns a Config matching the defaults named throughout spec.md.
func Default() Config {
	return Config{
		GC: GC{GoalPercent: 200, StepPercent: 200, StepSize: 1 << 20},
	}
}

// Load parses a TOML document from r into a Config seeded with Default().
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse toml")
	}
	return cfg, nil
}

// LoadFile opens path and parses it as a TOML config document.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()
	return Load(f)
}
