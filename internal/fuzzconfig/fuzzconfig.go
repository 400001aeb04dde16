// Package fuzzconfig loads the optional parmesan.toml run-configuration
// file and the required targets file, mirroring the load/save shape of
// the teacher's internal/config package but built on two distinct TOML
// documents rather than one.
package fuzzconfig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/LockOne/parmesan/internal/cfg"
)

// RunConfig holds defaults for CLI flags that aren't positional. Every
// field mirrors a flag from spec.md §6; a CLI flag that was explicitly
// set always overrides the value loaded here.
type RunConfig struct {
	Mode               string `toml:"mode,omitempty"`
	NumJobs            int    `toml:"num_jobs,omitempty"`
	MemLimitMB         uint64 `toml:"mem_limit_mb,omitempty"`
	TimeLimitSec       uint64 `toml:"time_limit_sec,omitempty"`
	SearchMethod       string `toml:"search_method,omitempty"`
	SyncAFL            bool   `toml:"sync_afl,omitempty"`
	EnableAFL          bool   `toml:"enable_afl,omitempty"`
	EnableExploitation bool   `toml:"enable_exploitation,omitempty"`
	DirectedOnly       bool   `toml:"directed_only,omitempty"`
	SanoptTarget       string `toml:"sanopt_target,omitempty"`
	TargetsFile        string `toml:"targets_file,omitempty"`
	MetricsAddr        string `toml:"metrics_addr,omitempty"`
}

// LoadRunConfig reads a parmesan.toml file. A missing file is not an
// error: it returns a zero-value RunConfig, since every field has a
// sane CLI-flag default already.
func LoadRunConfig(path string) (*RunConfig, error) {
	rc := &RunConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rc, nil
		}
		return nil, fmt.Errorf("fuzzconfig: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, rc); err != nil {
		return nil, fmt.Errorf("fuzzconfig: parsing %s: %w", path, err)
	}
	return rc, nil
}

// SaveRunConfig writes rc back out, e.g. from a future `parmesan config
// set` subcommand mirroring the teacher's config set/get pair.
func SaveRunConfig(path string, rc *RunConfig) error {
	data, err := toml.Marshal(rc)
	if err != nil {
		return fmt.Errorf("fuzzconfig: marshaling run config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Target is one offline-identified directed-fuzzing target.
type Target struct {
	CmpID uint32 `toml:"cmpid"`
	Func  uint32 `toml:"func,omitempty"`
	Note  string `toml:"note,omitempty"`
}

// Dominator records that cmpid must resolve favorably for control flow
// to reach callsite's indirect call, used to fabricate "magic byte"
// seeds for indirect-call targets (spec.md §4.5).
type Dominator struct {
	Callsite uint32 `toml:"callsite"`
	CmpID    uint32 `toml:"cmpid"`
}

// TargetsFile is the offline-produced targets document consumed once
// at startup (spec.md §6, "Targets file"). Its TOML shape is a
// SPEC_FULL.md addition: spec.md leaves the format unspecified.
type TargetsFile struct {
	Target    []Target    `toml:"target"`
	Dominator []Dominator `toml:"dominator"`
}

// LoadTargetsFile reads and parses a targets file. Unlike the run
// config, a missing or malformed targets file is fatal: directed mode
// cannot proceed without it (spec.md §6 "Exit codes": non-zero on
// "unreadable targets file").
func LoadTargetsFile(path string) (*TargetsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fuzzconfig: reading targets file %s: %w", path, err)
	}
	tf := &TargetsFile{}
	if err := toml.Unmarshal(data, tf); err != nil {
		return nil, fmt.Errorf("fuzzconfig: parsing targets file %s: %w", path, err)
	}
	return tf, nil
}

// Apply seeds graph's target set and dominator relations from the
// loaded targets file. Called once at startup before the worker pool
// starts, so every worker's shared *cfg.Graph already reflects it.
func (tf *TargetsFile) Apply(graph *cfg.Graph) {
	cmpids := make([]uint32, len(tf.Target))
	for i, t := range tf.Target {
		cmpids[i] = t.CmpID
	}
	graph.SeedTargets(cmpids)

	for _, d := range tf.Dominator {
		graph.AddDominator(d.Callsite, d.CmpID)
	}
}
