package fuzzconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LockOne/parmesan/internal/cfg"
)

func TestLoadRunConfigMissingFileReturnsZeroValue(t *testing.T) {
	rc, err := LoadRunConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error for a missing file: %v", err)
	}
	if rc.NumJobs != 0 || rc.Mode != "" {
		t.Fatalf("expected zero-value RunConfig, got %+v", rc)
	}
}

func TestSaveThenLoadRunConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parmesan.toml")
	want := &RunConfig{
		Mode:         "llvm",
		NumJobs:      4,
		MemLimitMB:   512,
		TimeLimitSec: 2,
		SearchMethod: "gd",
		SyncAFL:      true,
		DirectedOnly: true,
		TargetsFile:  "targets.toml",
	}
	if err := SaveRunConfig(path, want); err != nil {
		t.Fatalf("SaveRunConfig: %v", err)
	}
	got, err := LoadRunConfig(path)
	if err != nil {
		t.Fatalf("LoadRunConfig: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestLoadRunConfigRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parmesan.toml")
	if err := writeFile(path, "num_jobs = [this is not valid"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRunConfig(path); err == nil {
		t.Fatal("expected an error parsing malformed TOML")
	}
}

func TestLoadTargetsFileMissingIsFatal(t *testing.T) {
	if _, err := LoadTargetsFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing targets file, targets are mandatory for directed mode")
	}
}

func TestLoadTargetsFileParsesTargetsAndDominators(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.toml")
	doc := `
[[target]]
cmpid = 10
func = 1

[[target]]
cmpid = 20

[[dominator]]
callsite = 5
cmpid = 10
`
	if err := writeFile(path, doc); err != nil {
		t.Fatal(err)
	}
	tf, err := LoadTargetsFile(path)
	if err != nil {
		t.Fatalf("LoadTargetsFile: %v", err)
	}
	if len(tf.Target) != 2 || tf.Target[0].CmpID != 10 || tf.Target[0].Func != 1 {
		t.Fatalf("unexpected targets: %+v", tf.Target)
	}
	if len(tf.Dominator) != 1 || tf.Dominator[0].Callsite != 5 || tf.Dominator[0].CmpID != 10 {
		t.Fatalf("unexpected dominators: %+v", tf.Dominator)
	}
}

func TestApplySeedsGraphTargetsAndDominators(t *testing.T) {
	tf := &TargetsFile{
		Target:    []Target{{CmpID: 10}, {CmpID: 20}},
		Dominator: []Dominator{{Callsite: 5, CmpID: 10}},
	}
	graph := cfg.New()
	tf.Apply(graph)

	if !graph.IsTarget(10) || !graph.IsTarget(20) {
		t.Fatal("expected both targets to be seeded into the graph")
	}
	doms := graph.GetCallsiteDominators(5)
	if len(doms) != 1 || doms[0] != 10 {
		t.Fatalf("expected callsite 5 to be dominated by cmpid 10, got %v", doms)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
