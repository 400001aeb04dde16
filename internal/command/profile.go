// Package command builds and clones the immutable description of a
// fuzzing run's target invocation: which binaries to run, how, and
// under what resource limits.
package command

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode selects the instrumentation backend that produced the target
// binaries.
type Mode int

const (
	ModeLLVM Mode = iota
	ModePin
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "llvm":
		return ModeLLVM, nil
	case "pin":
		return ModePin, nil
	default:
		return 0, fmt.Errorf("command: unknown instrumentation mode %q", s)
	}
}

func (m Mode) IsPin() bool { return m == ModePin }

const (
	tmpDirName           = "tmp"
	inputFileName        = "cur_input"
	forksrvSocketName    = "forksrv_socket"
	trackFileName        = "track"
	inputPlaceholder     = "@@"
	EnableForksrvEnvVar  = "ENABLE_FORKSRV"
	ForksrvSocketPathVar = "FORKSRV_SOCKET_PATH_VAR"

	pinRootEnvVar      = "PIN_ROOT"
	angoraBinDirEnvVar = "ANGORA_BIN_DIR"
	pinTrackTool       = "pin_track.so"
)

// Profile is the immutable record of one target invocation: the Go
// name for the original runtime's CommandOpt. A root Profile owns the
// tmpfs scratch directory; Specialise and Sanopt return non-owning
// clones so only one Close call ever removes it.
type Profile struct {
	Mode    Mode
	ID      int
	MainBin string
	MainArg []string

	TrackBin string
	TrackArg []string

	TmpDir            string
	OutFile           string
	ForksrvSocketPath string
	TrackPath         string

	IsStdin    bool
	MemLimit   uint64
	TimeLimit  uint64
	UsesASAN   bool
	LDLibrary  string
	SanoptBin  string

	EnableAFL          bool
	EnableExploitation bool
	DirectedOnly       bool
	DirectedTargets    string

	owner bool
}

// Options captures everything New needs to assemble a root Profile.
type Options struct {
	Mode               string
	TrackTarget        string
	MainArgs           []string
	OutDir             string
	MemLimit           uint64
	TimeLimit          uint64
	EnableAFL          bool
	EnableExploitation bool
	DirectedTargets    string
	SanoptTarget       string
	DirectedOnly       bool
	ClangLibDir        string // replaces the teacher's `llvm-config --libdir` shellout for testability
}

// New builds the root Profile for a fuzzing run, scanning the main
// binary for ASAN instrumentation and forcing memory unlimited when
// found (a sanitizer's shadow memory otherwise blows any sane limit).
func New(opt Options) (*Profile, error) {
	mode, err := ParseMode(opt.Mode)
	if err != nil {
		return nil, err
	}
	if len(opt.MainArgs) == 0 {
		return nil, fmt.Errorf("command: main target requires at least a binary path")
	}

	tmpDir := filepath.Join(opt.OutDir, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("command: create tmp dir: %w", err)
	}

	mainBin, err := filepath.Abs(opt.MainArgs[0])
	if err != nil {
		return nil, fmt.Errorf("command: resolve main binary: %w", err)
	}
	mainArgs := append([]string(nil), opt.MainArgs[1:]...)

	usesASAN, err := HasASAN(mainBin)
	if err != nil {
		return nil, fmt.Errorf("command: inspect main binary: %w", err)
	}
	memLimit := opt.MemLimit
	if usesASAN && memLimit != 0 {
		memLimit = 0
	}

	var trackBin string
	var trackArgs []string
	if mode.IsPin() {
		trackBin, trackArgs, err = pinTrackCommand(opt.TrackTarget, mainArgs)
		if err != nil {
			return nil, err
		}
	} else {
		trackBin, err = filepath.Abs(opt.TrackTarget)
		if err != nil {
			return nil, fmt.Errorf("command: resolve track binary: %w", err)
		}
		trackArgs = append([]string(nil), mainArgs...)
	}

	isStdin := true
	for _, a := range mainArgs {
		if a == inputPlaceholder {
			isStdin = false
			break
		}
	}

	ldLibrary := "$LD_LIBRARY_PATH"
	if opt.ClangLibDir != "" {
		ldLibrary = "$LD_LIBRARY_PATH:" + strings.TrimSpace(opt.ClangLibDir)
	}

	return &Profile{
		Mode:              mode,
		MainBin:           mainBin,
		MainArg:           mainArgs,
		TrackBin:          trackBin,
		TrackArg:          trackArgs,
		TmpDir:            tmpDir,
		OutFile:           filepath.Join(tmpDir, inputFileName),
		ForksrvSocketPath: filepath.Join(tmpDir, forksrvSocketName),
		TrackPath:         filepath.Join(tmpDir, trackFileName),
		IsStdin:           isStdin,
		MemLimit:          memLimit,
		TimeLimit:         opt.TimeLimit,
		UsesASAN:          usesASAN,
		LDLibrary:         ldLibrary,
		SanoptBin:         opt.SanoptTarget,
		EnableAFL:         opt.EnableAFL,
		EnableExploitation: opt.EnableExploitation,
		DirectedOnly:      opt.DirectedOnly,
		DirectedTargets:   opt.DirectedTargets,
		owner:             true,
	}, nil
}

// pinTrackCommand builds the track invocation for pin mode: run Pin
// itself, loaded with the angora pintool, against the track target.
// PIN_ROOT and ANGORA_BIN_DIR must both be set in the environment.
func pinTrackCommand(trackTarget string, mainArgs []string) (string, []string, error) {
	pinRoot := os.Getenv(pinRootEnvVar)
	if pinRoot == "" {
		return "", nil, fmt.Errorf("command: pin mode requires %s to be set", pinRootEnvVar)
	}
	binDir := os.Getenv(angoraBinDirEnvVar)
	if binDir == "" {
		return "", nil, fmt.Errorf("command: pin mode requires %s to be set", angoraBinDirEnvVar)
	}

	trackBin := filepath.Join(pinRoot, "pin")
	pinTool := filepath.Join(binDir, "lib", pinTrackTool)

	trackArgs := []string{"-t", pinTool, "--", trackTarget}
	trackArgs = append(trackArgs, mainArgs...)
	return trackBin, trackArgs, nil
}

// Specialise returns a per-worker clone: scratch paths are suffixed by
// the worker id and any "@@" placeholder in argv is replaced with the
// clone's own input file path. The clone does not own the tmpfs
// directory, so closing it is a no-op.
func (p *Profile) Specialise(id int) *Profile {
	clone := *p
	clone.ID = id
	clone.owner = false
	clone.OutFile = suffixed(p.OutFile, fmt.Sprint(id))
	clone.ForksrvSocketPath = suffixed(p.ForksrvSocketPath, fmt.Sprint(id))
	clone.TrackPath = suffixed(p.TrackPath, fmt.Sprint(id))

	if !p.IsStdin {
		clone.MainArg = substitutePlaceholder(p.MainArg, clone.OutFile)
		clone.TrackArg = substitutePlaceholder(p.TrackArg, clone.OutFile)
	} else {
		clone.MainArg = append([]string(nil), p.MainArg...)
		clone.TrackArg = append([]string(nil), p.TrackArg...)
	}
	return &clone
}

// Sanopt returns a clone that runs the sanitiser-optimised binary
// (when configured) in place of the main binary, with memory
// unlimited and ASAN forced on. The executor's runs do not use it.
func (p *Profile) Sanopt() *Profile {
	clone := *p
	clone.owner = false
	bin := p.SanoptBin
	if bin == "" {
		bin = p.MainBin
	}
	clone.MainBin = bin
	clone.MainArg = append([]string(nil), p.MainArg...)
	clone.TrackArg = append([]string(nil), p.TrackArg...)
	clone.OutFile = suffixed(p.OutFile, "sanopt")
	clone.ForksrvSocketPath = suffixed(p.ForksrvSocketPath, "sanopt")
	clone.TrackPath = suffixed(p.TrackPath, "sanopt")
	clone.UsesASAN = true
	clone.MemLimit = 0
	return &clone
}

// Close removes the tmpfs scratch directory if this Profile owns it;
// clones returned by Specialise/Sanopt are no-ops.
func (p *Profile) Close() error {
	if !p.owner {
		return nil
	}
	return os.RemoveAll(p.TmpDir)
}

func suffixed(path, suffix string) string { return path + "_" + suffix }

func substitutePlaceholder(args []string, input string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == inputPlaceholder {
			out[i] = input
		} else {
			out[i] = a
		}
	}
	return out
}

// HasASAN scans a binary's dynamic symbol table for the
// AddressSanitizer init symbol, used to detect ASAN-instrumented
// targets without executing them.
func HasASAN(path string) (bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		return false, fmt.Errorf("command: open elf: %w", err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		// Statically linked or stripped binaries have no dynamic
		// symbol table; that is not an error, just "not ASAN".
		return false, nil
	}
	for _, s := range syms {
		if strings.Contains(s.Name, "__asan_init") {
			return true, nil
		}
	}
	return false, nil
}
