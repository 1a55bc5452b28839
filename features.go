package detour

import (
	"fmt"
	"runtime"
	"strings"
)

// ArchitectureKind identifies an instruction set.
type ArchitectureKind int

const (
	ArchitectureUnknown ArchitectureKind = iota
	ArchitectureAMD64
	ArchitectureARM64
)

func (k ArchitectureKind) String() string {
	switch k {
	case ArchitectureAMD64:
		return "amd64"
	case ArchitectureARM64:
		return "arm64"
	}
	return "unknown"
}

func architectureKindOf(goarch string) ArchitectureKind {
	switch goarch {
	case "amd64":
		return ArchitectureAMD64
	case "arm64":
		return ArchitectureARM64
	}
	return ArchitectureUnknown
}

// OSKind identifies an operating system.
type OSKind int

const (
	OSUnknown OSKind = iota
	OSLinux
	OSDarwin
	OSFreeBSD
	OSNetBSD
	OSOpenBSD
	OSWindows
)

var osNames = map[OSKind]string{
	OSLinux:   "linux",
	OSDarwin:  "darwin",
	OSFreeBSD: "freebsd",
	OSNetBSD:  "netbsd",
	OSOpenBSD: "openbsd",
	OSWindows: "windows",
}

func (k OSKind) String() string {
	if name, ok := osNames[k]; ok {
		return name
	}
	return "unknown"
}

func osKindOf(goos string) OSKind {
	for k, name := range osNames {
		if name == goos {
			return k
		}
	}
	return OSUnknown
}

func currentOS() OSKind {
	return osKindOf(runtime.GOOS)
}

// ArchitectureFeature is a capability of an Architecture.
type ArchitectureFeature uint32

const (
	// ArchImmediate64 means a jump can carry a full 64-bit destination.
	ArchImmediate64 ArchitectureFeature = 1 << iota
	// ArchFixedInstructionSize means every instruction has the same length.
	ArchFixedInstructionSize
	// ArchCreateAltEntryPoint means the original entry of a patched
	// function can be preserved in a stub.
	ArchCreateAltEntryPoint
)

func (f ArchitectureFeature) Has(x ArchitectureFeature) bool {
	return f&x == x
}

// SystemFeature is a capability of a System.
type SystemFeature uint32

const (
	SystemRWXPages SystemFeature = 1 << iota
	SystemRXPages
)

func (f SystemFeature) Has(x SystemFeature) bool {
	return f&x == x
}

// RuntimeFeature is a capability or requirement of a Runtime.
type RuntimeFeature uint32

const (
	RuntimePreciseGC RuntimeFeature = 1 << iota
	// RuntimeCompileMethodHook means the runtime reports recompiled
	// methods through OnMethodCompiled.
	RuntimeCompileMethodHook
	RuntimeRequiresMethodPinning
	RuntimeRequiresMethodIdentification
	RuntimeDisableInlining
	// RuntimeRequiresBodyThunkWalking means a method's entry point may be a
	// chain of thunks in front of the real body.
	RuntimeRequiresBodyThunkWalking
	RuntimeHasKnownABI
	// RuntimeRequiresCustomMethodCompile means Compile alone doesn't
	// produce usable code. The runtime implements MethodCompiler instead.
	RuntimeRequiresCustomMethodCompile
)

func (f RuntimeFeature) Has(x RuntimeFeature) bool {
	return f&x == x
}

// FeatureFlags combines the capabilities of a Triple.
type FeatureFlags struct {
	Architecture ArchitectureFeature
	System       SystemFeature
	Runtime      RuntimeFeature
}

func (f FeatureFlags) String() string {
	var names []string
	add := func(ok bool, name string) {
		if ok {
			names = append(names, name)
		}
	}
	add(f.Architecture.Has(ArchImmediate64), "Immediate64")
	add(f.Architecture.Has(ArchFixedInstructionSize), "FixedInstructionSize")
	add(f.Architecture.Has(ArchCreateAltEntryPoint), "CreateAltEntryPoint")
	add(f.System.Has(SystemRWXPages), "RWXPages")
	add(f.System.Has(SystemRXPages), "RXPages")
	add(f.Runtime.Has(RuntimePreciseGC), "PreciseGC")
	add(f.Runtime.Has(RuntimeCompileMethodHook), "CompileMethodHook")
	add(f.Runtime.Has(RuntimeRequiresMethodPinning), "RequiresMethodPinning")
	add(f.Runtime.Has(RuntimeRequiresMethodIdentification), "RequiresMethodIdentification")
	add(f.Runtime.Has(RuntimeDisableInlining), "DisableInlining")
	add(f.Runtime.Has(RuntimeRequiresBodyThunkWalking), "RequiresBodyThunkWalking")
	add(f.Runtime.Has(RuntimeHasKnownABI), "HasKnownABI")
	add(f.Runtime.Has(RuntimeRequiresCustomMethodCompile), "RequiresCustomMethodCompile")
	return fmt.Sprintf("[%s]", strings.Join(names, " "))
}
