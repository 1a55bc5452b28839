package detour

import (
	"errors"
	"fmt"
)

// Allocation is a block of executable memory.
type Allocation interface {
	Base() uintptr
	Size() int
	Close() error
}

// ExecutableAllocator hands out executable memory for stubs.
type ExecutableAllocator interface {
	// Allocate returns a new block containing code.
	Allocate(code []byte) (Allocation, error)
	// Write replaces bytes of a live allocation.
	Write(a Allocation, offset int, data []byte) error
}

// DetourKind is an architecture specific jump form. It knows its own size.
type DetourKind interface {
	Size() int
	String() string
}

// NativeDetourInfo describes how to redirect From to To.
type NativeDetourInfo struct {
	From, To uintptr
	Kind     DetourKind
	Internal any
}

func (i NativeDetourInfo) Size() int {
	return i.Kind.Size()
}

// RetargetResult describes the outcome of rewriting an installed detour.
type RetargetResult struct {
	// Written is the number of bytes to patch at the source. It may be
	// zero when only the allocation changed.
	Written int
	// Allocation is a new allocation the patched bytes depend on.
	Allocation Allocation
	// RepatchedAllocation means the previous allocation was rewritten in
	// place and must be kept.
	RepatchedAllocation bool
	// DisposeOldAllocation means the previous allocation is no longer
	// referenced once the new bytes are written.
	DisposeOldAllocation bool
}

// Architecture generates the machine code used by detours.
type Architecture interface {
	Target() ArchitectureKind
	Features() ArchitectureFeature

	// KnownMethodThunks returns the runtime thunk patterns recognized on
	// this architecture.
	KnownMethodThunks() *BytePatternCollection

	// ComputeDetourInfo selects the smallest jump from from to to that fits
	// in maxSize bytes. A negative maxSize means no limit.
	ComputeDetourInfo(from, to uintptr, maxSize int) (NativeDetourInfo, error)
	// GetDetourBytes renders info into buf, which must hold info.Size()
	// bytes. The returned allocation, if any, must outlive the patch.
	GetDetourBytes(info NativeDetourInfo, buf []byte) (int, Allocation, error)

	ComputeRetargetInfo(info NativeDetourInfo, to uintptr, maxSize int) (NativeDetourInfo, error)
	GetRetargetBytes(original, retarget NativeDetourInfo, buf []byte, originalAlloc Allocation) (RetargetResult, error)

	// CreateNativeVtableProxyStubs creates one stub per slot that jumps to
	// the slot's current value.
	CreateNativeVtableProxyStubs(vtableBase uintptr, vtableSize int) ([]Allocation, error)
	// CreateSpecialEntryStub creates a stub that enters target with
	// argument in the closure context register.
	CreateSpecialEntryStub(target, argument uintptr) (Allocation, error)

	// AltEntryFactory returns nil if alternate entry points aren't
	// supported.
	AltEntryFactory() AltEntryFactory
}

// AltEntryFactory preserves the start of a function so it can still be
// called after the start is overwritten.
type AltEntryFactory interface {
	// CreateAlternateEntrypoint copies whole instructions covering at
	// least minLength bytes at entry into a stub that continues in the
	// original function.
	CreateAlternateEntrypoint(entry uintptr, minLength int) (uintptr, Allocation, error)
}

// readBounder is implemented by architectures that read code in place.
// NewTriple hands them System.GetSizeOfReadableMemory.
type readBounder interface {
	boundReads(readable func(addr uintptr, max int) int)
}

// readableCode returns up to want bytes at addr, cut short where readable
// says the mapping ends.
func readableCode(readable func(uintptr, int) int, addr uintptr, want int) []byte {
	if readable != nil {
		want = min(want, readable(addr, want))
	}
	if want <= 0 {
		return nil
	}
	return memoryAt(addr, want)
}

func newArchitecture(kind ArchitectureKind, alloc ExecutableAllocator, cfg Config) (Architecture, error) {
	switch kind {
	case ArchitectureAMD64:
		return newArchAMD64(alloc, cfg), nil
	case ArchitectureARM64:
		return newArchARM64(alloc, cfg), nil
	}
	return nil, fmt.Errorf("%w: architecture %s", ErrUnsupportedPlatform, kind)
}

func fits(size, maxSize int) bool {
	return maxSize < 0 || size <= maxSize
}

func noEncoding(from, to uintptr, maxSize int) error {
	return fmt.Errorf("%w: %#x -> %#x in %d bytes", ErrNoDetourEncoding, from, to, maxSize)
}

// allocationInRange checks that a stub is reachable by a relative jump that
// ends at end.
func allocationInRange(a Allocation, end uintptr, minOffset, maxOffset int64) bool {
	d := int64(a.Base()) - int64(end)
	return d >= minOffset && d <= maxOffset
}

func closeAllocation(a Allocation) error {
	if a == nil {
		return nil
	}
	return a.Close()
}

func closeAllocations(allocs []Allocation) error {
	var errs []error
	for _, a := range allocs {
		errs = append(errs, closeAllocation(a))
	}
	return errors.Join(errs...)
}
