package detour

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// PatchTargetKind says what protection a patched region returns to.
type PatchTargetKind int

const (
	// PatchExecutable regions are made writable for the patch and end up
	// read+execute.
	PatchExecutable PatchTargetKind = iota
	// PatchReadWrite regions end up read+write.
	PatchReadWrite
)

func (k PatchTargetKind) String() string {
	if k == PatchReadWrite {
		return "data"
	}
	return "executable"
}

// System is the operating system side of a Triple.
type System interface {
	Target() OSKind
	Features() SystemFeature

	// PatchData writes data at addr. When backup is not nil the previous
	// bytes are copied into it first, so it must be at least len(data)
	// long. On error nothing was written, except for errors wrapping
	// ErrProtectionNotRestored, which follow a complete write.
	PatchData(kind PatchTargetKind, addr uintptr, data, backup []byte) error

	// GetSizeOfReadableMemory returns how many bytes, up to max, can be
	// read starting at addr.
	GetSizeOfReadableMemory(addr uintptr, max int) int

	Allocator() ExecutableAllocator
}

// nativeSystem is the System for the running process. Protection changes
// come from the per-OS protectRange and readablePages.
type nativeSystem struct {
	alloc *arenaAllocator
}

func newNativeSystem(cfg Config) (*nativeSystem, error) {
	if !systemSupported {
		return nil, fmt.Errorf("%w: operating system %s", ErrUnsupportedPlatform, currentOS())
	}
	return &nativeSystem{alloc: newArenaAllocator(cfg.ArenaSize)}, nil
}

func (s *nativeSystem) Target() OSKind {
	return currentOS()
}

func (s *nativeSystem) Features() SystemFeature {
	return systemFeatures
}

func (s *nativeSystem) Allocator() ExecutableAllocator {
	return s.alloc
}

func (s *nativeSystem) PatchData(kind PatchTargetKind, addr uintptr, data, backup []byte) error {
	if addr == 0 {
		return fmt.Errorf("%w: patch address", ErrNilArgument)
	}
	if backup != nil && len(backup) < len(data) {
		return fmt.Errorf("backup buffer of %d bytes is too small for %d bytes", len(backup), len(data))
	}
	if len(data) == 0 {
		return nil
	}

	writable, restore := protRWX, protRX
	if kind == PatchReadWrite {
		writable, restore = protRW, protRW
	}

	// Nothing is written unless the whole range became writable.
	if err := protectRange(addr, len(data), writable); err != nil {
		return fmt.Errorf("unable to make %#x writable: %w", addr, err)
	}

	target := memoryAt(addr, len(data))
	if backup != nil {
		copy(backup, target)
	}
	patchBytes(addr, data)

	if kind == PatchExecutable {
		cacheflush(target)
	}

	if err := protectRange(addr, len(data), restore); err != nil {
		return fmt.Errorf("%w: %v region at %#x: %w", ErrProtectionNotRestored, kind, addr, err)
	}
	return nil
}

// patchCode writes code through sys. A complete write that left the region
// writable is only a warning.
func patchCode(sys System, addr uintptr, data, backup []byte) error {
	err := sys.PatchData(PatchExecutable, addr, data, backup)
	if errors.Is(err, ErrProtectionNotRestored) {
		log.Warningf("patched %#x: %s", addr, err)
		return nil
	}
	return err
}

func (s *nativeSystem) GetSizeOfReadableMemory(addr uintptr, max int) int {
	if addr == 0 || max <= 0 {
		return 0
	}
	return readablePages(addr, max)
}

// patchBytes writes data at addr. A write that stays inside one aligned
// 8-byte word is a single atomic store, so concurrent readers see either
// the old or the new bytes.
func patchBytes(addr uintptr, data []byte) {
	word := addr &^ 7
	if addr+uintptr(len(data)) <= word+8 {
		p := (*uint64)(unsafe.Pointer(word))

		var merged [8]byte
		binary.NativeEndian.PutUint64(merged[:], atomic.LoadUint64(p))
		copy(merged[addr-word:], data)
		atomic.StoreUint64(p, binary.NativeEndian.Uint64(merged[:]))
		return
	}
	copy(memoryAt(addr, len(data)), data)
}

// memoryAt views n bytes of memory at addr.
func memoryAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// pageRange rounds [addr, addr+size) out to whole pages.
func pageRange(addr uintptr, size, pageSize int) (uintptr, int) {
	start := addr &^ (uintptr(pageSize) - 1)
	total := int(addr-start) + size
	return start, (total + pageSize - 1) &^ (pageSize - 1)
}
