//go:build linux || darwin || freebsd || netbsd || openbsd

package detour

import (
	"github.com/pboyd/malloc"
	"golang.org/x/sys/unix"
)

const (
	systemSupported = true
	systemFeatures  = SystemRWXPages | SystemRXPages

	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	protRW  = unix.PROT_READ | unix.PROT_WRITE
)

// arenaBackend maps stub memory. malloc adds read and write to the
// protection.
func arenaBackend() malloc.ArenaBackend {
	return malloc.MmapBackend(malloc.MmapProt(unix.PROT_EXEC), malloc.MmapFlags(arenaMapFlags))
}

func protectRange(addr uintptr, size int, prot int) error {
	start, length := pageRange(addr, size, unix.Getpagesize())
	return unix.Mprotect(memoryAt(start, length), prot)
}

// readablePages walks pages from addr and stops at the first one msync
// reports as unmapped.
func readablePages(addr uintptr, max int) int {
	pageSize := uintptr(unix.Getpagesize())
	end := addr + uintptr(max)

	page := addr &^ (pageSize - 1)
	for ; page < end; page += pageSize {
		if err := unix.Msync(memoryAt(page, int(pageSize)), unix.MS_ASYNC); err != nil {
			break
		}
	}

	if page <= addr {
		return 0
	}
	return int(min(page, end) - addr)
}
