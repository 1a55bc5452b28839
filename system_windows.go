//go:build windows

package detour

import (
	"unsafe"

	"github.com/pboyd/malloc"
	"golang.org/x/sys/windows"
)

const (
	systemSupported = true
	systemFeatures  = SystemRWXPages | SystemRXPages

	protRX  = windows.PAGE_EXECUTE_READ
	protRWX = windows.PAGE_EXECUTE_READWRITE
	protRW  = windows.PAGE_READWRITE

	unreadable = windows.PAGE_NOACCESS | windows.PAGE_GUARD
)

// arenaBackend maps stub memory. malloc turns PAGE_EXECUTE into
// PAGE_EXECUTE_READWRITE.
func arenaBackend() malloc.ArenaBackend {
	return malloc.MmapBackend(malloc.MmapProt(windows.PAGE_EXECUTE), malloc.MmapFlags(arenaMapFlags))
}

func protectRange(addr uintptr, size int, prot int) error {
	start, length := pageRange(addr, size, windows.Getpagesize())

	var oldFlags uint32
	return windows.VirtualProtect(start, uintptr(length), uint32(prot), &oldFlags)
}

// readablePages follows committed regions from addr.
func readablePages(addr uintptr, max int) int {
	end := addr + uintptr(max)
	cur := addr
	for cur < end {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(cur, &info, unsafe.Sizeof(info)); err != nil {
			break
		}
		if info.State != windows.MEM_COMMIT || info.Protect&unreadable != 0 {
			break
		}
		cur = info.BaseAddress + info.RegionSize
	}
	return int(min(cur, end) - addr)
}
