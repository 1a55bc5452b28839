//go:build !(linux || darwin || freebsd || netbsd || openbsd || windows)

package detour

import (
	"errors"

	"github.com/pboyd/malloc"
)

const (
	systemSupported = false
	systemFeatures  = SystemFeature(0)

	protRX  = 0
	protRWX = 0
	protRW  = 0
)

// arenaBackend is never used for code here, newNativeSystem refuses to run.
func arenaBackend() malloc.ArenaBackend {
	return malloc.SliceBackend
}

func protectRange(uintptr, int, int) error {
	return errors.ErrUnsupported
}

func readablePages(uintptr, int) int {
	return 0
}
