//go:build !arm64

package detour

// x86 keeps instruction fetch coherent with stores, so there's nothing to
// flush.
func cacheflush(buf []byte) {}
