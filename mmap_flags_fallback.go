//go:build !(linux && amd64)

package detour

// Elsewhere there's no way to ask for low addresses, so stubs may land out
// of rel32 range of the text segment. The relay form checks for that.
const arenaMapFlags = 0
