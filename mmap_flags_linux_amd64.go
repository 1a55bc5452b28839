package detour

import "golang.org/x/sys/unix"

// Keep stubs in the low 2GiB, next to a non-PIE binary's text, so rel32
// jumps reach them.
const arenaMapFlags = unix.MAP_32BIT
