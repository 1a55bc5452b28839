// Package detour redirects native functions at runtime.
//
// A detour overwrites the first bytes of a function with a jump to another
// function. The low level pieces work on raw addresses: an Architecture
// encodes jumps and stubs, a System patches protected memory, and a Runtime
// resolves method bodies and reports recompilation. A Triple bundles the
// three for one platform, and Current returns the one for this process.
//
// Func, Method, Restore and Original build on these for Go functions:
//
//	detour.Func(time.Now, func() time.Time { return fixed })
//	defer detour.Restore(time.Now)
//
// Limitations:
//   - Only amd64 and arm64 on Linux, the BSDs, macOS and Windows
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to redefine inlined functions
//   - Silently fails to redefine generic functions
//   - Original calls the alternate entry point, which re-enters the detoured
//     function if the stack has to grow during the prologue
package detour
