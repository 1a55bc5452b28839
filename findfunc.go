package detour

import _ "unsafe"

// These mirror the prefix of the runtime's symbol table structures that
// funcBodySize reads. Fields past etext are left out, and the types behind
// pointers are opaque.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32
}

// moduledata records information about the layout of the executable
// image. It is written by the linker and must match
// cmd/link/internal/ld/symtab.go up to etext.
type moduledata struct {
	pcHeader     *struct{}
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo
