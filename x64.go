package detour

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel  = 0xe8 // CALL rel32
	opcodeINT3     = 0xcc
	opcodeJMPrel32 = 0xe9 // JMP rel32
	opcodeJMPrel8  = 0xeb // JMP rel8
	opcodeJccRel32 = 0x80 // second byte of 0F 8x
	opcodeJccRel8  = 0x70

	x86MaxInstructionLength = 15

	amd64AbsJumpSize = 14
	// A relay stub puts its destination on an 8-byte boundary so it can be
	// replaced with a single store.
	amd64RelayStubSize    = 16
	amd64RelayStubLiteral = 8
)

type amd64DetourKind int

const (
	amd64Rel8 amd64DetourKind = iota
	amd64Rel32
	amd64Abs64
	// amd64Relay is a rel32 jump to a stub holding an absolute jump.
	amd64Relay
)

func (k amd64DetourKind) Size() int {
	switch k {
	case amd64Rel8:
		return 2
	case amd64Rel32, amd64Relay:
		return 5
	case amd64Abs64:
		return amd64AbsJumpSize
	}
	return 0
}

func (k amd64DetourKind) String() string {
	switch k {
	case amd64Rel8:
		return "rel8"
	case amd64Rel32:
		return "rel32"
	case amd64Abs64:
		return "abs64"
	case amd64Relay:
		return "relay"
	}
	return fmt.Sprintf("amd64DetourKind(%d)", int(k))
}

var amd64Thunks = NewBytePatternCollection(
	mustBytePattern("jmp rel32",
		AddressMeaning{Kind: AddressRelative32},
		Exact(opcodeJMPrel32), Address(4)),
	mustBytePattern("jmp [rip+disp32]",
		AddressMeaning{Kind: AddressRelative32, Indirect: true},
		Exact(0xff, 0x25), Address(4)),
	mustBytePattern("movabs rax; jmp rax",
		AddressMeaning{Kind: AddressAbsolute},
		Exact(0x48, 0xb8), Address(8), Exact(0xff, 0xe0)),
	mustBytePattern("precode fixup",
		AddressMeaning{Kind: AddressRelative32, Indirect: true, PrecodeFixup: true},
		Exact(0x49, 0xba), Any(8), Exact(0xff, 0x25), Address(4)),
)

type archAMD64 struct {
	alloc      ExecutableAllocator
	allowRelay bool
	altEntry   bool
	readable   func(addr uintptr, max int) int
}

func newArchAMD64(alloc ExecutableAllocator, cfg Config) *archAMD64 {
	return &archAMD64{
		alloc:      alloc,
		allowRelay: cfg.AllowRelay,
		altEntry:   cfg.AltEntry,
	}
}

func (a *archAMD64) Target() ArchitectureKind {
	return ArchitectureAMD64
}

func (a *archAMD64) Features() ArchitectureFeature {
	f := ArchImmediate64
	if a.altEntry {
		f |= ArchCreateAltEntryPoint
	}
	return f
}

func (a *archAMD64) KnownMethodThunks() *BytePatternCollection {
	return amd64Thunks
}

func (a *archAMD64) ComputeDetourInfo(from, to uintptr, maxSize int) (NativeDetourInfo, error) {
	info := NativeDetourInfo{From: from, To: to}

	switch {
	case fits(2, maxSize) && relFits(from+2, to, math.MinInt8, math.MaxInt8):
		info.Kind = amd64Rel8
	case fits(5, maxSize) && relFits(from+5, to, math.MinInt32, math.MaxInt32):
		info.Kind = amd64Rel32
	case fits(amd64AbsJumpSize, maxSize):
		info.Kind = amd64Abs64
	case a.allowRelay && fits(5, maxSize):
		info.Kind = amd64Relay
	default:
		return NativeDetourInfo{}, noEncoding(from, to, maxSize)
	}
	return info, nil
}

func (a *archAMD64) GetDetourBytes(info NativeDetourInfo, buf []byte) (int, Allocation, error) {
	size := info.Size()
	if len(buf) < size {
		return 0, nil, fmt.Errorf("buffer of %d bytes is too small for a %d byte %v jump", len(buf), size, info.Kind)
	}

	switch info.Kind {
	case amd64Rel8:
		buf[0] = opcodeJMPrel8
		buf[1] = byte(int8(int64(info.To) - int64(info.From+2)))
	case amd64Rel32:
		putRel32(buf, opcodeJMPrel32, info.From, info.To)
	case amd64Abs64:
		putAMD64AbsJump(buf, info.To)
	case amd64Relay:
		stub, err := a.alloc.Allocate(amd64RelayStub(info.To))
		if err != nil {
			return 0, nil, err
		}
		if !allocationInRange(stub, info.From+5, math.MinInt32, math.MaxInt32) {
			_ = stub.Close()
			return 0, nil, fmt.Errorf("%w: relay stub at %#x is out of range of %#x", ErrNoDetourEncoding, stub.Base(), info.From)
		}
		putRel32(buf, opcodeJMPrel32, info.From, stub.Base())
		return size, stub, nil
	default:
		return 0, nil, fmt.Errorf("unknown detour kind %v", info.Kind)
	}
	return size, nil, nil
}

func (a *archAMD64) ComputeRetargetInfo(info NativeDetourInfo, to uintptr, maxSize int) (NativeDetourInfo, error) {
	next, err := a.ComputeDetourInfo(info.From, to, maxSize)
	// A relay keeps its stub unless a direct jump fits now.
	if info.Kind == amd64Relay && (err != nil || next.Kind == amd64Relay) {
		info.To = to
		return info, nil
	}
	return next, err
}

func (a *archAMD64) GetRetargetBytes(original, retarget NativeDetourInfo, buf []byte, originalAlloc Allocation) (RetargetResult, error) {
	if original.Kind == amd64Relay && retarget.Kind == amd64Relay && originalAlloc != nil {
		var literal [8]byte
		binary.LittleEndian.PutUint64(literal[:], uint64(retarget.To))
		if err := a.alloc.Write(originalAlloc, amd64RelayStubLiteral, literal[:]); err != nil {
			return RetargetResult{}, err
		}
		return RetargetResult{RepatchedAllocation: true}, nil
	}

	n, alloc, err := a.GetDetourBytes(retarget, buf)
	if err != nil {
		return RetargetResult{}, err
	}
	return RetargetResult{
		Written:              n,
		Allocation:           alloc,
		DisposeOldAllocation: originalAlloc != nil,
	}, nil
}

// CreateNativeVtableProxyStubs emits, per slot:
//
//	MOVABS R12, <slot address>
//	JMP [R12]
func (a *archAMD64) CreateNativeVtableProxyStubs(vtableBase uintptr, vtableSize int) ([]Allocation, error) {
	stubs := make([]Allocation, 0, vtableSize)
	for i := range vtableSize {
		code := make([]byte, 14)
		code[0], code[1] = 0x49, 0xbc
		binary.LittleEndian.PutUint64(code[2:], uint64(vtableBase+uintptr(i)*8))
		copy(code[10:], []byte{0x41, 0xff, 0x24, 0x24})

		stub, err := a.alloc.Allocate(code)
		if err != nil {
			return nil, errors.Join(err, closeAllocations(stubs))
		}
		stubs = append(stubs, stub)
	}
	return stubs, nil
}

// CreateSpecialEntryStub emits:
//
//	MOVABS RDX, <argument>
//	JMP [RIP+0]
//	.quad <target>
//
// RDX is the closure context register of Go's internal ABI.
func (a *archAMD64) CreateSpecialEntryStub(target, argument uintptr) (Allocation, error) {
	code := make([]byte, 10+amd64AbsJumpSize)
	code[0], code[1] = 0x48, 0xba
	binary.LittleEndian.PutUint64(code[2:], uint64(argument))
	putAMD64AbsJump(code[10:], target)
	return a.alloc.Allocate(code)
}

func (a *archAMD64) AltEntryFactory() AltEntryFactory {
	if !a.altEntry {
		return nil
	}
	return &amd64AltEntry{alloc: a.alloc, readable: a.readable}
}

func (a *archAMD64) boundReads(readable func(addr uintptr, max int) int) {
	a.readable = readable
}

func relFits(next, to uintptr, lo, hi int64) bool {
	d := int64(to) - int64(next)
	return d >= lo && d <= hi
}

func putRel32(buf []byte, opcode byte, from, to uintptr) {
	buf[0] = opcode
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(int64(to)-int64(from+5))))
}

// putAMD64AbsJump writes JMP [RIP+0] followed by the destination. It
// clobbers no registers.
func putAMD64AbsJump(buf []byte, to uintptr) {
	copy(buf, []byte{0xff, 0x25, 0, 0, 0, 0})
	binary.LittleEndian.PutUint64(buf[6:], uint64(to))
}

func amd64RelayStub(to uintptr) []byte {
	code := []byte{0xff, 0x25, 0x02, 0, 0, 0, opcodeINT3, opcodeINT3}
	return binary.LittleEndian.AppendUint64(code, uint64(to))
}

type amd64AltEntry struct {
	alloc    ExecutableAllocator
	readable func(addr uintptr, max int) int
}

func (f *amd64AltEntry) CreateAlternateEntrypoint(entry uintptr, minLength int) (uintptr, Allocation, error) {
	window := readableCode(f.readable, entry, minLength+x86MaxInstructionLength)
	insts, covered, err := decodeAMD64Prologue(window, minLength)
	if err != nil {
		return 0, nil, err
	}

	// Reserve room for the worst case before the final address is known.
	size := covered + amd64AbsJumpSize
	for _, in := range insts {
		if _, ok := in.inst.Args[0].(x86asm.Rel); ok {
			size += 4
		}
	}

	stub, err := f.alloc.Allocate(bytes.Repeat([]byte{opcodeINT3}, size))
	if err != nil {
		return 0, nil, err
	}

	code, err := relocateAMD64(insts, entry, stub.Base(), covered)
	if err == nil {
		err = f.alloc.Write(stub, 0, code)
	}
	if err != nil {
		return 0, nil, errors.Join(err, stub.Close())
	}
	return stub.Base(), stub, nil
}

type x86Instruction struct {
	offset int
	raw    []byte
	inst   x86asm.Inst
}

// decodeAMD64Prologue decodes whole instructions until at least minLength
// bytes are covered.
func decodeAMD64Prologue(code []byte, minLength int) ([]x86Instruction, int, error) {
	var insts []x86Instruction
	offset := 0
	for offset < minLength {
		if offset >= len(code) {
			return nil, 0, fmt.Errorf("%w: only %d readable bytes", ErrRelocation, len(code))
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decode error at offset %d: %w", ErrRelocation, offset, err)
		}
		insts = append(insts, x86Instruction{
			offset: offset,
			raw:    code[offset : offset+inst.Len],
			inst:   inst,
		})
		offset += inst.Len
	}
	return insts, offset, nil
}

var conditionalJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
}

// relocateAMD64 copies insts, which started at src, so they run correctly
// from dst, then jumps back to src+covered. Relative branches are widened to
// rel32 and RIP-relative operands are adjusted.
func relocateAMD64(insts []x86Instruction, src, dst uintptr, covered int) ([]byte, error) {
	var (
		out []byte
		err error
	)

	for _, in := range insts {
		next := src + uintptr(in.offset+in.inst.Len)

		rel, isRel := in.inst.Args[0].(x86asm.Rel)
		switch {
		case isRel && in.inst.Op == x86asm.JMP:
			out, err = appendRel32(out, dst, []byte{opcodeJMPrel32}, next+uintptr(int64(rel)))
		case isRel && in.inst.Op == x86asm.CALL:
			out, err = appendRel32(out, dst, []byte{opcodeCALLrel}, next+uintptr(int64(rel)))
		case isRel && conditionalJumps[in.inst.Op]:
			cc, ok := conditionCode(in.raw)
			if !ok {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrRelocation, in.inst, in.offset)
			}
			out, err = appendRel32(out, dst, []byte{0x0f, opcodeJccRel32 | cc}, next+uintptr(int64(rel)))
		case isRel:
			// JCXZ, LOOP and friends only have a rel8 form.
			return nil, fmt.Errorf("%w: %v at offset %d", ErrRelocation, in.inst, in.offset)
		default:
			out, err = appendRIPRelative(out, dst, in, next)
		}
		if err != nil {
			return nil, err
		}
	}

	abs := make([]byte, amd64AbsJumpSize)
	putAMD64AbsJump(abs, src+uintptr(covered))
	return append(out, abs...), nil
}

func appendRel32(out []byte, dst uintptr, opcode []byte, target uintptr) ([]byte, error) {
	next := dst + uintptr(len(out)+len(opcode)+4)
	if !relFits(next, target, math.MinInt32, math.MaxInt32) {
		return nil, fmt.Errorf("%w: branch target %#x is out of range of %#x", ErrRelocation, target, next)
	}
	out = append(out, opcode...)
	return binary.LittleEndian.AppendUint32(out, uint32(int32(int64(target)-int64(next)))), nil
}

// conditionCode extracts the condition from the raw bytes of a Jcc.
func conditionCode(raw []byte) (byte, bool) {
	n := len(raw)
	if n >= 6 && raw[n-6] == 0x0f && raw[n-5]&0xf0 == opcodeJccRel32 {
		return raw[n-5] & 0x0f, true
	}
	if n >= 2 && raw[n-2]&0xf0 == opcodeJccRel8 {
		return raw[n-2] & 0x0f, true
	}
	return 0, false
}

// appendRIPRelative copies an instruction, fixing its displacement if it
// addresses memory relative to RIP.
func appendRIPRelative(out []byte, dst uintptr, in x86Instruction, next uintptr) ([]byte, error) {
	start := len(out)
	out = append(out, in.raw...)

	var (
		mem   x86asm.Mem
		found bool
		imm   bool
	)
	for _, arg := range in.inst.Args {
		switch arg := arg.(type) {
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				mem, found = arg, true
			}
		case x86asm.Imm:
			imm = true
		}
	}
	if !found {
		return out, nil
	}

	pos := dispOffset(in.raw, int32(mem.Disp), imm)
	if pos < 0 {
		return nil, fmt.Errorf("%w: cannot find displacement of %v", ErrRelocation, in.inst)
	}

	target := next + uintptr(mem.Disp)
	newNext := dst + uintptr(start+in.inst.Len)
	if !relFits(newNext, target, math.MinInt32, math.MaxInt32) {
		return nil, fmt.Errorf("%w: %v cannot reach %#x from %#x", ErrRelocation, in.inst, target, newNext)
	}
	binary.LittleEndian.PutUint32(out[start+pos:], uint32(int32(int64(target)-int64(newNext))))
	return out, nil
}

// dispOffset finds the disp32 field. It's the last four bytes unless an
// immediate follows it.
func dispOffset(raw []byte, disp int32, imm bool) int {
	n := len(raw)
	if !imm {
		if n < 4 {
			return -1
		}
		return n - 4
	}

	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], uint32(disp))
	for _, immSize := range []int{1, 2, 4} {
		pos := n - 4 - immSize
		if pos >= 0 && bytes.Equal(raw[pos:pos+4], want[:]) {
			return pos
		}
	}
	return -1
}
