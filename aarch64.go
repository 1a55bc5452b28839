package detour

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit offset ...  |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit offset ...  |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	branchMask  = uint32(0xfc000000)
	bcondMask   = uint32(0xff000010)
	_Bcond      = uint32(0x54000000)
	adrMask     = uint32(0x9f000000)
	_ADR        = uint32(0x10000000)
	_ADRP       = uint32(0x90000000)
	cbzMask     = uint32(0x7e000000)
	_CBZ        = uint32(0x34000000) // CBZ and CBNZ
	_TBZ        = uint32(0x36000000) // TBZ and TBNZ
	ldrLitMask  = uint32(0x3b000000)
	_LDRLiteral = uint32(0x18000000)

	_LDRX17lit8  = uint32(0x58000051) // LDR X17, #8
	_LDRX17lit12 = uint32(0x58000071) // LDR X17, #12
	_BRX17       = uint32(0xd61f0220)
	_BLRX17      = uint32(0xd63f0220)
	_BRX16       = uint32(0xd61f0200)
	_LDRX16X16   = uint32(0xf9400210) // LDR X16, [X16]
	_NOP         = uint32(0xd503201f)

	arm64AbsJumpSize = 16
	// The literal of an absolute jump starts at offset 8, which keeps it
	// 8-byte aligned in an aligned stub.
	arm64AbsJumpLiteral = 8

	maxBranchOffset = 1 << 27
)

type arm64DetourKind int

const (
	arm64Branch arm64DetourKind = iota
	arm64Abs64
	// arm64Relay is a B to a stub holding an absolute jump.
	arm64Relay
)

func (k arm64DetourKind) Size() int {
	switch k {
	case arm64Branch, arm64Relay:
		return 4
	case arm64Abs64:
		return arm64AbsJumpSize
	}
	return 0
}

func (k arm64DetourKind) String() string {
	switch k {
	case arm64Branch:
		return "b"
	case arm64Abs64:
		return "abs64"
	case arm64Relay:
		return "relay"
	}
	return fmt.Sprintf("arm64DetourKind(%d)", int(k))
}

var arm64Thunks = NewBytePatternCollection(
	mustBytePattern("b imm26",
		AddressMeaning{Kind: AddressBranch26},
		Address(3), AddressMasked(0xfc, 0x14)),
	mustBytePattern("ldr x17; br x17",
		AddressMeaning{Kind: AddressAbsolute},
		Exact(0x51, 0x00, 0x00, 0x58, 0x20, 0x02, 0x1f, 0xd6), Address(8)),
	mustBytePattern("precode fixup",
		AddressMeaning{Kind: AddressAbsolute, PrecodeFixup: true},
		Exact(0x8c, 0x00, 0x00, 0x58, // LDR X12, #16
			0xb1, 0x00, 0x00, 0x58, // LDR X17, #20
			0x20, 0x02, 0x1f, 0xd6, // BR X17
			0x1f, 0x20, 0x03, 0xd5), // NOP
		Any(8), Address(8)),
)

type archARM64 struct {
	alloc      ExecutableAllocator
	allowRelay bool
	altEntry   bool
	readable   func(addr uintptr, max int) int
}

func newArchARM64(alloc ExecutableAllocator, cfg Config) *archARM64 {
	return &archARM64{
		alloc:      alloc,
		allowRelay: cfg.AllowRelay,
		altEntry:   cfg.AltEntry,
	}
}

func (a *archARM64) Target() ArchitectureKind {
	return ArchitectureARM64
}

func (a *archARM64) Features() ArchitectureFeature {
	f := ArchImmediate64 | ArchFixedInstructionSize
	if a.altEntry {
		f |= ArchCreateAltEntryPoint
	}
	return f
}

func (a *archARM64) KnownMethodThunks() *BytePatternCollection {
	return arm64Thunks
}

func (a *archARM64) ComputeDetourInfo(from, to uintptr, maxSize int) (NativeDetourInfo, error) {
	info := NativeDetourInfo{From: from, To: to}

	switch {
	case fits(4, maxSize) && branchFits(from, to):
		info.Kind = arm64Branch
	case fits(arm64AbsJumpSize, maxSize):
		info.Kind = arm64Abs64
	case a.allowRelay && fits(4, maxSize):
		info.Kind = arm64Relay
	default:
		return NativeDetourInfo{}, noEncoding(from, to, maxSize)
	}
	return info, nil
}

func (a *archARM64) GetDetourBytes(info NativeDetourInfo, buf []byte) (int, Allocation, error) {
	size := info.Size()
	if len(buf) < size {
		return 0, nil, fmt.Errorf("buffer of %d bytes is too small for a %d byte %v jump", len(buf), size, info.Kind)
	}

	switch info.Kind {
	case arm64Branch:
		binary.LittleEndian.PutUint32(buf, encodeBranch(_B, info.From, info.To))
	case arm64Abs64:
		putARM64AbsJump(buf, info.To)
	case arm64Relay:
		code := make([]byte, arm64AbsJumpSize)
		putARM64AbsJump(code, info.To)
		stub, err := a.alloc.Allocate(code)
		if err != nil {
			return 0, nil, err
		}
		if !branchFits(info.From, stub.Base()) {
			_ = stub.Close()
			return 0, nil, fmt.Errorf("%w: relay stub at %#x is out of range of %#x", ErrNoDetourEncoding, stub.Base(), info.From)
		}
		binary.LittleEndian.PutUint32(buf, encodeBranch(_B, info.From, stub.Base()))
		return size, stub, nil
	default:
		return 0, nil, fmt.Errorf("unknown detour kind %v", info.Kind)
	}
	return size, nil, nil
}

func (a *archARM64) ComputeRetargetInfo(info NativeDetourInfo, to uintptr, maxSize int) (NativeDetourInfo, error) {
	next, err := a.ComputeDetourInfo(info.From, to, maxSize)
	// A relay keeps its stub unless a direct jump fits now.
	if info.Kind == arm64Relay && (err != nil || next.Kind == arm64Relay) {
		info.To = to
		return info, nil
	}
	return next, err
}

func (a *archARM64) GetRetargetBytes(original, retarget NativeDetourInfo, buf []byte, originalAlloc Allocation) (RetargetResult, error) {
	if original.Kind == arm64Relay && retarget.Kind == arm64Relay && originalAlloc != nil {
		var literal [8]byte
		binary.LittleEndian.PutUint64(literal[:], uint64(retarget.To))
		if err := a.alloc.Write(originalAlloc, arm64AbsJumpLiteral, literal[:]); err != nil {
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
//	LDR X16, #16
//	LDR X16, [X16]
//	BR X16
//	NOP
//	.quad <slot address>
func (a *archARM64) CreateNativeVtableProxyStubs(vtableBase uintptr, vtableSize int) ([]Allocation, error) {
	stubs := make([]Allocation, 0, vtableSize)
	for i := range vtableSize {
		code := appendWords(nil, ldrLiteral(16, 16), _LDRX16X16, _BRX16, _NOP)
		code = binary.LittleEndian.AppendUint64(code, uint64(vtableBase+uintptr(i)*8))

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
//	LDR X26, #16
//	LDR X17, #20
//	BR X17
//	NOP
//	.quad <argument>
//	.quad <target>
//
// X26 is the closure context register of Go's internal ABI.
func (a *archARM64) CreateSpecialEntryStub(target, argument uintptr) (Allocation, error) {
	code := appendWords(nil, ldrLiteral(26, 16), ldrLiteral(17, 20), _BRX17, _NOP)
	code = binary.LittleEndian.AppendUint64(code, uint64(argument))
	code = binary.LittleEndian.AppendUint64(code, uint64(target))
	return a.alloc.Allocate(code)
}

func (a *archARM64) AltEntryFactory() AltEntryFactory {
	if !a.altEntry {
		return nil
	}
	return &arm64AltEntry{alloc: a.alloc, readable: a.readable}
}

func (a *archARM64) boundReads(readable func(addr uintptr, max int) int) {
	a.readable = readable
}

func branchFits(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d >= -maxBranchOffset && d < maxBranchOffset
}

func encodeBranch(op uint32, from, to uintptr) uint32 {
	offset := int64(to) - int64(from)
	return op | (uint32(offset>>2) & (1<<26 - 1))
}

// ldrLiteral encodes LDR Xt, #offset (64-bit literal load).
func ldrLiteral(reg uint32, offset int) uint32 {
	return 0x58000000 | (uint32(offset>>2)&0x7ffff)<<5 | reg&0x1f
}

func appendWords(buf []byte, words ...uint32) []byte {
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}

// putARM64AbsJump writes LDR X17, #8; BR X17; .quad to. X17 is the
// intra-procedure-call scratch register.
func putARM64AbsJump(buf []byte, to uintptr) {
	binary.LittleEndian.PutUint32(buf, _LDRX17lit8)
	binary.LittleEndian.PutUint32(buf[4:], _BRX17)
	binary.LittleEndian.PutUint64(buf[arm64AbsJumpLiteral:], uint64(to))
}

type arm64AltEntry struct {
	alloc    ExecutableAllocator
	readable func(addr uintptr, max int) int
}

func (f *arm64AltEntry) CreateAlternateEntrypoint(entry uintptr, minLength int) (uintptr, Allocation, error) {
	covered := (minLength + 3) &^ 3
	window := readableCode(f.readable, entry, covered)
	if len(window) < covered {
		return 0, nil, fmt.Errorf("%w: only %d readable bytes", ErrRelocation, len(window))
	}
	words, err := decodeARM64Prologue(window)
	if err != nil {
		return 0, nil, err
	}

	// Every instruction grows to at most 20 bytes.
	size := len(words)*20 + arm64AbsJumpSize
	stub, err := f.alloc.Allocate(make([]byte, size))
	if err != nil {
		return 0, nil, err
	}

	code, err := relocateARM64(words, entry)
	if err == nil {
		err = f.alloc.Write(stub, 0, code)
	}
	if err != nil {
		return 0, nil, errors.Join(err, stub.Close())
	}
	return stub.Base(), stub, nil
}

// decodeARM64Prologue returns the instruction words in code. It fails on
// undecodable words other than zero padding.
func decodeARM64Prologue(code []byte) ([]uint32, error) {
	words := make([]uint32, 0, len(code)/4)
	for i := 0; i+4 <= len(code); i += 4 {
		raw := code[i : i+4]
		if _, err := arm64asm.Decode(raw); err != nil && !bytes.Equal(raw, []byte{0, 0, 0, 0}) {
			return nil, fmt.Errorf("%w: decode error at offset %d %v: %w", ErrRelocation, i, raw, err)
		}
		words = append(words, binary.LittleEndian.Uint32(raw))
	}
	return words, nil
}

// relocateARM64 rewrites words, which started at src, to run from anywhere,
// then jumps back to the first instruction after them. PC-relative forms
// become absolute, so the result is position independent.
func relocateARM64(words []uint32, src uintptr) ([]byte, error) {
	var out []byte

	for i, w := range words {
		pc := src + uintptr(i*4)

		switch {
		case w&branchMask == _B:
			abs := make([]byte, arm64AbsJumpSize)
			putARM64AbsJump(abs, pc+branchTarget(w))
			out = append(out, abs...)

		case w&branchMask == _BL:
			// LDR X17, #12; BLR X17; B #12; .quad
			out = appendWords(out, _LDRX17lit12, _BLRX17, _B|3)
			out = binary.LittleEndian.AppendUint64(out, uint64(pc+branchTarget(w)))

		case w&bcondMask == _Bcond:
			// B.!cond over an absolute jump to the original target.
			imm19 := int64(int32(w<<8)>>13) * 4
			inverted := _Bcond | (5 << 5) | ((w & 0xf) ^ 1)
			out = appendWords(out, inverted)
			abs := make([]byte, arm64AbsJumpSize)
			putARM64AbsJump(abs, pc+uintptr(imm19))
			out = append(out, abs...)

		case w&adrMask == _ADRP || w&adrMask == _ADR:
			// LDR Xd, #8; B #12; .quad
			out = appendWords(out, ldrLiteral(w&0x1f, 8), _B|3)
			out = binary.LittleEndian.AppendUint64(out, uint64(adrValue(w, pc)))

		case w&cbzMask == _CBZ, w&cbzMask == _TBZ, w&ldrLitMask == _LDRLiteral:
			return nil, fmt.Errorf("%w: instruction %#08x at %#x", ErrRelocation, w, pc)

		default:
			out = appendWords(out, w)
		}
	}

	abs := make([]byte, arm64AbsJumpSize)
	putARM64AbsJump(abs, src+uintptr(len(words)*4))
	return append(out, abs...), nil
}

func branchTarget(w uint32) uintptr {
	return uintptr(int64(int32(w<<6)>>6) * 4)
}

// adrValue computes the address loaded by ADR or ADRP at pc.
//
// ADR/ADRP is encoded as:
// --------------------------------------------------
// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
// --------------------------------------------------
func adrValue(w uint32, pc uintptr) uintptr {
	imm := int64(int32(((w>>5)&0x7ffff)<<2|(w>>29)&3) << 11 >> 11)
	if w&adrMask == _ADRP {
		return uintptr(int64(pc&^0xfff) + imm<<12)
	}
	return uintptr(int64(pc) + imm)
}
