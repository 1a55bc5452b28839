package detour

import (
	"errors"
	"unsafe"
)

// AddressKind says how the captured address bytes of a thunk are turned
// into the thunk's destination.
type AddressKind int

const (
	// AddressAbsolute is a full little-endian pointer.
	AddressAbsolute AddressKind = iota
	// AddressRelative32 is a signed 32-bit offset from the end of the
	// address field (x86-64 rel32 and RIP-relative operands).
	AddressRelative32
	// AddressBranch26 is an arm64 B instruction whose signed 26-bit word
	// offset is relative to the instruction.
	AddressBranch26
)

// AddressMeaning describes how to compute the next address from a matched
// thunk.
type AddressMeaning struct {
	Kind AddressKind
	// Indirect means the computed address holds a pointer to the next
	// address rather than being the next address itself.
	Indirect bool
	// PrecodeFixup marks thunks that exist because the method has not been
	// compiled yet.
	PrecodeFixup bool
}

// ProcessAddress computes the next address for a thunk at entry whose
// address field occupies bytes [start, end).
func (m AddressMeaning) ProcessAddress(entry uintptr, start, end int, raw uint64) uintptr {
	var addr uintptr
	switch m.Kind {
	case AddressAbsolute:
		addr = uintptr(raw)
	case AddressRelative32:
		addr = entry + uintptr(end) + uintptr(int64(int32(uint32(raw))))
	case AddressBranch26:
		offset := int64(int32(uint32(raw)<<6)>>6) * 4
		addr = entry + uintptr(start) + uintptr(offset)
	}

	if m.Indirect {
		addr = *(*uintptr)(unsafe.Pointer(addr))
	}
	return addr
}

type patternByte struct {
	mask    byte
	value   byte
	address bool
}

// PatternSegment is part of a BytePattern.
type PatternSegment []patternByte

// Exact matches the given bytes.
func Exact(b ...byte) PatternSegment {
	seg := make(PatternSegment, len(b))
	for i := range b {
		seg[i] = patternByte{mask: 0xff, value: b[i]}
	}
	return seg
}

// Any matches n arbitrary bytes.
func Any(n int) PatternSegment {
	return make(PatternSegment, n)
}

// Masked matches one byte where b&mask == value.
func Masked(mask, value byte) PatternSegment {
	return PatternSegment{{mask: mask, value: value & mask}}
}

// Address captures n bytes of the address field.
func Address(n int) PatternSegment {
	seg := make(PatternSegment, n)
	for i := range seg {
		seg[i].address = true
	}
	return seg
}

// AddressMasked captures one address byte that must also satisfy
// b&mask == value.
func AddressMasked(mask, value byte) PatternSegment {
	return PatternSegment{{mask: mask, value: value & mask, address: true}}
}

// BytePattern is a fixed instruction sequence, with wildcards, recognized as
// a thunk.
type BytePattern struct {
	Name    string
	Meaning AddressMeaning

	bytes     []patternByte
	addrStart int
	addrEnd   int
}

// NewBytePattern joins segments into a pattern. There must be exactly one
// contiguous address field of at most 8 bytes.
func NewBytePattern(name string, meaning AddressMeaning, segments ...PatternSegment) (*BytePattern, error) {
	p := &BytePattern{Name: name, Meaning: meaning, addrStart: -1}
	for _, seg := range segments {
		p.bytes = append(p.bytes, seg...)
	}

	for i, b := range p.bytes {
		if !b.address {
			continue
		}
		switch {
		case p.addrStart < 0:
			p.addrStart = i
		case p.addrEnd != i:
			return nil, errors.New("pattern address field is not contiguous")
		}
		p.addrEnd = i + 1
	}

	if p.addrStart < 0 {
		return nil, errors.New("pattern has no address field")
	}
	if p.addrEnd-p.addrStart > 8 {
		return nil, errors.New("pattern address field is longer than 8 bytes")
	}
	return p, nil
}

func mustBytePattern(name string, meaning AddressMeaning, segments ...PatternSegment) *BytePattern {
	p, err := NewBytePattern(name, meaning, segments...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of bytes the pattern covers.
func (p *BytePattern) Len() int {
	return len(p.bytes)
}

// TryMatchAt matches the pattern against the start of data and returns the
// little-endian address field.
func (p *BytePattern) TryMatchAt(data []byte) (uint64, bool) {
	if len(data) < len(p.bytes) {
		return 0, false
	}

	var raw uint64
	for i, b := range p.bytes {
		if data[i]&b.mask != b.value {
			return 0, false
		}
		if b.address {
			raw |= uint64(data[i]) << (8 * (i - p.addrStart))
		}
	}
	return raw, true
}

// ProcessAddress computes the thunk's destination from its captured address.
func (p *BytePattern) ProcessAddress(entry uintptr, raw uint64) uintptr {
	return p.Meaning.ProcessAddress(entry, p.addrStart, p.addrEnd, raw)
}

// BytePatternCollection is a set of thunk patterns.
type BytePatternCollection struct {
	patterns  []*BytePattern
	maxLength int
}

func NewBytePatternCollection(patterns ...*BytePattern) *BytePatternCollection {
	c := &BytePatternCollection{patterns: patterns}
	for _, p := range patterns {
		c.maxLength = max(c.maxLength, p.Len())
	}
	return c
}

// MaxLength returns the length of the longest pattern, which bounds how much
// memory a match needs to look at.
func (c *BytePatternCollection) MaxLength() int {
	return c.maxLength
}

func (c *BytePatternCollection) Patterns() []*BytePattern {
	return append([]*BytePattern(nil), c.patterns...)
}

// TryMatchAt returns the first pattern that matches the start of data.
func (c *BytePatternCollection) TryMatchAt(data []byte) (*BytePattern, uint64, bool) {
	for _, p := range c.patterns {
		if raw, ok := p.TryMatchAt(data); ok {
			return p, raw, true
		}
	}
	return nil, 0, false
}
