package detour

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble formats code, which runs at base, one instruction per line.
// Undecodable instructions print as "?".
func Disassemble(kind ArchitectureKind, code []byte, base uintptr) (string, error) {
	var buf bytes.Buffer

	switch kind {
	case ArchitectureAMD64:
		for i := 0; i < len(code); {
			n, asm := 1, "?"
			if inst, err := x86asm.Decode(code[i:], 64); err == nil {
				n, asm = inst.Len, inst.String()
			}
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+n]), asm)
			i += n
		}

	case ArchitectureARM64:
		for i := 0; i < len(code)&^3; i += 4 {
			asm := "?"
			if inst, err := arm64asm.Decode(code[i:]); err == nil {
				asm = inst.String()
			}
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
		}

	default:
		return "", fmt.Errorf("%w: architecture %s", ErrUnsupportedPlatform, kind)
	}

	return buf.String(), nil
}
