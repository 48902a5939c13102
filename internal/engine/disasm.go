package engine

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pactlang/ares/internal/closure"
)

// Disassemble returns a human-readable listing of proto's instruction
// stream, recursing into nested prototypes created by OpClosure. Grounded
// on the teacher's vm.Disassemble; spec.md never asks for one, but a VM
// whose whole point is inspecting state after deserialization needs a
// readable view of the code driving it (SPEC_FULL.md §4).
func Disassemble(proto *closure.Prototype) string {
	var b strings.Builder
	disasm(&b, proto, 0)
	return b.String()
}

func disasm(b *strings.Builder, proto *closure.Prototype, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%sfunction <%s> params=%d upvals=%d maxstack=%d\n",
		indent, proto.Source, proto.NumParams, len(proto.Upvals), proto.MaxStack)

	for i := 0; i+instrWidth <= len(proto.Code); i += instrWidth {
		word := binary.LittleEndian.Uint32(proto.Code[i:])
		op := Opcode(word & 0xFF)
		a := uint8((word >> 8) & 0xFF)
		bb := uint8((word >> 16) & 0xFF)
		c := uint8((word >> 24) & 0xFF)
		imm16 := int16(uint16(bb)<<8 | uint16(c))

		idx := i / instrWidth
		if op.IsWideImmediate() {
			fmt.Fprintf(b, "%s[%04d] %-10s R%d, %d\n", indent, idx, op, a, imm16)
		} else {
			fmt.Fprintf(b, "%s[%04d] %-10s R%d, R%d, R%d\n", indent, idx, op, a, bb, c)
		}
	}

	for _, child := range proto.Prototypes {
		disasm(b, child, depth+1)
	}
}
