package asm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction.
type Line struct {
	PC   uint64
	Inst x86asm.Inst
	// Text is the Intel syntax rendering, or a data directive.
	Text string
}

// Disassemble decodes code placed at pc. The quadword that follows a
// "jmp [rip+0]" is rendered as data. Undecodable bytes end the listing.
func Disassemble(code []byte, mode int, pc uint64) ([]Line, error) {
	var lines []Line
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			return lines, fmt.Errorf("decode at %#x: %w", pc+uint64(off), err)
		}
		addr := pc + uint64(off)
		lines = append(lines, Line{PC: addr, Inst: inst, Text: x86asm.IntelSyntax(inst, addr, nil)})
		off += inst.Len
		if isJmpRIP(inst) && mode == 64 && off+8 <= len(code) {
			v := binary.LittleEndian.Uint64(code[off:])
			lines = append(lines, Line{PC: pc + uint64(off), Text: fmt.Sprintf(".quad %#x", v)})
			off += 8
		}
	}
	return lines, nil
}

func isJmpRIP(inst x86asm.Inst) bool {
	if inst.Op != x86asm.JMP {
		return false
	}
	m, ok := inst.Args[0].(x86asm.Mem)
	return ok && m.Base == x86asm.RIP && m.Disp == 0
}

// Ops returns the mnemonics of lines, skipping data directives.
func Ops(lines []Line) []string {
	var ops []string
	for _, l := range lines {
		if l.Inst.Len == 0 {
			continue
		}
		ops = append(ops, l.Inst.Op.String())
	}
	return ops
}

// Listing renders code as one "pc: instruction" line per instruction. A
// decode error ends the listing with a marker line.
func Listing(code []byte, mode int, pc uint64) string {
	lines, err := Disassemble(code, mode, pc)
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "%#x: %s\n", l.PC, l.Text)
	}
	if err != nil {
		fmt.Fprintf(&sb, "(%v)\n", err)
	}
	return sb.String()
}
