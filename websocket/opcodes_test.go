package websocket

import "testing"

func TestIsControlFrame(t *testing.T) {
	control := []Opcode{OpcodeClose, OpcodePing, OpcodePong}
	data := []Opcode{OpcodeContinuation, OpcodeText, OpcodeBinary}

	for _, op := range control {
		if !isControlFrame(op) {
			t.Errorf("expected %v to be a control opcode", op)
		}
	}
	for _, op := range data {
		if isControlFrame(op) {
			t.Errorf("expected %v not to be a control opcode", op)
		}
	}
}

func TestIsValidOpcode(t *testing.T) {
	valid := []Opcode{OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong}
	for _, op := range valid {
		if !isValidOpcode(op) {
			t.Errorf("expected %v to be valid", op)
		}
	}

	for _, reserved := range []Opcode{0x3, 0x4, 0x5, 0x6, 0x7, 0xB, 0xC, 0xD, 0xE, 0xF} {
		if isValidOpcode(reserved) {
			t.Errorf("expected reserved opcode 0x%X to be invalid", byte(reserved))
		}
	}
}
