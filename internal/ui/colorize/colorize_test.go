package colorize

import "testing"

func TestDisabledPassthrough(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if got := Address(0x36B7C0); got != "0036B7C0" {
		t.Errorf("Address = %q", got)
	}
	if got := Instruction("mov eax, dword ptr [ecx+0x4]"); got != "mov eax, dword ptr [ecx+0x4]" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Kind("data"); got != "data" {
		t.Errorf("Kind = %q", got)
	}
}
