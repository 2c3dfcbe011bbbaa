package transport

import "testing"

func TestAppendVerifyCRC(t *testing.T) {
	wire := appendCRC("AT%MGFN")
	if wire == "AT%MGFN" {
		t.Fatal("no CRC trailer appended")
	}
	body, ok := verifyCRC(wire)
	if !ok {
		t.Fatal("round-tripped CRC did not verify")
	}
	if body != "AT%MGFN" {
		t.Errorf("body = %q, want AT%%MGFN", body)
	}
}

func TestVerifyCRCMismatch(t *testing.T) {
	_, ok := verifyCRC("AT%MGFN*0000")
	if ok {
		t.Error("corrupt trailer accepted")
	}
}

func TestVerifyCRCNoTrailer(t *testing.T) {
	tests := []string{"OK", "%MGFN: \"3\",40", "AT*X"}
	for _, line := range tests {
		body, ok := verifyCRC(line)
		if !ok || body != line {
			t.Errorf("verifyCRC(%q) = %q, %v; want unchanged, true", line, body, ok)
		}
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: KindTimeout, Msg: "AT%MGRS"}
	if e.Error() != "transport timeout: AT%MGRS" {
		t.Errorf("Error() = %q", e.Error())
	}
}
