package khqr

import "testing"

func TestChecksumKnownVector(t *testing.T) {
	// CRC16-CCITT with init 0xFFFF over "123456789" is the standard
	// regression vector.
	if got := Checksum([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("expected 0x29B1, got 0x%04X", got)
	}
}

func TestChecksumHexFormat(t *testing.T) {
	if got := ChecksumHex("123456789"); got != "29B1" {
		t.Fatalf("expected 29B1, got %s", got)
	}
	// Zero padding must survive small checksums.
	if got := ChecksumHex(""); len(got) != 4 {
		t.Fatalf("expected 4 hex digits, got %q", got)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	data := []byte("00020101021229180014merchant1@bank")
	if Checksum(data) != Checksum(data) {
		t.Fatal("checksum must be deterministic")
	}
}
