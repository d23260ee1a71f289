package tvm

import (
	"encoding/json"
	"strings"
	"testing"
)

const rawAddr = "0:8a37e912309ea5aeb2f1bde2c92a298a1954ef90e4edd39e6a6f486de84c6b2d"

func TestParseRawAndRepack(t *testing.T) {
	addr, err := ParseAddress(rawAddr)
	if err != nil {
		t.Fatalf("parse raw: %v", err)
	}
	if addr.Workchain != 0 {
		t.Fatalf("workchain = %d", addr.Workchain)
	}
	if addr.String() != rawAddr {
		t.Fatalf("raw form = %s", addr.String())
	}

	packed := addr.Base64URL()
	if len(packed) != 48 {
		t.Fatalf("packed length = %d, want 48", len(packed))
	}
	back, err := ParseAddress(packed)
	if err != nil {
		t.Fatalf("parse packed: %v", err)
	}
	if !back.Equal(addr) {
		t.Fatalf("round trip = %s", back)
	}
}

func TestParseMasterchainAddress(t *testing.T) {
	raw := "-1:" + strings.Repeat("ab", 32)
	addr, err := ParseAddress(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Workchain != -1 {
		t.Fatalf("workchain = %d", addr.Workchain)
	}
	back, err := ParseAddress(addr.Base64URL())
	if err != nil {
		t.Fatalf("parse packed: %v", err)
	}
	if back.Workchain != -1 || !back.Equal(addr) {
		t.Fatalf("round trip = %s", back)
	}
}

func TestParsePackedRejectsBadChecksum(t *testing.T) {
	addr := MustParseAddress(rawAddr)
	packed := []byte(addr.Base64URL())
	// Flip a character inside the account id region.
	if packed[10] == 'A' {
		packed[10] = 'B'
	} else {
		packed[10] = 'A'
	}
	if _, err := ParseAddress(string(packed)); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"0:zz",
		"0:" + strings.Repeat("ab", 31),
		"not-an-address",
		"5:" + strings.Repeat("00", 32) + ":extra:colons",
	} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) succeeded", s)
		}
	}
}

func TestNonBounceableFormAccepted(t *testing.T) {
	addr := MustParseAddress(rawAddr)
	nb := addr.Base64URLNonBounceable()
	back, err := ParseAddress(nb)
	if err != nil {
		t.Fatalf("parse non-bounceable: %v", err)
	}
	if !back.Equal(addr) {
		t.Fatal("non-bounceable form decodes to a different account")
	}
}

func TestAddressJSON(t *testing.T) {
	addr := MustParseAddress(rawAddr)
	data, err := json.Marshal(addr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Address
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(addr) {
		t.Fatal("JSON round trip changed the address")
	}

	// The packed form is accepted on input too.
	var fromPacked Address
	if err := json.Unmarshal([]byte(`"`+addr.Base64URL()+`"`), &fromPacked); err != nil {
		t.Fatalf("unmarshal packed: %v", err)
	}
	if !fromPacked.Equal(addr) {
		t.Fatal("packed JSON input decodes to a different account")
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// XMODEM checksum of "123456789" is 0x31c3.
	if got := crc16xmodem([]byte("123456789")); got != 0x31c3 {
		t.Fatalf("crc16 = %#x, want 0x31c3", got)
	}
}
