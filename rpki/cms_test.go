package rpki

import (
	"bytes"
	"testing"

	asn1 "github.com/google/certificate-transparency-go/asn1"
)

func TestDerLengthShortAndLongForm(t *testing.T) {
	if got := derLength(5); !bytes.Equal(got, []byte{5}) {
		t.Fatalf("short form: got %v", got)
	}
	if got := derLength(127); !bytes.Equal(got, []byte{127}) {
		t.Fatalf("short form boundary: got %v", got)
	}
	got := derLength(128)
	want := []byte{0x81, 0x80}
	if !bytes.Equal(got, want) {
		t.Fatalf("long form: got %v, want %v", got, want)
	}
}

func TestReencodeAsSetProducesValidSetTag(t *testing.T) {
	raw := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: []byte{0x01, 0x02, 0x03}}
	out := reencodeAsSet(raw)
	if out[0] != 0x31 {
		t.Fatalf("expected universal SET tag 0x31, got 0x%x", out[0])
	}
	if out[1] != byte(len(raw.Bytes)) {
		t.Fatalf("expected length byte %d, got %d", len(raw.Bytes), out[1])
	}
	if !bytes.Equal(out[2:], raw.Bytes) {
		t.Fatalf("expected content octets preserved, got %v", out[2:])
	}
}

func TestSafeManifestFilename(t *testing.T) {
	cases := map[string]bool{
		"router1.roa":  true,
		"a_b-c.123":    true,
		"../escape":    false,
		"":             false,
		".":            false,
		"..":           false,
		"sub/dir.roa":  false,
		"weird name":   false,
	}
	for name, want := range cases {
		if got := safeManifestFilename(name); got != want {
			t.Errorf("safeManifestFilename(%q) = %v, want %v", name, got, want)
		}
	}
}
