package rtr

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{version: 1, pduType: PDUSerialNotify, field16: 42, length: 12}
	got := decodeHeader(encodeHeader(h))
	if got != h {
		t.Fatalf("decodeHeader(encodeHeader(h)) = %+v, want %+v", got, h)
	}
}

func TestEncodeSerialNotify(t *testing.T) {
	b := EncodeSerialNotify(VersionV1, 7, 99)
	if len(b) != 12 {
		t.Fatalf("length = %d, want 12", len(b))
	}
	h := decodeHeader(b[:headerLen])
	if h.pduType != PDUSerialNotify || h.field16 != 7 || h.length != 12 {
		t.Fatalf("header = %+v", h)
	}
	if serial := binary.BigEndian.Uint32(b[headerLen:]); serial != 99 {
		t.Errorf("serial = %d, want 99", serial)
	}
}

func TestEncodeDecodeSerialQuery(t *testing.T) {
	b := EncodeSerialQuery(VersionV0, 3, 12345)
	h := decodeHeader(b[:headerLen])
	q, err := decodeSerialQuery(h, b[headerLen:])
	if err != nil {
		t.Fatalf("decodeSerialQuery: %s", err)
	}
	if q.sessionID != 3 || q.serial != 12345 {
		t.Errorf("decoded = %+v, want sessionID=3 serial=12345", q)
	}
}

func TestEncodeIPv4Prefix(t *testing.T) {
	prefix := netip.MustParsePrefix("203.0.113.0/24")
	b := EncodeIPv4Prefix(VersionV0, true, prefix, 24, 64500)
	h := decodeHeader(b[:headerLen])
	if h.pduType != PDUIPv4Prefix || h.length != uint32(len(b)) {
		t.Fatalf("header = %+v, len(b) = %d", h, len(b))
	}
	body := b[headerLen:]
	if body[0] != 1 {
		t.Errorf("flags = %d, want 1 (announce)", body[0])
	}
	if body[1] != 24 {
		t.Errorf("prefix length = %d, want 24", body[1])
	}
	if body[2] != 24 {
		t.Errorf("max length = %d, want 24", body[2])
	}
	addr := body[4:8]
	want := prefix.Addr().As4()
	if string(addr) != string(want[:]) {
		t.Errorf("address octets = %v, want %v", addr, want)
	}
	if asn := binary.BigEndian.Uint32(body[8:12]); asn != 64500 {
		t.Errorf("asn = %d, want 64500", asn)
	}
}

func TestEncodePrefixDispatchesByFamily(t *testing.T) {
	v4 := EncodePrefix(VersionV0, true, netip.MustParsePrefix("10.0.0.0/8"), 8, 1)
	if decodeHeader(v4[:headerLen]).pduType != PDUIPv4Prefix {
		t.Errorf("expected IPv4 Prefix PDU type")
	}
	v6 := EncodePrefix(VersionV0, true, netip.MustParsePrefix("2001:db8::/32"), 32, 1)
	if decodeHeader(v6[:headerLen]).pduType != PDUIPv6Prefix {
		t.Errorf("expected IPv6 Prefix PDU type")
	}
}

func TestEncodeRouterKeyRejectsBadSKILength(t *testing.T) {
	_, err := EncodeRouterKey(true, []byte{1, 2, 3}, 64500, []byte{0xaa})
	if err == nil {
		t.Fatalf("expected an error for a non-20-byte SKI")
	}
}

func TestEncodeRouterKeyRoundTrip(t *testing.T) {
	ski := make([]byte, 20)
	for i := range ski {
		ski[i] = byte(i)
	}
	spki := []byte{0x30, 0x59, 0xaa, 0xbb}
	b, err := EncodeRouterKey(true, ski, 64500, spki)
	if err != nil {
		t.Fatalf("EncodeRouterKey: %s", err)
	}
	h := decodeHeader(b[:headerLen])
	if h.pduType != PDURouterKey || h.field16 != 1 {
		t.Fatalf("header = %+v, want announce flag set", h)
	}
	body := b[headerLen:]
	if string(body[:20]) != string(ski) {
		t.Errorf("SKI mismatch")
	}
	if asn := binary.BigEndian.Uint32(body[20:24]); asn != 64500 {
		t.Errorf("asn = %d, want 64500", asn)
	}
	if string(body[24:]) != string(spki) {
		t.Errorf("SPKI mismatch")
	}
}

func TestEncodeEndOfDataV0OmitsTimers(t *testing.T) {
	b := EncodeEndOfData(VersionV0, 1, 5, 3600, 600, 7200)
	if len(b) != headerLen+4 {
		t.Fatalf("v0 End of Data length = %d, want %d", len(b), headerLen+4)
	}
}

func TestEncodeEndOfDataV1IncludesTimers(t *testing.T) {
	b := EncodeEndOfData(VersionV1, 1, 5, 3600, 600, 7200)
	if len(b) != headerLen+16 {
		t.Fatalf("v1 End of Data length = %d, want %d", len(b), headerLen+16)
	}
	body := b[headerLen:]
	if serial := binary.BigEndian.Uint32(body[0:4]); serial != 5 {
		t.Errorf("serial = %d, want 5", serial)
	}
	if refresh := binary.BigEndian.Uint32(body[4:8]); refresh != 3600 {
		t.Errorf("refresh = %d, want 3600", refresh)
	}
}

func TestEncodeErrorReport(t *testing.T) {
	b := EncodeErrorReport(VersionV1, ErrUnsupportedProtocolVersion, []byte{1, 2}, "bad version")
	h := decodeHeader(b[:headerLen])
	if h.pduType != PDUErrorReport || h.field16 != ErrUnsupportedProtocolVersion {
		t.Fatalf("header = %+v", h)
	}
	body := b[headerLen:]
	encapLen := binary.BigEndian.Uint32(body[0:4])
	if encapLen != 2 {
		t.Fatalf("encapsulated length = %d, want 2", encapLen)
	}
	textLen := binary.BigEndian.Uint32(body[4+encapLen : 8+encapLen])
	if textLen != uint32(len("bad version")) {
		t.Fatalf("text length = %d, want %d", textLen, len("bad version"))
	}
	text := string(body[8+encapLen:])
	if text != "bad version" {
		t.Errorf("text = %q, want %q", text, "bad version")
	}
}
