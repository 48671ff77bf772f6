// Package rtr implements the RPKI-to-Router protocol server (§4.H,
// §4.I): a TCP listener that streams a vrpdb.DB's validated payloads to
// routers, and the notifier that wakes sessions when the database
// commits a new serial.
package rtr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// PDU type codes, RFC 6810 §5 (v0) and RFC 8210 §5 (v1, adding Router
// Key).
const (
	PDUSerialNotify  = 0
	PDUSerialQuery   = 1
	PDUResetQuery    = 2
	PDUCacheResponse = 3
	PDUIPv4Prefix    = 4
	PDUIPv6Prefix    = 6
	PDUEndOfData     = 7
	PDUCacheReset    = 8
	PDURouterKey     = 9
	PDUErrorReport   = 10
)

// Error Report codes, RFC 8210 §5.11.
const (
	ErrCorruptData                = 0
	ErrInternalError              = 1
	ErrNoDataAvailable            = 2
	ErrInvalidRequest             = 3
	ErrUnsupportedProtocolVersion = 4
	ErrUnsupportedPDUType         = 5
	ErrWithdrawalOfUnknownRecord  = 6
	ErrDuplicateAnnouncement      = 7
	ErrUnexpectedProtocolVersion  = 8
)

// VersionV0 is RFC 6810's RTR version; VersionV1 is RFC 8210's, the only
// one that carries Router Key PDUs and End of Data's refresh/retry/expire
// timers.
const (
	VersionV0 = 0
	VersionV1 = 1
)

const headerLen = 8

// MaxPDULength bounds a single PDU's declared length; anything larger is
// almost certainly a malformed or hostile header rather than a real
// Router Key PDU's variable-length SubjectPublicKeyInfo.
const MaxPDULength = 64 * 1024

// header is the common 8-byte framing every PDU opens with. The 16-bit
// field at offset 2 means different things for different PDU types: a
// session ID (Serial Notify/Query, Cache Response, End of Data), zero
// (Reset Query, Cache Reset, prefix PDUs), announce/withdraw flags
// (Router Key), or an error code (Error Report).
type header struct {
	version uint8
	pduType uint8
	field16 uint16
	length  uint32
}

func decodeHeader(b []byte) header {
	return header{
		version: b[0],
		pduType: b[1],
		field16: binary.BigEndian.Uint16(b[2:4]),
		length:  binary.BigEndian.Uint32(b[4:8]),
	}
}

func encodeHeader(h header) []byte {
	b := make([]byte, headerLen, h.length)
	b[0] = h.version
	b[1] = h.pduType
	binary.BigEndian.PutUint16(b[2:4], h.field16)
	binary.BigEndian.PutUint32(b[4:8], h.length)
	return b
}

// EncodeSerialNotify builds a Serial Notify PDU (type 0).
func EncodeSerialNotify(version uint8, sessionID uint16, serial uint32) []byte {
	b := encodeHeader(header{version, PDUSerialNotify, sessionID, 12})
	return binary.BigEndian.AppendUint32(b, serial)
}

// EncodeSerialQuery builds a Serial Query PDU (type 1), sent by clients.
func EncodeSerialQuery(version uint8, sessionID uint16, serial uint32) []byte {
	b := encodeHeader(header{version, PDUSerialQuery, sessionID, 12})
	return binary.BigEndian.AppendUint32(b, serial)
}

// EncodeResetQuery builds a Reset Query PDU (type 2), sent by clients.
func EncodeResetQuery(version uint8) []byte {
	return encodeHeader(header{version, PDUResetQuery, 0, headerLen})
}

// EncodeCacheResponse builds a Cache Response PDU (type 3).
func EncodeCacheResponse(version uint8, sessionID uint16) []byte {
	return encodeHeader(header{version, PDUCacheResponse, sessionID, headerLen})
}

// EncodeCacheReset builds a Cache Reset PDU (type 8).
func EncodeCacheReset(version uint8) []byte {
	return encodeHeader(header{version, PDUCacheReset, 0, headerLen})
}

// EncodeIPv4Prefix builds an IPv4 Prefix PDU (type 4). announce is true
// for an addition, false for a withdrawal (RFC 8210 §5.6 flags bit 0).
func EncodeIPv4Prefix(version uint8, announce bool, prefix netip.Prefix, maxLength uint8, asn uint32) []byte {
	b := encodeHeader(header{version, PDUIPv4Prefix, 0, headerLen + 12})
	b = append(b, flagsByte(announce), uint8(prefix.Bits()), maxLength, 0)
	addr := prefix.Addr().As4()
	b = append(b, addr[:]...)
	return binary.BigEndian.AppendUint32(b, asn)
}

// EncodeIPv6Prefix builds an IPv6 Prefix PDU (type 6).
func EncodeIPv6Prefix(version uint8, announce bool, prefix netip.Prefix, maxLength uint8, asn uint32) []byte {
	b := encodeHeader(header{version, PDUIPv6Prefix, 0, headerLen + 24})
	b = append(b, flagsByte(announce), uint8(prefix.Bits()), maxLength, 0)
	addr := prefix.Addr().As16()
	b = append(b, addr[:]...)
	return binary.BigEndian.AppendUint32(b, asn)
}

// EncodePrefix dispatches to EncodeIPv4Prefix or EncodeIPv6Prefix by the
// prefix's address family.
func EncodePrefix(version uint8, announce bool, prefix netip.Prefix, maxLength uint8, asn uint32) []byte {
	if prefix.Addr().Is4() {
		return EncodeIPv4Prefix(version, announce, prefix, maxLength, asn)
	}
	return EncodeIPv6Prefix(version, announce, prefix, maxLength, asn)
}

// EncodeRouterKey builds a Router Key PDU (type 9, v1 only): RFC 8210
// §5.10.
func EncodeRouterKey(announce bool, ski []byte, asn uint32, spki []byte) ([]byte, error) {
	if len(ski) != 20 {
		return nil, fmt.Errorf("router key: SKI must be 20 octets, got %d", len(ski))
	}
	length := uint32(headerLen + 20 + 4 + len(spki))
	flags := uint16(0)
	if announce {
		flags = 1
	}
	b := encodeHeader(header{VersionV1, PDURouterKey, flags, length})
	b = append(b, ski...)
	b = binary.BigEndian.AppendUint32(b, asn)
	b = append(b, spki...)
	return b, nil
}

// EncodeEndOfData builds an End of Data PDU (type 7). v0 carries only
// the serial; v1 appends the refresh/retry/expire intervals (RFC 8210
// §5.8).
func EncodeEndOfData(version uint8, sessionID uint16, serial uint32, refresh, retry, expire uint32) []byte {
	length := uint32(headerLen + 4)
	if version == VersionV1 {
		length += 12
	}
	b := encodeHeader(header{version, PDUEndOfData, sessionID, length})
	b = binary.BigEndian.AppendUint32(b, serial)
	if version == VersionV1 {
		b = binary.BigEndian.AppendUint32(b, refresh)
		b = binary.BigEndian.AppendUint32(b, retry)
		b = binary.BigEndian.AppendUint32(b, expire)
	}
	return b
}

// EncodeErrorReport builds an Error Report PDU (type 10): RFC 8210
// §5.11. encapsulated is the raw PDU that triggered the error, if any.
func EncodeErrorReport(version uint8, code uint16, encapsulated []byte, text string) []byte {
	length := uint32(headerLen + 4 + len(encapsulated) + 4 + len(text))
	b := encodeHeader(header{version, PDUErrorReport, code, length})
	b = binary.BigEndian.AppendUint32(b, uint32(len(encapsulated)))
	b = append(b, encapsulated...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(text)))
	b = append(b, text...)
	return b
}

func flagsByte(announce bool) uint8 {
	if announce {
		return 1
	}
	return 0
}

// decodedSerialQuery is a client's Serial Query, parsed from its body.
type decodedSerialQuery struct {
	sessionID uint16
	serial    uint32
}

func decodeSerialQuery(h header, body []byte) (decodedSerialQuery, error) {
	if len(body) != 4 {
		return decodedSerialQuery{}, fmt.Errorf("serial query: body length = %d, want 4", len(body))
	}
	return decodedSerialQuery{sessionID: h.field16, serial: binary.BigEndian.Uint32(body)}, nil
}
