package rpki

import (
	asn1 "github.com/google/certificate-transparency-go/asn1"
)

// OidGBR is the eContentType a Ghostbusters Record's CMS envelope
// carries (RFC 6493 §3).
var OidGBR = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 35}

// GBR is a Ghostbusters Record: a CMS-wrapped vCard identifying the
// contact responsible for a CA's repository. No vCard field decoding is
// attempted here; this profile only ever needs the raw text for logging
// (§5 "Ghostbusters Record optional parse-and-log"), never machine
// dispatch on its fields.
type GBR struct {
	VCard []byte
}

// ParseGBR wraps a GBR's already-CMS-verified eContent; there is no
// further ASN.1 structure to validate, since the payload is plain text.
func ParseGBR(eContent []byte) *GBR {
	return &GBR{VCard: eContent}
}
