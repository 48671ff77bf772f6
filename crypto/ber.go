package crypto

import (
	ctasn1 "github.com/google/certificate-transparency-go/asn1"

	verrors "github.com/openrpki/rpvalid/errors"
)

// DecodeBER decodes a BER/DER-encoded ASN.1 structure into out, which
// must be a pointer to a struct describing the expected schema (the
// same convention encoding/asn1 uses). §4.B treats this as an opaque
// decode step the object parsers feed raw bytes into; the
// certificate-transparency-go fork is used in place of the standard
// library's encoding/asn1 because it tolerates the looser BER framing
// RPKI CMS objects from older publication points still emit, where the
// standard library's stricter DER-only decoder rejects them outright.
func DecodeBER(data []byte, out interface{}) error {
	rest, err := ctasn1.Unmarshal(data, out)
	if err != nil {
		return verrors.New(verrors.InvalidInput, "BER/DER decode: %s", err)
	}
	if len(rest) != 0 {
		return verrors.New(verrors.InvalidInput, "BER/DER decode: %d trailing bytes", len(rest))
	}
	return nil
}

// DecodeBERWithParams is DecodeBER with explicit ASN.1 field parameters
// (e.g. "explicit,tag:0") for top-level structures that need them, such
// as a CMS ContentInfo's eContent OCTET STRING wrapper.
func DecodeBERWithParams(data []byte, out interface{}, params string) error {
	rest, err := ctasn1.UnmarshalWithParams(data, out, params)
	if err != nil {
		return verrors.New(verrors.InvalidInput, "BER/DER decode: %s", err)
	}
	if len(rest) != 0 {
		return verrors.New(verrors.InvalidInput, "BER/DER decode: %d trailing bytes", len(rest))
	}
	return nil
}
