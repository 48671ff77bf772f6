package rpki

import (
	"bytes"
	"crypto/sha256"
	"time"

	asn1 "github.com/google/certificate-transparency-go/asn1"

	rpvcrypto "github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
)

// RFC 6488 restricts every RPKI signed object to exactly this CMS
// profile: one signer, no CRLs in the envelope, SubjectKeyIdentifier
// signer identification, SHA-256 throughout.
var (
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentTypeAttr = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	Crls             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type signerInfo struct {
	Version            int
	Sid                asn1.RawValue
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SignedObject is a validated CMS-wrapped RPKI object: the decoded
// eContent payload plus the embedded EE certificate that signed it. The
// EE certificate's own chain (signature, validity, resources against its
// issuing CA) is left to the caller, which already holds the issuing CA
// Certificate from the tree walk.
type SignedObject struct {
	EContent []byte
	EECert   *Certificate
}

// VerifySignedObject decodes and structurally validates a CMS SignedData
// object per RFC 6488: single signer, SHA-256 throughout, signed
// attributes present and self-consistent, exactly one embedded EE
// certificate, signature verifies under that certificate's key. now gates
// nothing here; the EE certificate's own validity window is checked by
// the caller alongside its resource extent.
func VerifySignedObject(der []byte, wantEContentType asn1.ObjectIdentifier, now time.Time) (*SignedObject, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "CMS ContentInfo: %s", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, verrors.New(verrors.InvalidInput, "CMS: not id-signedData")
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.FullBytes, &sd); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "CMS SignedData: %s", err)
	}
	if sd.Version != 3 {
		return nil, verrors.New(verrors.InvalidInput, "CMS SignedData: unexpected version %d", sd.Version)
	}
	if len(sd.Crls.Bytes) != 0 {
		return nil, verrors.New(verrors.InvalidInput, "CMS SignedData: crls field must be absent")
	}
	if !sd.EncapContentInfo.EContentType.Equal(wantEContentType) {
		return nil, verrors.New(verrors.InvalidInput, "CMS: unexpected eContentType %s", sd.EncapContentInfo.EContentType)
	}
	eContent := sd.EncapContentInfo.EContent.Bytes

	if len(sd.DigestAlgorithms) != 1 || !sd.DigestAlgorithms[0].Algorithm.Equal(oidSHA256) {
		return nil, verrors.New(verrors.CryptoFailure, "CMS: digestAlgorithms must be exactly {sha256}")
	}

	eeCert, err := extractSoleCertificate(sd.Certificates)
	if err != nil {
		return nil, err
	}

	if len(sd.SignerInfos) != 1 {
		return nil, verrors.New(verrors.InvalidInput, "CMS: expected exactly one signerInfo, got %d", len(sd.SignerInfos))
	}
	si := sd.SignerInfos[0]

	if !si.DigestAlgorithm.Algorithm.Equal(oidSHA256) {
		return nil, verrors.New(verrors.CryptoFailure, "CMS: signerInfo digestAlgorithm is not sha256")
	}

	if si.Sid.Class != asn1.ClassContextSpecific || si.Sid.Tag != 0 {
		return nil, verrors.New(verrors.InvalidInput, "CMS: signer identification must be subjectKeyIdentifier")
	}
	if !bytes.Equal(si.Sid.Bytes, eeCert.SubjectKeyID) {
		return nil, verrors.New(verrors.InvalidInput, "CMS: signerInfo ski does not match embedded EE certificate")
	}

	if len(si.SignedAttrs.Bytes) == 0 {
		return nil, verrors.New(verrors.InvalidInput, "CMS: signedAttrs must be present")
	}
	attrs, err := parseSignedAttrs(si.SignedAttrs)
	if err != nil {
		return nil, err
	}
	if err := checkSignedAttrs(attrs, sd.EncapContentInfo.EContentType, eContent); err != nil {
		return nil, err
	}

	signedBytes := reencodeAsSet(si.SignedAttrs)
	if err := rpvcrypto.VerifySignature(eeCert.PublicKey, signedBytes, si.Signature); err != nil {
		return nil, verrors.New(verrors.CryptoFailure, "CMS: signature verification failed: %s", err)
	}

	return &SignedObject{EContent: eContent, EECert: eeCert}, nil
}

func extractSoleCertificate(certs asn1.RawValue) (*Certificate, error) {
	if len(certs.Bytes) == 0 {
		return nil, verrors.New(verrors.InvalidInput, "CMS: certificates field is empty")
	}
	var raws []asn1.RawValue
	if _, err := asn1.UnmarshalWithParams(reencodeAsSet(certs), &raws, "set"); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "CMS: certificates: %s", err)
	}
	if len(raws) != 1 {
		return nil, verrors.New(verrors.InvalidInput, "CMS: expected exactly one certificate, got %d", len(raws))
	}
	cert, err := ParseCertificate(raws[0].FullBytes)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func parseSignedAttrs(raw asn1.RawValue) ([]attribute, error) {
	var attrs []attribute
	if _, err := asn1.UnmarshalWithParams(reencodeAsSet(raw), &attrs, "set"); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "CMS signedAttrs: %s", err)
	}
	return attrs, nil
}

func checkSignedAttrs(attrs []attribute, eContentType asn1.ObjectIdentifier, eContent []byte) error {
	var sawContentType, sawMessageDigest bool
	for _, a := range attrs {
		switch {
		case a.Type.Equal(oidContentTypeAttr):
			if len(a.Values) != 1 {
				return verrors.New(verrors.InvalidInput, "CMS: malformed content-type attribute")
			}
			var oid asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(a.Values[0].FullBytes, &oid); err != nil {
				return verrors.New(verrors.InvalidInput, "CMS: content-type attribute: %s", err)
			}
			if !oid.Equal(eContentType) {
				return verrors.New(verrors.InvalidInput, "CMS: signed content-type attribute does not match eContentType")
			}
			sawContentType = true
		case a.Type.Equal(oidMessageDigest):
			if len(a.Values) != 1 {
				return verrors.New(verrors.InvalidInput, "CMS: malformed message-digest attribute")
			}
			var digest []byte
			if _, err := asn1.Unmarshal(a.Values[0].FullBytes, &digest); err != nil {
				return verrors.New(verrors.InvalidInput, "CMS: message-digest attribute: %s", err)
			}
			want := sha256.Sum256(eContent)
			if !bytes.Equal(digest, want[:]) {
				return verrors.New(verrors.CryptoFailure, "CMS: message-digest attribute does not match eContent")
			}
			sawMessageDigest = true
		}
	}
	if !sawContentType || !sawMessageDigest {
		return verrors.New(verrors.InvalidInput, "CMS: signedAttrs missing content-type or message-digest")
	}
	return nil
}

// derLength encodes n in DER definite-length form.
func derLength(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var b []byte
	for v := n; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

// reencodeAsSet rebuilds the DER encoding of raw's content octets under a
// universal SET tag, regardless of the tag raw was captured under. RFC
// 5652 §5.4 requires the signedAttrs octets that are hashed and signed to
// use this re-tagging, not the [0] IMPLICIT tag the SignerInfo field
// itself carries on the wire.
func reencodeAsSet(raw asn1.RawValue) []byte {
	out := append([]byte{0x31}, derLength(len(raw.Bytes))...)
	return append(out, raw.Bytes...)
}
