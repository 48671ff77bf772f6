package rpki

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/resources"
)

// RouterCert is a parsed BGPsec router certificate (RFC 8209): an EE
// certificate binding a set of AS numbers to a P-256 public key, with no
// IP resources and no signed-object envelope — it is presented directly,
// never CMS-wrapped.
type RouterCert struct {
	Cert *Certificate
	ASNs *resources.ASNSet
	Key  *ecdsa.PublicKey
}

// ParseRouterCertificate decodes a router certificate and checks the
// profile-specific constraints RFC 8209 adds on top of the ordinary EE
// certificate rules: P-256 key, no IP resource extension, and a Subject
// Key Identifier equal to the SHA-1 digest of the encoded public key
// (RFC 6487 §4.8.2, the one place this profile still requires SHA-1).
func ParseRouterCertificate(der []byte) (*RouterCert, error) {
	cert, err := ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	if cert.IsCA {
		return nil, verrors.New(verrors.InvalidInput, "router certificate must not be a CA certificate")
	}
	if !cert.Resources.IP4.IsEmpty() || !cert.Resources.IP6.IsEmpty() {
		return nil, verrors.New(verrors.InvalidInput, "router certificate must not carry IP resources")
	}
	if cert.Resources.ASN.IsEmpty() {
		return nil, verrors.New(verrors.InvalidInput, "router certificate must carry at least one AS number")
	}

	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || key.Curve.Params().Name != "P-256" {
		return nil, verrors.New(verrors.InvalidInput, "router certificate key must be ECDSA P-256")
	}

	spkiDER, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, verrors.New(verrors.InternalError, "marshaling router key: %s", err)
	}
	keyBits, err := subjectPublicKeyBits(spkiDER)
	if err != nil {
		return nil, err
	}
	digest, err := crypto.Hash(crypto.SHA1, keyBits)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(digest.Bytes, cert.SubjectKeyID) {
		return nil, verrors.New(verrors.InvalidInput, "router certificate SKI does not match SHA-1 of its public key")
	}

	return &RouterCert{Cert: cert, ASNs: cert.Resources.ASN, Key: key}, nil
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// subjectPublicKeyBits extracts the subjectPublicKey BIT STRING's content
// octets from a DER SubjectPublicKeyInfo — the value RFC 6487 §4.8.2
// hashes to derive the Subject Key Identifier, not the SPKI as a whole.
func subjectPublicKeyBits(spkiDER []byte) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "parsing SubjectPublicKeyInfo: %s", err)
	}
	return spki.PublicKey.Bytes, nil
}
