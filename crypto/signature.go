package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"

	verrors "github.com/openrpki/rpvalid/errors"
)

// VerifySignature checks signature over signedData using the public key
// carried in spki (a parsed SubjectPublicKeyInfo, as produced by
// x509.ParsePKIXPublicKey or a certificate's PublicKey field). RPKI
// mandates RSA with SHA-256 (RFC 7935); ECDSA is accepted only for
// BGPsec router keys, which carry P-256 keys.
func VerifySignature(spki interface{}, signedData, signature []byte) error {
	digest, err := Hash(SHA256, signedData)
	if err != nil {
		return err
	}

	switch pub := spki.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest.Bytes, signature); err != nil {
			return verrors.New(verrors.CryptoFailure, "signature verification failed: %s", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest.Bytes, signature) {
			return verrors.New(verrors.CryptoFailure, "ECDSA signature verification failed")
		}
		return nil
	default:
		return verrors.New(verrors.InvalidInput, "unsupported public key type %T", spki)
	}
}

// ParseSPKI parses a DER-encoded SubjectPublicKeyInfo into the key type
// VerifySignature expects.
func ParseSPKI(der []byte) (interface{}, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, verrors.New(verrors.InvalidInput, "parsing SubjectPublicKeyInfo: %s", err)
	}
	return pub, nil
}
