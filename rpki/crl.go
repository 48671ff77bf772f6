package rpki

import (
	"crypto/x509"
	"math/big"
	"time"

	rpvcrypto "github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
)

// CRL is a parsed RFC 6487-profile certificate revocation list: just the
// fields the tree walk needs to decide whether a child certificate's
// serial number has been revoked.
type CRL struct {
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	AKI        []byte
	Revoked    map[string]bool

	raw *x509.RevocationList
}

// ParseCRL decodes a DER-encoded CRL via the standard library's
// RevocationList parser, which already extracts the CRL number extension
// RFC 6487 requires alongside the base RFC 5280 fields.
func ParseCRL(der []byte) (*CRL, error) {
	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, verrors.New(verrors.InvalidInput, "parsing CRL: %s", err)
	}
	if rl.Number == nil {
		return nil, verrors.New(verrors.InvalidInput, "CRL missing CRL number extension")
	}
	revoked := make(map[string]bool, len(rl.RevokedCertificateEntries))
	for _, e := range rl.RevokedCertificateEntries {
		revoked[e.SerialNumber.String()] = true
	}
	return &CRL{
		Number:     rl.Number,
		ThisUpdate: rl.ThisUpdate,
		NextUpdate: rl.NextUpdate,
		AKI:        rl.AuthorityKeyId,
		Revoked:    revoked,
		raw:        rl,
	}, nil
}

// VerifySignedBy checks the CRL's signature against the issuing CA
// certificate's public key.
func (c *CRL) VerifySignedBy(issuer *Certificate) error {
	if err := rpvcrypto.VerifySignature(issuer.PublicKey, c.raw.RawTBSRevocationList, c.raw.Signature); err != nil {
		return verrors.New(verrors.CryptoFailure, "CRL signature verification failed: %s", err)
	}
	return nil
}

// CheckFreshness rejects a CRL whose validity window does not cover now.
func (c *CRL) CheckFreshness(now time.Time) error {
	if now.Before(c.ThisUpdate) {
		return verrors.New(verrors.StaleObject, "CRL not yet valid (thisUpdate in the future)")
	}
	if now.After(c.NextUpdate) {
		return verrors.New(verrors.StaleObject, "CRL past nextUpdate")
	}
	return nil
}

// IsRevoked reports whether serial appears on the CRL.
func (c *CRL) IsRevoked(serial *big.Int) bool {
	return c.Revoked[serial.String()]
}
