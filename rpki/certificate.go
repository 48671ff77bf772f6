// Package rpki implements the RPKI signed-object family: certificates,
// CMS-wrapped manifests, ROAs, CRLs, and router certificates. Each parser
// follows the same shape as §4.C: decode, then validate against the
// issuing certificate's resources and the profile's structural rules,
// never delegating either step to a general-purpose chain verifier.
package rpki

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/titanous/rocacheck"
	zx509 "github.com/zmap/zcrypto/x509"

	rpvcrypto "github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/resources"
)

// CertType distinguishes the three certificate roles the RPKI profile
// recognizes; each carries different mandatory extensions (§4.C).
type CertType int

const (
	CertTypeCA CertType = iota
	CertTypeEE
	CertTypeRouter
)

// Certificate is the parsed and extension-decoded form of an RPKI
// resource certificate, independent of whether it is a trust anchor, a CA,
// an EE, or a router certificate.
type Certificate struct {
	Raw          []byte
	Subject      pkix.Name
	Issuer       pkix.Name
	NotBefore    time.Time
	NotAfter     time.Time
	SerialNumber *big.Int

	PublicKey      interface{}
	SubjectKeyID   []byte
	AuthorityKeyID []byte

	IsCA bool

	SIA   *SIA
	AIA   string
	CRLDP string

	Resources *resources.Set

	HasRPKIPolicy bool

	rawTBS    []byte
	signature []byte
}

// parsedFields is the subset of an x509 certificate's structure this
// package cares about, independent of which parser produced it.
type parsedFields struct {
	subject, issuer     pkix.Name
	notBefore, notAfter time.Time
	serialNumber        *big.Int
	publicKey           interface{}
	subjectKeyID        []byte
	authorityKeyID      []byte
	isCA                bool
	extensions          []pkix.Extension
	rawTBS, signature   []byte
}

// ParseCertificate decodes a DER-encoded certificate and extracts every
// field the validator needs: standard x509 fields via the standard
// library parser, and the RPKI-specific extensions (SIA, AIA, CRLDP,
// IPAddrBlocks, ASIdentifiers) by hand, since x509.ParseCertificate
// leaves any extension it does not recognize in Extensions rather than
// rejecting it — exactly the property this parser depends on, since it
// never calls (*x509.Certificate).Verify and so never trips the standard
// library's unhandled-critical-extension check.
//
// If the standard library rejects the DER outright, ParseCertificate
// retries with zcrypto/x509, which tolerates the malformed ASN.1
// (negative serials, stray version fields) some older RPKI publication
// points still emit; zcrypto's x509.Certificate mirrors the standard
// library's field layout closely enough that the same extraction logic
// below applies to either.
func ParseCertificate(der []byte) (*Certificate, error) {
	fields, err := parseStrict(der)
	if err != nil {
		var lerr error
		fields, lerr = parseLenient(der)
		if lerr != nil {
			return nil, verrors.New(verrors.InvalidInput, "parsing certificate: %s", err)
		}
	}
	return buildCertificate(der, fields)
}

func parseStrict(der []byte) (*parsedFields, error) {
	xc, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &parsedFields{
		subject:        xc.Subject,
		issuer:         xc.Issuer,
		notBefore:      xc.NotBefore,
		notAfter:       xc.NotAfter,
		serialNumber:   xc.SerialNumber,
		publicKey:      xc.PublicKey,
		subjectKeyID:   xc.SubjectKeyId,
		authorityKeyID: xc.AuthorityKeyId,
		isCA:           xc.IsCA,
		extensions:     xc.Extensions,
		rawTBS:         xc.RawTBSCertificate,
		signature:      xc.Signature,
	}, nil
}

func parseLenient(der []byte) (*parsedFields, error) {
	zc, err := zx509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	exts := make([]pkix.Extension, len(zc.Extensions))
	for i, e := range zc.Extensions {
		exts[i] = pkix.Extension{Id: e.Id, Critical: e.Critical, Value: e.Value}
	}
	return &parsedFields{
		subject:        pkix.Name{CommonName: zc.Subject.CommonName},
		issuer:         pkix.Name{CommonName: zc.Issuer.CommonName},
		notBefore:      zc.NotBefore,
		notAfter:       zc.NotAfter,
		serialNumber:   zc.SerialNumber,
		publicKey:      zc.PublicKey,
		subjectKeyID:   zc.SubjectKeyId,
		authorityKeyID: zc.AuthorityKeyId,
		isCA:           zc.IsCA,
		extensions:     exts,
		rawTBS:         zc.RawTBSCertificate,
		signature:      zc.Signature,
	}, nil
}

func buildCertificate(der []byte, f *parsedFields) (*Certificate, error) {
	c := &Certificate{
		Raw:            der,
		Subject:        f.subject,
		Issuer:         f.issuer,
		NotBefore:      f.notBefore,
		NotAfter:       f.notAfter,
		SerialNumber:   f.serialNumber,
		PublicKey:      f.publicKey,
		SubjectKeyID:   f.subjectKeyID,
		AuthorityKeyID: f.authorityKeyID,
		IsCA:           f.isCA,
		rawTBS:         f.rawTBS,
		signature:      f.signature,
	}

	ip4 := resources.NewIPSet(resources.IPv4)
	ip6 := resources.NewIPSet(resources.IPv6)
	asn := resources.NewASNSet()
	var ip4Inherit, ip6Inherit, asnInherit bool
	var sawResourceExt bool

	for _, ext := range f.extensions {
		switch {
		case ext.Id.Equal(oidSubjectInfoAccess):
			sia, perr := ParseSIA(ext.Value)
			if perr != nil {
				return nil, perr
			}
			c.SIA = sia
		case ext.Id.Equal(oidAuthorityInfoAccess):
			uri, perr := ParseAIA(ext.Value)
			if perr != nil {
				return nil, perr
			}
			c.AIA = uri
		case ext.Id.Equal(oidCRLDistribution):
			uri, perr := ParseCRLDP(ext.Value)
			if perr != nil {
				return nil, perr
			}
			c.CRLDP = uri
		case ext.Id.Equal(oidIPAddrBlocks):
			v4, v4inh, v6, v6inh, perr := ParseIPAddrBlocks(ext.Value)
			if perr != nil {
				return nil, perr
			}
			ip4, ip4Inherit, ip6, ip6Inherit = v4, v4inh, v6, v6inh
			sawResourceExt = true
		case ext.Id.Equal(oidASIdentifiers):
			set, inh, perr := ParseASIdentifiers(ext.Value)
			if perr != nil {
				return nil, perr
			}
			asn, asnInherit = set, inh
			sawResourceExt = true
		case ext.Id.Equal(oidCertificatePolicies):
			ok, perr := ParseCertificatePolicies(ext.Value)
			if perr != nil {
				return nil, perr
			}
			c.HasRPKIPolicy = ok
		case ext.Id.Equal(oidBasicConstraints), ext.Id.Equal(oidKeyUsage),
			ext.Id.Equal(oidSubjectKeyIdentifier), ext.Id.Equal(oidAuthorityKeyIdentifier):
			// Already reflected into IsCA/SubjectKeyID/AuthorityKeyID above.
		default:
			if ext.Critical {
				return nil, verrors.NewForObject(verrors.ResourceViolation, f.subject.String(),
					"unrecognized critical extension %s", ext.Id)
			}
		}
	}

	if !sawResourceExt {
		return nil, verrors.New(verrors.InvalidInput, "certificate carries no IP or AS resource extension")
	}

	c.Resources = &resources.Set{
		IP4:        ip4,
		IP4Inherit: ip4Inherit,
		IP6:        ip6,
		IP6Inherit: ip6Inherit,
		ASN:        asn,
		ASNInherit: asnInherit,
	}

	if !c.HasRPKIPolicy {
		return nil, verrors.New(verrors.InvalidInput, "certificate missing RPKI certificate policy OID")
	}

	return c, nil
}

// VerifySignedBy checks that c's signature verifies under issuer's public
// key. It does no weak-key screening; CheckWeakKey does that separately.
func (c *Certificate) VerifySignedBy(issuer *Certificate) error {
	if err := rpvcrypto.VerifySignature(issuer.PublicKey, c.rawTBS, c.signature); err != nil {
		return verrors.NewForObject(verrors.CryptoFailure, c.Subject.String(), "%s", err)
	}
	return nil
}

// CheckValidity reports whether now falls within [NotBefore, NotAfter].
func (c *Certificate) CheckValidity(now time.Time) error {
	if now.Before(c.NotBefore) {
		return verrors.NewForObject(verrors.ResourceViolation, c.Subject.String(), "certificate not yet valid")
	}
	if now.After(c.NotAfter) {
		return verrors.NewForObject(verrors.StaleObject, c.Subject.String(), "certificate expired")
	}
	return nil
}

// CheckWeakKey rejects RSA public keys the ROCA fingerprint identifies as
// produced by the vulnerable Infineon RSALib key-generation routine
// (CVE-2017-15361). EC keys, used only by router certificates, are not in
// scope for ROCA and always pass.
func (c *Certificate) CheckWeakKey() error {
	rsaKey, ok := c.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil
	}
	if rocacheck.IsWeak(rsaKey) {
		return verrors.NewForObject(verrors.CryptoFailure, c.Subject.String(), "RSA key fails ROCA weak-key screen")
	}
	return nil
}
