package validator

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net/netip"
	"testing"
	"time"
)

// This file builds a small, fully DER-encoded RPKI object tree (trust
// anchor, one child CA, one ROA) for walk_test.go to run the validation
// walker against end to end. Every extension is hand-assembled at the
// byte level so the fixture exercises exactly the wire shapes the rpki
// package's parsers expect, the same way extensions_test.go's fixtures
// do for the individual parsers.

func derLen(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var b []byte
	for v := n; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

func derSeq(content []byte) []byte {
	return append([]byte{0x30}, append(derLen(len(content)), content...)...)
}

func derSet(content []byte) []byte {
	return append([]byte{0x31}, append(derLen(len(content)), content...)...)
}

func ctxConstructed(tag byte, content []byte) []byte {
	return append([]byte{0x80 | 0x20 | tag}, append(derLen(len(content)), content...)...)
}

func ctxPrimitive(tag byte, content []byte) []byte {
	return append([]byte{0x80 | tag}, append(derLen(len(content)), content...)...)
}

// computeSKI derives a Subject Key Identifier the same way RFC 6487
// §4.8.2 requires: the SHA-1 digest of the subjectPublicKey BIT STRING's
// content octets.
func computeSKI(t *testing.T, pub interface{}) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshaling public key: %s", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		t.Fatalf("unmarshaling SubjectPublicKeyInfo: %s", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:]
}

type ipAddressFamilyLiteralW struct {
	AddressFamily []byte
	Addresses     []asn1.BitString
}

func ipAddrBlocksLiteralV4(t *testing.T, p netip.Prefix) []byte {
	t.Helper()
	bs := asn1.BitString{Bytes: p.Addr().AsSlice(), BitLength: p.Bits()}
	fam := ipAddressFamilyLiteralW{AddressFamily: []byte{0, 1}, Addresses: []asn1.BitString{bs}}
	der, err := asn1.Marshal([]ipAddressFamilyLiteralW{fam})
	if err != nil {
		t.Fatalf("marshaling IPAddrBlocks: %s", err)
	}
	return der
}

func ipAddrBlocksInheritV4() []byte {
	afi := []byte{0x04, 0x02, 0x00, 0x01}
	null := []byte{0x05, 0x00}
	family := derSeq(append(append([]byte{}, afi...), null...))
	return derSeq(family)
}

func asIdentifiersLiteral(t *testing.T, asns ...int64) []byte {
	t.Helper()
	idsDER, err := asn1.Marshal(asns)
	if err != nil {
		t.Fatalf("marshaling ASIdOrRanges: %s", err)
	}
	explicit := ctxConstructed(0, idsDER)
	return derSeq(explicit)
}

func asIdentifiersInherit() []byte {
	explicit := ctxConstructed(0, []byte{0x05, 0x00})
	return derSeq(explicit)
}

func asIdentifiersEmpty() []byte {
	return []byte{0x30, 0x00}
}

type policyInfoW struct {
	PolicyIdentifier asn1.ObjectIdentifier
}

func certPoliciesRPKI(t *testing.T) []byte {
	t.Helper()
	der, err := asn1.Marshal([]policyInfoW{{PolicyIdentifier: asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 14, 2}}})
	if err != nil {
		t.Fatalf("marshaling certificatePolicies: %s", err)
	}
	return der
}

type accessDescriptionW struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

func uriGeneralNameW(uri string) asn1.RawValue {
	return asn1.RawValue{FullBytes: append([]byte{0x86, byte(len(uri))}, []byte(uri)...)}
}

func siaCA(t *testing.T, repoURI, mftURI string) []byte {
	t.Helper()
	ads := []accessDescriptionW{
		{Method: asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}, Location: uriGeneralNameW(repoURI)},
		{Method: asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}, Location: uriGeneralNameW(mftURI)},
	}
	der, err := asn1.Marshal(ads)
	if err != nil {
		t.Fatalf("marshaling SIA: %s", err)
	}
	return der
}

type certSpec struct {
	isCA      bool
	resources []pkix.Extension
	serial    int64
}

func buildCert(t *testing.T, spec certSpec, subjectCN string, pub *rsa.PublicKey, issuerCert *x509.Certificate, issuerKey *rsa.PrivateKey, issuerSKI []byte, notBefore, notAfter time.Time) ([]byte, *x509.Certificate) {
	t.Helper()
	ski := computeSKI(t, pub)

	extras := append([]pkix.Extension{}, spec.resources...)
	extras = append(extras, pkix.Extension{
		Id:    asn1.ObjectIdentifier{2, 5, 29, 32},
		Value: certPoliciesRPKI(t),
	})

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(spec.serial),
		Subject:               pkix.Name{CommonName: subjectCN},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  spec.isCA,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		AuthorityKeyId:        issuerSKI,
		ExtraExtensions:       extras,
	}
	if spec.isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}

	parent := issuerCert
	signer := issuerKey
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		t.Fatalf("creating certificate %s: %s", subjectCN, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("re-parsing certificate %s: %s", subjectCN, err)
	}
	return der, parsed
}

func buildCRL(t *testing.T, issuerCert *x509.Certificate, issuerKey *rsa.PrivateKey, number int64, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	template := &x509.RevocationList{
		Number:     big.NewInt(number),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuerCert, issuerKey)
	if err != nil {
		t.Fatalf("creating CRL: %s", err)
	}
	return der
}

type algIdentifierW struct {
	Algorithm asn1.ObjectIdentifier
}

type contentTypeAttrW struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.ObjectIdentifier `asn1:"set"`
}

type messageDigestAttrW struct {
	Type   asn1.ObjectIdentifier
	Values [][]byte `asn1:"set"`
}

type wireSignerInfo struct {
	Version            int
	Sid                asn1.RawValue
	DigestAlgorithm    algIdentifierW
	SignedAttrs        asn1.RawValue
	SignatureAlgorithm algIdentifierW
	Signature          []byte
}

type wireEncap struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue
}

type wireSignedData struct {
	Version          int
	DigestAlgorithms []algIdentifierW `asn1:"set"`
	EncapContentInfo wireEncap
	Certificates     asn1.RawValue
	SignerInfos      asn1.RawValue
}

type wireContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

var (
	oidSHA256W          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA256WithRSAW   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidContentTypeAttrW = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigestW   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSignedDataW      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

// buildCMS assembles an RFC 6488-profile CMS SignedData object by hand:
// it signs the RFC 5652 §5.4 re-tagged (universal SET) form of the
// signed attributes, then wraps them on the wire under their actual
// [0] IMPLICIT tag, mirroring rpki/cms.go's reencodeAsSet in reverse.
func buildCMS(t *testing.T, eContentType asn1.ObjectIdentifier, eContent []byte, eeCertDER []byte, eeKey *rsa.PrivateKey, ski []byte) []byte {
	t.Helper()

	ctAttrDER, err := asn1.Marshal(contentTypeAttrW{Type: oidContentTypeAttrW, Values: []asn1.ObjectIdentifier{eContentType}})
	if err != nil {
		t.Fatalf("marshaling content-type attribute: %s", err)
	}
	digest := sha256.Sum256(eContent)
	mdAttrDER, err := asn1.Marshal(messageDigestAttrW{Type: oidMessageDigestW, Values: [][]byte{digest[:]}})
	if err != nil {
		t.Fatalf("marshaling message-digest attribute: %s", err)
	}
	signedAttrsContent := append(append([]byte{}, ctAttrDER...), mdAttrDER...)
	signedAttrsWire := ctxConstructed(0, signedAttrsContent)
	signedBytes := derSet(signedAttrsContent)

	sigDigest := sha256.Sum256(signedBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, eeKey, crypto.SHA256, sigDigest[:])
	if err != nil {
		t.Fatalf("signing CMS attributes: %s", err)
	}

	sidWire := ctxPrimitive(0, ski)
	signerInfoDER, err := asn1.Marshal(wireSignerInfo{
		Version:            3,
		Sid:                asn1.RawValue{FullBytes: sidWire},
		DigestAlgorithm:    algIdentifierW{Algorithm: oidSHA256W},
		SignedAttrs:        asn1.RawValue{FullBytes: signedAttrsWire},
		SignatureAlgorithm: algIdentifierW{Algorithm: oidSHA256WithRSAW},
		Signature:          sig,
	})
	if err != nil {
		t.Fatalf("marshaling SignerInfo: %s", err)
	}
	signerInfosWire := derSet(signerInfoDER)

	eContentOctetString := append([]byte{0x04}, append(derLen(len(eContent)), eContent...)...)
	eContentWire := ctxConstructed(0, eContentOctetString)
	certificatesWire := ctxConstructed(0, eeCertDER)

	signedDataDER, err := asn1.Marshal(wireSignedData{
		Version:          3,
		DigestAlgorithms: []algIdentifierW{{Algorithm: oidSHA256W}},
		EncapContentInfo: wireEncap{EContentType: eContentType, EContent: asn1.RawValue{FullBytes: eContentWire}},
		Certificates:     asn1.RawValue{FullBytes: certificatesWire},
		SignerInfos:      asn1.RawValue{FullBytes: signerInfosWire},
	})
	if err != nil {
		t.Fatalf("marshaling SignedData: %s", err)
	}
	contentWire := ctxConstructed(0, signedDataDER)

	finalDER, err := asn1.Marshal(wireContentInfo{ContentType: oidSignedDataW, Content: asn1.RawValue{FullBytes: contentWire}})
	if err != nil {
		t.Fatalf("marshaling ContentInfo: %s", err)
	}
	return finalDER
}

type fileAndHashW struct {
	File string
	Hash asn1.BitString
}

type manifestContentW struct {
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []fileAndHashW
}

func buildManifestEContent(t *testing.T, number int64, thisUpdate, nextUpdate time.Time, files map[string][]byte) []byte {
	t.Helper()
	mc := manifestContentW{
		ManifestNumber: big.NewInt(number),
		ThisUpdate:     thisUpdate,
		NextUpdate:     nextUpdate,
		FileHashAlg:    oidSHA256W,
	}
	for name, der := range files {
		sum := sha256.Sum256(der)
		mc.FileList = append(mc.FileList, fileAndHashW{File: name, Hash: asn1.BitString{Bytes: sum[:], BitLength: 256}})
	}
	der, err := asn1.Marshal(mc)
	if err != nil {
		t.Fatalf("marshaling manifest content: %s", err)
	}
	return der
}

type roaIPAddressW struct {
	Address   asn1.BitString
	MaxLength int `asn1:"optional,default:-1"`
}

type roaIPAddressFamilyW struct {
	AddressFamily []byte
	Addresses     []roaIPAddressW
}

type roaW struct {
	ASID         int64
	IPAddrBlocks []roaIPAddressFamilyW
}

func buildROAEContent(t *testing.T, asn int64, prefix netip.Prefix, maxLength int) []byte {
	t.Helper()
	roa := roaW{
		ASID: asn,
		IPAddrBlocks: []roaIPAddressFamilyW{
			{
				AddressFamily: []byte{0, 1},
				Addresses: []roaIPAddressW{
					{Address: asn1.BitString{Bytes: prefix.Addr().AsSlice(), BitLength: prefix.Bits()}, MaxLength: maxLength},
				},
			},
		},
	}
	der, err := asn1.Marshal(roa)
	if err != nil {
		t.Fatalf("marshaling ROA content: %s", err)
	}
	return der
}
