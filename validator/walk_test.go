package validator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/rpki"
)

var oidASIdentifiersW = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
var oidIPAddrBlocksW = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
var oidSubjectInfoAccessW = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}

// fakeSource answers Fetch from an in-memory table keyed by rsync URI,
// standing in for package fetch's real Fetcher.
type fakeSource map[string][]byte

func (f fakeSource) Fetch(_ context.Context, uri string) ([]byte, error) {
	der, ok := f[uri]
	if !ok {
		return nil, fmt.Errorf("fixture: no object published at %s", uri)
	}
	return der, nil
}

// fixture is the small object tree walk_test.go drives RunCycle against:
// one trust anchor publishing a single child CA, which in turn publishes
// one ROA.
type fixture struct {
	tal    *TAL
	source fakeSource
}

func buildFixture(t *testing.T) fixture {
	t.Helper()

	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	thisUpdate := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	nextUpdate := time.Date(2026, 1, 16, 11, 0, 0, 0, time.UTC)

	taKey := genRSAKey(t)
	taMftEEKey := genRSAKey(t)
	ca1Key := genRSAKey(t)
	ca1MftEEKey := genRSAKey(t)
	roaEEKey := genRSAKey(t)

	prefix := netip.MustParsePrefix("203.0.113.0/24")

	taSKI := computeSKI(t, &taKey.PublicKey)
	taExts := []pkix.Extension{
		{Id: oidIPAddrBlocksW, Critical: true, Value: ipAddrBlocksLiteralV4(t, prefix)},
		{Id: oidASIdentifiersW, Critical: true, Value: asIdentifiersLiteral(t, 64500)},
		{Id: oidSubjectInfoAccessW, Value: siaCA(t, "rsync://repo.example.net/ta/", "rsync://repo.example.net/ta/manifest.mft")},
	}
	taDER, taParsed := buildCert(t, certSpec{isCA: true, resources: taExts, serial: 1}, "ta", &taKey.PublicKey, nil, taKey, taSKI, notBefore, notAfter)

	eeEmptyExts := []pkix.Extension{
		{Id: oidASIdentifiersW, Critical: true, Value: asIdentifiersEmpty()},
	}
	taMftEESKI := computeSKI(t, &taMftEEKey.PublicKey)
	taMftEEDER, _ := buildCert(t, certSpec{isCA: false, resources: eeEmptyExts, serial: 2}, "ta-mft-ee", &taMftEEKey.PublicKey, taParsed, taKey, taSKI, notBefore, notAfter)

	ca1SKI := computeSKI(t, &ca1Key.PublicKey)
	ca1Exts := []pkix.Extension{
		{Id: oidIPAddrBlocksW, Critical: true, Value: ipAddrBlocksInheritV4()},
		{Id: oidASIdentifiersW, Critical: true, Value: asIdentifiersInherit()},
		{Id: oidSubjectInfoAccessW, Value: siaCA(t, "rsync://repo.example.net/ca1/", "rsync://repo.example.net/ca1/manifest.mft")},
	}
	ca1DER, ca1Parsed := buildCert(t, certSpec{isCA: true, resources: ca1Exts, serial: 3}, "ca1", &ca1Key.PublicKey, taParsed, taKey, taSKI, notBefore, notAfter)

	ca1MftEESKI := computeSKI(t, &ca1MftEEKey.PublicKey)
	ca1MftEEDER, _ := buildCert(t, certSpec{isCA: false, resources: eeEmptyExts, serial: 4}, "ca1-mft-ee", &ca1MftEEKey.PublicKey, ca1Parsed, ca1Key, ca1SKI, notBefore, notAfter)

	roaEESKI := computeSKI(t, &roaEEKey.PublicKey)
	roaEEExts := []pkix.Extension{
		{Id: oidIPAddrBlocksW, Critical: true, Value: ipAddrBlocksLiteralV4(t, prefix)},
		{Id: oidASIdentifiersW, Critical: true, Value: asIdentifiersLiteral(t, 64500)},
	}
	roaEEDER, _ := buildCert(t, certSpec{isCA: false, resources: roaEEExts, serial: 5}, "roa-ee", &roaEEKey.PublicKey, ca1Parsed, ca1Key, ca1SKI, notBefore, notAfter)

	taCRLDER := buildCRL(t, taParsed, taKey, 1, thisUpdate, nextUpdate)
	ca1CRLDER := buildCRL(t, ca1Parsed, ca1Key, 1, thisUpdate, nextUpdate)

	roaEContent := buildROAEContent(t, 64500, prefix, 24)
	roaCMS := buildCMS(t, rpki.OidROA, roaEContent, roaEEDER, roaEEKey, roaEESKI)

	taMftEContent := buildManifestEContent(t, 1, thisUpdate, nextUpdate, map[string][]byte{
		"ca1.cer": ca1DER,
		"ta.crl":  taCRLDER,
	})
	taMftCMS := buildCMS(t, rpki.OidManifest, taMftEContent, taMftEEDER, taMftEEKey, taMftEESKI)

	ca1MftEContent := buildManifestEContent(t, 1, thisUpdate, nextUpdate, map[string][]byte{
		"roa.roa": roaCMS,
		"ca1.crl": ca1CRLDER,
	})
	ca1MftCMS := buildCMS(t, rpki.OidManifest, ca1MftEContent, ca1MftEEDER, ca1MftEEKey, ca1MftEESKI)

	taSPKI, err := x509.MarshalPKIXPublicKey(&taKey.PublicKey)
	if err != nil {
		t.Fatalf("marshaling TA SPKI: %s", err)
	}

	source := fakeSource{
		"rsync://repo.example.net/ta/ta.cer":          taDER,
		"rsync://repo.example.net/ta/manifest.mft":     taMftCMS,
		"rsync://repo.example.net/ta/ca1.cer":          ca1DER,
		"rsync://repo.example.net/ta/ta.crl":           taCRLDER,
		"rsync://repo.example.net/ca1/manifest.mft":    ca1MftCMS,
		"rsync://repo.example.net/ca1/roa.roa":         roaCMS,
		"rsync://repo.example.net/ca1/ca1.crl":         ca1CRLDER,
	}

	return fixture{
		tal: &TAL{
			Name: "test",
			URIs: []string{"rsync://repo.example.net/ta/ta.cer"},
			SPKI: taSPKI,
		},
		source: source,
	}
}

func genRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %s", err)
	}
	return key
}

func newFixedClock() clock.FakeClock {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	return fc
}

func TestRunCycleValidatesWholeTree(t *testing.T) {
	fx := buildFixture(t)
	d := NewDriver(Config{FetchConcurrency: 4}, fx.source, log.NewMock(), newFixedClock(), nil)

	result, err := d.RunCycle(context.Background(), []*TAL{fx.tal})
	if err != nil {
		t.Fatalf("RunCycle: %s", err)
	}

	if len(result.VRPs) != 1 {
		t.Fatalf("expected 1 VRP, got %d: %+v", len(result.VRPs), result.VRPs)
	}
	vrp := result.VRPs[0]
	if vrp.ASN != 64500 {
		t.Errorf("VRP ASN = %d, want 64500", vrp.ASN)
	}
	if vrp.Prefix.String() != "203.0.113.0/24" {
		t.Errorf("VRP prefix = %s, want 203.0.113.0/24", vrp.Prefix)
	}
	if vrp.MaxLength != 24 {
		t.Errorf("VRP maxLength = %d, want 24", vrp.MaxLength)
	}
	if vrp.TAL != "test" {
		t.Errorf("VRP TAL = %q, want %q", vrp.TAL, "test")
	}

	if n := result.Counters.Accepted["trust-anchor"]; n != 1 {
		t.Errorf("accepted trust-anchor count = %d, want 1", n)
	}
	if n := result.Counters.Accepted["ca_cert"]; n != 1 {
		t.Errorf("accepted ca_cert count = %d, want 1", n)
	}
	if n := result.Counters.Accepted["roa"]; n != 1 {
		t.Errorf("accepted roa count = %d, want 1", n)
	}
	if len(result.Counters.Rejected) != 0 {
		t.Errorf("expected no rejections, got %+v", result.Counters.Rejected)
	}
}

func TestRunCycleRejectsTamperedROAWithoutLosingSiblings(t *testing.T) {
	fx := buildFixture(t)
	// Corrupt the published ROA bytes so its manifest digest no longer
	// matches; the CA and its manifest must still be accepted.
	roa := fx.source["rsync://repo.example.net/ca1/roa.roa"]
	tampered := append([]byte{}, roa...)
	tampered[len(tampered)-1] ^= 0xff
	fx.source["rsync://repo.example.net/ca1/roa.roa"] = tampered

	d := NewDriver(Config{FetchConcurrency: 4, StrictHash: true}, fx.source, log.NewMock(), newFixedClock(), nil)
	result, err := d.RunCycle(context.Background(), []*TAL{fx.tal})
	if err != nil {
		t.Fatalf("RunCycle: %s", err)
	}

	if len(result.VRPs) != 0 {
		t.Fatalf("expected 0 VRPs from a tampered ROA, got %d", len(result.VRPs))
	}
	if n := result.Counters.Accepted["ca_cert"]; n != 1 {
		t.Errorf("sibling ca_cert should still be accepted, got count %d", n)
	}
	if n := result.Counters.Accepted["trust-anchor"]; n != 1 {
		t.Errorf("trust anchor should still be accepted, got count %d", n)
	}
	total := 0
	for _, n := range result.Counters.Rejected {
		total += n
	}
	if total != 1 {
		t.Errorf("expected exactly 1 rejection, got %+v", result.Counters.Rejected)
	}
}

func TestRunCycleHonorsCycleDeadline(t *testing.T) {
	fx := buildFixture(t)
	d := NewDriver(Config{FetchConcurrency: 4}, fx.source, log.NewMock(), newFixedClock(), nil)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
	defer cancel()
	_, err := d.RunCycle(expired, []*TAL{fx.tal})
	if err != ErrCycleDeadlineExceeded {
		t.Fatalf("RunCycle error = %v, want ErrCycleDeadlineExceeded", err)
	}
}
