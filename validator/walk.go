package validator

import (
	"bytes"
	"context"
	"crypto/x509"
	"net/netip"
	"strings"

	"golang.org/x/sync/semaphore"

	rpvcrypto "github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/fetch"
	"github.com/openrpki/rpvalid/resources"
	"github.com/openrpki/rpvalid/rpki"
)

// maxRouterKeyExpansion bounds how many per-ASN RouterKeyRecords a single
// router certificate's AS resource extent may expand into, the same way
// ParseROA expands one ROA into one VRP per prefix. Deployed router
// certificates carry a single ASN; this exists so a certificate
// pathologically listing a huge AS range cannot exhaust memory.
const maxRouterKeyExpansion = 4096

// walkTAL fetches and validates the trust anchor certificate named by
// tal, then walks its CA tree. Any failure here aborts this TAL's cycle
// (§4.E step 4: "Failures of a TA or its manifest abort that TAL's
// cycle"), logged but never propagated to sibling TALs.
func (d *Driver) walkTAL(ctx context.Context, tal *TAL, sem *semaphore.Weighted, acc *accumulator) {
	ta, err := d.fetchTACertificate(ctx, tal, sem)
	if err != nil {
		d.logger.Warningf("TAL %s: %s", tal.Name, err)
		acc.reject("trust-anchor")
		return
	}
	acc.acceptObject("trust-anchor")

	stack := map[string]bool{string(ta.SubjectKeyID): true}
	if err := d.walkCA(ctx, ta, sem, acc, tal.Name, stack); err != nil {
		d.logger.Warningf("TAL %s: %s", tal.Name, err)
	}
}

// fetchTACertificate tries each TAL URI in order until one yields a
// certificate whose SPKI matches the TAL, that is self-signed, currently
// valid, and carries literal (non-inherited), non-empty resources (§4.E
// step 1).
func (d *Driver) fetchTACertificate(ctx context.Context, tal *TAL, sem *semaphore.Weighted) (*rpki.Certificate, error) {
	var lastErr error
	for _, uri := range tal.URIs {
		der, err := d.fetchObject(ctx, uri, sem)
		if err != nil {
			lastErr = err
			continue
		}
		cert, err := rpki.ParseCertificate(der)
		if err != nil {
			lastErr = err
			continue
		}
		spkiDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
		if err != nil || !bytes.Equal(spkiDER, tal.SPKI) {
			lastErr = verrors.New(verrors.InvalidInput, "TA certificate at %s does not match TAL SubjectPublicKeyInfo", uri)
			continue
		}
		if err := cert.VerifySignedBy(cert); err != nil {
			lastErr = err
			continue
		}
		if err := cert.CheckValidity(d.clk.Now()); err != nil {
			lastErr = err
			continue
		}
		if !cert.IsCA {
			lastErr = verrors.New(verrors.InvalidInput, "TA certificate at %s is not a CA certificate", uri)
			continue
		}
		if cert.Resources.IP4Inherit || cert.Resources.IP6Inherit || cert.Resources.ASNInherit {
			lastErr = verrors.New(verrors.ResourceViolation, "TA certificate at %s carries an inherited resource set", uri)
			continue
		}
		if cert.Resources.IsEmpty() {
			lastErr = verrors.New(verrors.ResourceViolation, "TA certificate at %s carries no resources", uri)
			continue
		}
		return cert, nil
	}
	return nil, verrors.New(verrors.IOError, "TAL %s: no usable trust anchor certificate (%s)", tal.Name, lastErr)
}

// walkCA validates ca's publication point: its manifest, the manifest's
// issuing EE certificate, and the CRL the manifest names, then dispatches
// every other manifest entry (§4.E steps 2-3). ca.Resources must already
// be resolved and checked against its issuer by the caller.
func (d *Driver) walkCA(ctx context.Context, ca *rpki.Certificate, sem *semaphore.Weighted, acc *accumulator, talName string, stack map[string]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ca.SIA == nil || ca.SIA.Manifest == "" || ca.SIA.CARepository == "" {
		return verrors.New(verrors.InvalidInput, "CA certificate missing manifest or repository SIA")
	}

	mftDER, err := d.fetchObject(ctx, ca.SIA.Manifest, sem)
	if err != nil {
		return err
	}
	signedMft, err := rpki.VerifySignedObject(mftDER, rpki.OidManifest, d.clk.Now())
	if err != nil {
		return verrors.New(verrors.CryptoFailure, "manifest CMS: %s", err)
	}

	mft, err := rpki.ParseManifest(signedMft.EContent)
	if err != nil {
		return err
	}
	if err := mft.CheckFreshness(d.clk.Now()); err != nil {
		if d.cfg.StrictManifests {
			return err
		}
		d.logger.Warningf("%s: %s", ca.SIA.Manifest, err)
	}

	crl, err := d.fetchCRL(ctx, ca, mft, sem)
	if err != nil {
		return err
	}

	if err := d.checkEE(signedMft.EECert, ca, crl); err != nil {
		return verrors.New(verrors.CryptoFailure, "manifest EE certificate: %s", err)
	}

	for _, entry := range mft.Entries {
		if strings.HasSuffix(entry.Filename, ".crl") {
			continue
		}
		entryURI := fetch.JoinRsyncURI(ca.SIA.CARepository, entry.Filename)
		if err := d.visitEntry(ctx, ca, crl, entry, entryURI, sem, acc, talName, stack); err != nil {
			d.logger.Warningf("%s: rejecting: %s", entryURI, err)
			if kind, ok := verrors.KindOf(err); ok {
				acc.reject(kind.String())
			} else {
				acc.reject("internal-error")
			}
			continue
		}
	}
	return nil
}

// fetchCRL locates the manifest's sole ".crl" entry, fetches it, and
// checks its hash, signature, and validity window.
func (d *Driver) fetchCRL(ctx context.Context, ca *rpki.Certificate, mft *rpki.Manifest, sem *semaphore.Weighted) (*rpki.CRL, error) {
	for _, entry := range mft.Entries {
		if !strings.HasSuffix(entry.Filename, ".crl") {
			continue
		}
		uri := fetch.JoinRsyncURI(ca.SIA.CARepository, entry.Filename)
		der, err := d.fetchObject(ctx, uri, sem)
		if err != nil {
			return nil, err
		}
		if err := checkManifestDigest(der, entry); err != nil {
			return nil, err
		}
		crl, err := rpki.ParseCRL(der)
		if err != nil {
			return nil, err
		}
		if err := crl.VerifySignedBy(ca); err != nil {
			return nil, err
		}
		if err := crl.CheckFreshness(d.clk.Now()); err != nil {
			return nil, err
		}
		return crl, nil
	}
	return nil, verrors.New(verrors.InvalidInput, "manifest has no CRL entry")
}

func checkManifestDigest(der []byte, entry rpki.ManifestEntry) error {
	digest, err := rpvcrypto.Hash(entry.Digest.Algorithm, der)
	if err != nil {
		return err
	}
	if !digest.Equal(entry.Digest) {
		return verrors.NewForObject(verrors.CryptoFailure, entry.Filename, "file does not match manifest digest")
	}
	return nil
}

// checkEE validates an EE certificate's own chain link to its issuing CA:
// signature, validity, weak-key screen, revocation (if a CRL is already
// available), and resource containment. It does not check the CMS
// signature the EE made over its own eContent; that is VerifySignedObject's
// job.
func (d *Driver) checkEE(ee *rpki.Certificate, ca *rpki.Certificate, crl *rpki.CRL) error {
	if ee.IsCA {
		return verrors.New(verrors.InvalidInput, "EE certificate must not be a CA certificate")
	}
	if err := ee.VerifySignedBy(ca); err != nil {
		return err
	}
	if err := ee.CheckValidity(d.clk.Now()); err != nil {
		return err
	}
	if err := ee.CheckWeakKey(); err != nil {
		return err
	}
	if crl != nil && crl.IsRevoked(ee.SerialNumber) {
		return verrors.NewForObject(verrors.ResourceViolation, ee.Subject.String(), "EE certificate is revoked")
	}
	if err := ee.Resources.ResolveInherit(ca.Resources); err != nil {
		return err
	}
	ok, err := ca.Resources.Contains(ee.Resources)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.NewForObject(verrors.ResourceViolation, ee.Subject.String(), "EE resources exceed issuer's")
	}
	return nil
}

// visitEntry reads and hash-checks one manifest entry and dispatches by
// file extension (§4.E step 3).
func (d *Driver) visitEntry(ctx context.Context, ca *rpki.Certificate, crl *rpki.CRL, entry rpki.ManifestEntry, uri string, sem *semaphore.Weighted, acc *accumulator, talName string, stack map[string]bool) error {
	der, err := d.fetchObject(ctx, uri, sem)
	if err != nil {
		return err
	}
	if err := checkManifestDigest(der, entry); err != nil {
		if d.cfg.StrictHash {
			return err
		}
		d.logger.Warningf("%s: %s", uri, err)
	}

	switch {
	case strings.HasSuffix(entry.Filename, ".cer"):
		return d.visitChildCA(ctx, ca, crl, der, sem, acc, talName, stack)
	case strings.HasSuffix(entry.Filename, ".roa"):
		return d.visitROA(ca, crl, der, acc, talName)
	case strings.HasSuffix(entry.Filename, ".bgpsec"):
		return d.visitRouterCert(ca, crl, der, acc, talName)
	case strings.HasSuffix(entry.Filename, ".gbr"):
		return d.visitGBR(der)
	default:
		return verrors.NewForObject(verrors.InvalidInput, entry.Filename, "unrecognized manifest entry extension")
	}
}

// visitChildCA validates a child CA certificate and, if it survives,
// recurses into its own publication point. Resources are resolved
// against the parent, checked for containment, and the child's Subject
// Key Identifier is pushed onto the loop-prevention stack for the
// duration of the recursive walk (§4.E "loop prevention").
func (d *Driver) visitChildCA(ctx context.Context, parent *rpki.Certificate, parentCRL *rpki.CRL, der []byte, sem *semaphore.Weighted, acc *accumulator, talName string, stack map[string]bool) error {
	child, err := rpki.ParseCertificate(der)
	if err != nil {
		return err
	}
	if !child.IsCA {
		return verrors.New(verrors.InvalidInput, "manifest .cer entry is not a CA certificate")
	}
	if err := child.VerifySignedBy(parent); err != nil {
		return err
	}
	if err := child.CheckValidity(d.clk.Now()); err != nil {
		return err
	}
	if err := child.CheckWeakKey(); err != nil {
		return err
	}
	if parentCRL.IsRevoked(child.SerialNumber) {
		return verrors.NewForObject(verrors.ResourceViolation, child.Subject.String(), "certificate is revoked")
	}

	ski := string(child.SubjectKeyID)
	if stack[ski] {
		return verrors.NewForObject(verrors.InvalidInput, child.Subject.String(), "loop detected: SKI already on the validation stack")
	}

	if err := child.Resources.ResolveInherit(parent.Resources); err != nil {
		return err
	}
	ok, err := parent.Resources.Contains(child.Resources)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.NewForObject(verrors.ResourceViolation, child.Subject.String(), "child resources exceed issuer's")
	}

	acc.acceptObject("ca_cert")
	stack[ski] = true
	defer delete(stack, ski)
	return d.walkCA(ctx, child, sem, acc, talName, stack)
}

// visitROA validates a ROA's CMS envelope and issuing EE certificate,
// then checks the single-ASN rule and per-prefix resource coverage
// (§4.C "ROA" edge cases) before appending its VRPs to the accumulator.
func (d *Driver) visitROA(ca *rpki.Certificate, crl *rpki.CRL, der []byte, acc *accumulator, talName string) error {
	signed, err := rpki.VerifySignedObject(der, rpki.OidROA, d.clk.Now())
	if err != nil {
		return err
	}
	if err := d.checkEE(signed.EECert, ca, crl); err != nil {
		return err
	}

	vrps, err := rpki.ParseROA(signed.EContent)
	if err != nil {
		return err
	}
	if len(vrps) == 0 {
		return nil
	}

	asn := vrps[0].ASN
	if !signed.EECert.Resources.ASN.ContainsASN(asn) {
		return verrors.New(verrors.ResourceViolation, "ROA ASN %d not covered by EE certificate", asn)
	}
	for _, v := range vrps {
		if v.ASN != asn {
			return verrors.New(verrors.InvalidInput, "ROA asserts more than one origin ASN")
		}
		if !eeCoversPrefix(signed.EECert, v.Prefix) {
			return verrors.New(verrors.ResourceViolation, "VRP prefix %s not covered by EE certificate", v.Prefix)
		}
	}
	for _, v := range vrps {
		acc.addVRP(v, talName)
	}
	return nil
}

func eeCoversPrefix(ee *rpki.Certificate, p netip.Prefix) bool {
	family := resources.IPv4
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		family = resources.IPv6
	}
	set, err := resources.BuildIPSet(family, []netip.Prefix{p})
	if err != nil {
		return false
	}
	if family == resources.IPv4 {
		return ee.Resources.IP4.Contains(set)
	}
	return ee.Resources.IP6.Contains(set)
}

// visitRouterCert validates a BGPsec router certificate against its
// issuer and expands its AS resource extent into one RouterKeyRecord per
// ASN, matching ParseROA's one-VRP-per-prefix expansion.
func (d *Driver) visitRouterCert(ca *rpki.Certificate, crl *rpki.CRL, der []byte, acc *accumulator, talName string) error {
	rc, err := rpki.ParseRouterCertificate(der)
	if err != nil {
		return err
	}
	if err := rc.Cert.VerifySignedBy(ca); err != nil {
		return err
	}
	if err := rc.Cert.CheckValidity(d.clk.Now()); err != nil {
		return err
	}
	if crl != nil && crl.IsRevoked(rc.Cert.SerialNumber) {
		return verrors.NewForObject(verrors.ResourceViolation, rc.Cert.Subject.String(), "router certificate is revoked")
	}
	if !ca.Resources.ASN.Contains(rc.ASNs) {
		return verrors.New(verrors.ResourceViolation, "router certificate AS resources exceed issuer's")
	}

	spkiDER, err := x509.MarshalPKIXPublicKey(rc.Key)
	if err != nil {
		return verrors.New(verrors.InternalError, "marshaling router key: %s", err)
	}

	var expanded int
	for _, r := range rc.ASNs.Ranges() {
		for asn := r.Lo; asn < r.Hi; asn++ {
			expanded++
			if expanded > maxRouterKeyExpansion {
				return verrors.New(verrors.ResourceViolation, "router certificate AS resource extent too large to expand")
			}
			acc.addRouterKey(RouterKeyRecord{
				ASN:  asn,
				SKI:  append([]byte{}, rc.Cert.SubjectKeyID...),
				SPKI: spkiDER,
				TAL:  talName,
			})
		}
	}
	return nil
}

// visitGBR applies the Ghostbusters-record policy decided in §5: when
// ParseGBR is disabled the record is left unexamined beyond the manifest
// hash check visitEntry already performed; when enabled, its CMS envelope
// is verified and the vCard payload logged.
func (d *Driver) visitGBR(der []byte) error {
	if !d.cfg.ParseGBR {
		return nil
	}
	signed, err := rpki.VerifySignedObject(der, rpki.OidGBR, d.clk.Now())
	if err != nil {
		return verrors.New(verrors.CryptoFailure, "Ghostbusters record CMS: %s", err)
	}
	gbr := rpki.ParseGBR(signed.EContent)
	d.logger.Infof("Ghostbusters record: %s", string(gbr.VCard))
	return nil
}
