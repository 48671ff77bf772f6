package rpki

import (
	"net/netip"

	// The certificate-transparency-go fork of encoding/asn1 is used
	// throughout this package, rather than the standard library package,
	// so that every RawValue-driven CHOICE decode below (GeneralName,
	// IPAddressChoice, ASIdentifierChoice) shares one BER-tolerant
	// implementation with the certificate and CMS parsers.
	asn1 "github.com/google/certificate-transparency-go/asn1"

	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/resources"
)

// RFC 3779 / RFC 6487 extension OIDs. Named individually, rather than as
// a lookup table, because each is unwrapped by its own hand-rolled CHOICE
// decoder below.
var (
	oidSubjectInfoAccess   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	oidCRLDistribution     = asn1.ObjectIdentifier{2, 5, 29, 31}
	oidIPAddrBlocks        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidASIdentifiers       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidRPKICertPolicy      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 14, 2}

	oidADCARepository  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidADRPKIManifest  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidADSignedObject  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
	oidADRPKINotify    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 13}

	// Structural x509 extensions the standard library already decodes into
	// dedicated parsedFields (IsCA, SubjectKeyID, AuthorityKeyID). Listed
	// here only so buildCertificate's unknown-critical-extension check
	// (§4.C) doesn't mistake them for unrecognized ones: RFC 6487 marks
	// BasicConstraints and KeyUsage critical on every CA certificate.
	oidBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// SIA is the set of access-method URIs carried in a CA or EE certificate's
// Subject Information Access extension (§4.C "certificate parser").
type SIA struct {
	CARepository string // id-ad-caRepository, CA certs only
	Manifest     string // id-ad-rpkiManifest, CA certs only
	SignedObject string // id-ad-signedObject, EE certs only
	RRDPNotify   string // id-ad-rpkiNotify, optional on CA certs
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

// generalNameURI extracts a GeneralName's uniformResourceIdentifier choice
// ([6], IA5String, context-specific primitive); any other choice is
// ignored since RPKI profiles never use them in SIA/AIA/CRLDP.
func generalNameURI(v asn1.RawValue) (string, bool) {
	if v.Class != asn1.ClassContextSpecific || v.Tag != 6 {
		return "", false
	}
	return string(v.Bytes), true
}

func parseAccessDescriptions(ext []byte) ([]accessDescription, error) {
	var ads []accessDescription
	if _, err := asn1.Unmarshal(ext, &ads); err != nil {
		return nil, err
	}
	return ads, nil
}

// ParseSIA decodes the Subject Information Access extension value.
func ParseSIA(ext []byte) (*SIA, error) {
	ads, err := parseAccessDescriptions(ext)
	if err != nil {
		return nil, verrors.New(verrors.InvalidInput, "parsing SIA: %s", err)
	}
	sia := &SIA{}
	for _, ad := range ads {
		uri, ok := generalNameURI(ad.Location)
		if !ok {
			continue
		}
		switch {
		case ad.Method.Equal(oidADCARepository):
			sia.CARepository = uri
		case ad.Method.Equal(oidADRPKIManifest):
			sia.Manifest = uri
		case ad.Method.Equal(oidADSignedObject):
			sia.SignedObject = uri
		case ad.Method.Equal(oidADRPKINotify):
			sia.RRDPNotify = uri
		}
	}
	return sia, nil
}

// ParseAIA decodes the Authority Information Access extension, returning
// the id-ad-caIssuers URI (the only access method RPKI certificates use).
func ParseAIA(ext []byte) (string, error) {
	const oidCAIssuersStr = "1.3.6.1.5.5.7.48.2"
	ads, err := parseAccessDescriptions(ext)
	if err != nil {
		return "", verrors.New(verrors.InvalidInput, "parsing AIA: %s", err)
	}
	for _, ad := range ads {
		if ad.Method.String() != oidCAIssuersStr {
			continue
		}
		if uri, ok := generalNameURI(ad.Location); ok {
			return uri, nil
		}
	}
	return "", nil
}

// ParseCRLDP decodes the CRL Distribution Points extension, returning the
// single URI RPKI certificates carry.
func ParseCRLDP(ext []byte) (string, error) {
	type distributionPoint struct {
		DistributionPoint asn1.RawValue `asn1:"optional,tag:0"`
	}
	var dps []distributionPoint
	if _, err := asn1.Unmarshal(ext, &dps); err != nil {
		return "", verrors.New(verrors.InvalidInput, "parsing CRLDP: %s", err)
	}
	for _, dp := range dps {
		// DistributionPointName ::= CHOICE { fullName [0] GeneralNames, ... }
		var names []asn1.RawValue
		if _, err := asn1.UnmarshalWithParams(dp.DistributionPoint.Bytes, &names, "tag:0"); err != nil {
			continue
		}
		for _, n := range names {
			if uri, ok := generalNameURI(n); ok {
				return uri, nil
			}
		}
	}
	return "", nil
}

// ipAddressFamily mirrors RFC 3779's IPAddressFamily SEQUENCE; the
// ipAddressChoice CHOICE is left as a raw value and branched on by tag in
// parseIPAddressChoice, since encoding/asn1 has no native CHOICE support.
type ipAddressFamily struct {
	AddressFamily []byte
	Choice        asn1.RawValue
}

// ParseIPAddrBlocks decodes the IP resource extension (RFC 3779 §2.2)
// into per-family resource sets. Family octets 00 01 select IPv4, 00 02
// select IPv6; any other AFI is rejected since RPKI profiles never use
// one (§4.A "Non-goals").
func ParseIPAddrBlocks(ext []byte) (v4 *resources.IPSet, v4Inherit bool, v6 *resources.IPSet, v6Inherit bool, err error) {
	var families []ipAddressFamily
	if _, derr := asn1.Unmarshal(ext, &families); derr != nil {
		return nil, false, nil, false, verrors.New(verrors.InvalidInput, "parsing IPAddrBlocks: %s", derr)
	}
	v4 = resources.NewIPSet(resources.IPv4)
	v6 = resources.NewIPSet(resources.IPv6)
	for _, fam := range families {
		if len(fam.AddressFamily) < 2 {
			return nil, false, nil, false, verrors.New(verrors.InvalidInput, "IPAddrBlocks: short address family")
		}
		afi := uint16(fam.AddressFamily[0])<<8 | uint16(fam.AddressFamily[1])
		var family resources.Family
		switch afi {
		case 1:
			family = resources.IPv4
		case 2:
			family = resources.IPv6
		default:
			return nil, false, nil, false, verrors.New(verrors.InvalidInput, "IPAddrBlocks: unsupported AFI %d", afi)
		}
		prefixes, inherit, perr := parseIPAddressChoice(fam.Choice, family)
		if perr != nil {
			return nil, false, nil, false, perr
		}
		if family == resources.IPv4 {
			v4Inherit = inherit
			for _, p := range prefixes {
				_ = v4.AddPrefix(p)
			}
		} else {
			v6Inherit = inherit
			for _, p := range prefixes {
				_ = v6.AddPrefix(p)
			}
		}
	}
	return v4, v4Inherit, v6, v6Inherit, nil
}

// parseIPAddressChoice decodes an IPAddressChoice: inherit (NULL, tag 5)
// or a SEQUENCE OF IPAddressOrRange.
func parseIPAddressChoice(v asn1.RawValue, family resources.Family) ([]netip.Prefix, bool, error) {
	if v.Tag == asn1.TagNull {
		return nil, true, nil
	}
	var items []asn1.RawValue
	if _, err := asn1.Unmarshal(v.FullBytes, &items); err != nil {
		return nil, false, verrors.New(verrors.InvalidInput, "IPAddressChoice: %s", err)
	}
	width := 32
	if family == resources.IPv6 {
		width = 128
	}
	var out []netip.Prefix
	for _, item := range items {
		switch item.Tag {
		case asn1.TagBitString:
			p, err := bitStringToPrefix(item.FullBytes, width)
			if err != nil {
				return nil, false, err
			}
			out = append(out, p)
		case asn1.TagSequence:
			var r struct {
				Min asn1.BitString
				Max asn1.BitString
			}
			if _, err := asn1.Unmarshal(item.FullBytes, &r); err != nil {
				return nil, false, verrors.New(verrors.InvalidInput, "IPAddressRange: %s", err)
			}
			ps, err := rangeToCoveringPrefixes(r.Min, r.Max, width)
			if err != nil {
				return nil, false, err
			}
			out = append(out, ps...)
		default:
			return nil, false, verrors.New(verrors.InvalidInput, "IPAddressOrRange: unexpected tag %d", item.Tag)
		}
	}
	return out, false, nil
}

func bitStringToPrefix(raw []byte, width int) (netip.Prefix, error) {
	var bs asn1.BitString
	if _, err := asn1.Unmarshal(raw, &bs); err != nil {
		return netip.Prefix{}, verrors.New(verrors.InvalidInput, "IPAddress bit string: %s", err)
	}
	buf := make([]byte, width/8)
	copy(buf, bs.Bytes)
	addr, ok := addrFromBytes(buf, width)
	if !ok {
		return netip.Prefix{}, verrors.New(verrors.InvalidInput, "IPAddress: malformed bit string")
	}
	return netip.PrefixFrom(addr, bs.BitLength).Masked(), nil
}

func addrFromBytes(b []byte, width int) (netip.Addr, bool) {
	if width == 32 {
		if len(b) != 4 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(b)), true
	}
	if len(b) != 16 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom16([16]byte(b)), true
}

// rangeToCoveringPrefixes decomposes an explicit [min, max] IPAddressRange
// into the minimal CIDR prefixes covering it, by building a throwaway
// IPSet and reading its canonical decomposition back out. This is a thin
// adapter onto the general range-to-prefix logic in package resources
// rather than a duplicate implementation.
func rangeToCoveringPrefixes(min, max asn1.BitString, width int) ([]netip.Prefix, error) {
	minBuf := make([]byte, width/8)
	copy(minBuf, min.Bytes)
	maxBuf := make([]byte, width/8)
	copy(maxBuf, max.Bytes)
	for i := range maxBuf {
		if i >= len(max.Bytes) {
			maxBuf[i] = 0xff
		}
	}
	lo, ok := addrFromBytes(minBuf, width)
	if !ok {
		return nil, verrors.New(verrors.InvalidInput, "IPAddressRange: malformed min")
	}
	hi, ok := addrFromBytes(maxBuf, width)
	if !ok {
		return nil, verrors.New(verrors.InvalidInput, "IPAddressRange: malformed max")
	}
	family := resources.IPv4
	if width == 128 {
		family = resources.IPv6
	}
	return resources.PrefixesBetween(family, lo, hi)
}

// asIdentifiers mirrors RFC 3779's ASIdentifiers SEQUENCE; rdi (routing
// domain identifiers) is never populated by any deployed RPKI CA and is
// left unparsed.
type asIdentifiers struct {
	ASNum asn1.RawValue `asn1:"optional,tag:0"`
}

// ParseASIdentifiers decodes the AS resource extension (RFC 3779 §3.2.3).
func ParseASIdentifiers(ext []byte) (*resources.ASNSet, bool, error) {
	var ids asIdentifiers
	if _, err := asn1.Unmarshal(ext, &ids); err != nil {
		return nil, false, verrors.New(verrors.InvalidInput, "parsing ASIdentifiers: %s", err)
	}
	if len(ids.ASNum.Bytes) == 0 {
		return resources.NewASNSet(), false, nil
	}
	var inner asn1.RawValue
	if _, err := asn1.UnmarshalWithParams(ids.ASNum.FullBytes, &inner, "explicit,tag:0"); err != nil {
		return nil, false, verrors.New(verrors.InvalidInput, "ASIdentifiers.asnum: %s", err)
	}
	if inner.Tag == asn1.TagNull {
		return resources.NewASNSet(), true, nil
	}
	var items []asn1.RawValue
	if _, err := asn1.Unmarshal(inner.FullBytes, &items); err != nil {
		return nil, false, verrors.New(verrors.InvalidInput, "ASIdOrRanges: %s", err)
	}
	var ranges []resources.ASRange
	for _, item := range items {
		switch item.Tag {
		case asn1.TagInteger:
			var id int64
			if _, err := asn1.Unmarshal(item.FullBytes, &id); err != nil {
				return nil, false, verrors.New(verrors.InvalidInput, "ASId: %s", err)
			}
			ranges = append(ranges, resources.ASRange{Lo: uint32(id), Hi: uint32(id) + 1})
		case asn1.TagSequence:
			var r struct{ Min, Max int64 }
			if _, err := asn1.Unmarshal(item.FullBytes, &r); err != nil {
				return nil, false, verrors.New(verrors.InvalidInput, "ASRange: %s", err)
			}
			ranges = append(ranges, resources.ASRange{Lo: uint32(r.Min), Hi: uint32(r.Max) + 1})
		default:
			return nil, false, verrors.New(verrors.InvalidInput, "ASIdOrRange: unexpected tag %d", item.Tag)
		}
	}
	return resources.BuildASNSet(ranges), false, nil
}

// ParseCertificatePolicies reports whether the certificate policies
// extension carries the RPKI certificate policy OID RFC 6484 requires.
func ParseCertificatePolicies(ext []byte) (bool, error) {
	type policyInformation struct {
		PolicyIdentifier asn1.ObjectIdentifier
		_                asn1.RawValue `asn1:"optional"`
	}
	var policies []policyInformation
	if _, err := asn1.Unmarshal(ext, &policies); err != nil {
		return false, verrors.New(verrors.InvalidInput, "parsing certificatePolicies: %s", err)
	}
	for _, p := range policies {
		if p.PolicyIdentifier.Equal(oidRPKICertPolicy) {
			return true, nil
		}
	}
	return false, nil
}
