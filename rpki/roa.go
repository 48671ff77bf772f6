package rpki

import (
	"net/netip"

	asn1 "github.com/google/certificate-transparency-go/asn1"

	verrors "github.com/openrpki/rpvalid/errors"
)

// OidROA is the eContentType a ROA's CMS envelope must carry (RFC 6482 §3).
var OidROA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}

type roaIPAddress struct {
	Address   asn1.BitString
	MaxLength int `asn1:"optional,default:-1"`
}

type roaIPAddressFamily struct {
	AddressFamily []byte
	Addresses     []roaIPAddress
}

type routeOriginAttestation struct {
	Version      int `asn1:"optional,default:0,tag:0"`
	ASID         int64
	IPAddrBlocks []roaIPAddressFamily
}

// VRP is a single Validated ROA Payload: an assertion that origin ASN is
// authorized to originate Prefix, up to MaxLength bits (§3 "ROA parser",
// §5 "VRP database").
type VRP struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength int
}

// ParseROA decodes a ROA's eContent into its constituent VRPs. Per RFC
// 6482, a single ROA carries one ASN and asserts authorization for every
// prefix it lists; ParseROA expands that into one VRP per prefix so the
// VRP database never has to special-case the grouping.
func ParseROA(eContent []byte) ([]VRP, error) {
	var roa routeOriginAttestation
	if _, err := asn1.Unmarshal(eContent, &roa); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "ROA: %s", err)
	}
	if roa.Version != 0 {
		return nil, verrors.New(verrors.InvalidInput, "ROA: unsupported version %d", roa.Version)
	}
	if roa.ASID < 0 || roa.ASID > 0xffffffff {
		return nil, verrors.New(verrors.InvalidInput, "ROA: asID %d out of range", roa.ASID)
	}
	asn := uint32(roa.ASID)

	var vrps []VRP
	for _, fam := range roa.IPAddrBlocks {
		if len(fam.AddressFamily) < 2 {
			return nil, verrors.New(verrors.InvalidInput, "ROA: short address family")
		}
		afi := uint16(fam.AddressFamily[0])<<8 | uint16(fam.AddressFamily[1])
		var width int
		switch afi {
		case 1:
			width = 32
		case 2:
			width = 128
		default:
			return nil, verrors.New(verrors.InvalidInput, "ROA: unsupported AFI %d", afi)
		}
		for _, a := range fam.Addresses {
			buf := make([]byte, width/8)
			copy(buf, a.Address.Bytes)
			addr, ok := addrFromBytes(buf, width)
			if !ok {
				return nil, verrors.New(verrors.InvalidInput, "ROA: malformed address")
			}
			prefix := netip.PrefixFrom(addr, a.Address.BitLength).Masked()
			maxLen := a.MaxLength
			if maxLen == -1 {
				maxLen = a.Address.BitLength
			}
			if maxLen < prefix.Bits() || maxLen > width {
				return nil, verrors.New(verrors.InvalidInput, "ROA: maxLength %d inconsistent with prefix %s", maxLen, prefix)
			}
			vrps = append(vrps, VRP{ASN: asn, Prefix: prefix, MaxLength: maxLen})
		}
	}
	return vrps, nil
}
