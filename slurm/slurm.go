// Package slurm applies a locally-configured RFC 8416 SLURM document to a
// validated VRP/router-key set (§4.F): filters drop matching records from
// the output, assertions are unioned in afterward regardless of whether
// anything was fetched from RPKI at all.
package slurm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/netip"

	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/rpki"
	"github.com/openrpki/rpvalid/validator"
)

// PrefixFilter matches validated VRPs by ASN, prefix, or both; an absent
// ASN or Prefix is a wildcard on that field. Comment is documentation
// only and is never a match criterion.
type PrefixFilter struct {
	ASN     *uint32
	Prefix  *netip.Prefix
	Comment string
}

// BGPsecFilter matches validated router keys by ASN, SKI, or both.
type BGPsecFilter struct {
	ASN     *uint32
	SKI     []byte
	Comment string
}

// PrefixAssertion unconditionally adds a VRP to the served set.
type PrefixAssertion struct {
	ASN             uint32
	Prefix          netip.Prefix
	MaxPrefixLength int
	Comment         string
}

// BGPsecAssertion unconditionally adds a router key to the served set.
type BGPsecAssertion struct {
	ASN             uint32
	SKI             []byte
	RouterPublicKey []byte
	Comment         string
}

// Document is a decoded SLURM file (§6 "SLURM document").
type Document struct {
	Version int

	PrefixFilters []PrefixFilter
	BGPsecFilters []BGPsecFilter

	PrefixAssertions []PrefixAssertion
	BGPsecAssertions []BGPsecAssertion
}

// wire mirrors the RFC 8416 JSON shape exactly; Decode translates it into
// Document's more convenient internal representation.
type wire struct {
	SlurmVersion            int `json:"slurmVersion"`
	ValidationOutputFilters struct {
		PrefixFilters []wirePrefixFilter `json:"prefixFilters"`
		BgpsecFilters []wireBGPsecFilter `json:"bgpsecFilters"`
	} `json:"validationOutputFilters"`
	LocallyAddedAssertions struct {
		PrefixAssertions []wirePrefixAssertion `json:"prefixAssertions"`
		BgpsecAssertions []wireBGPsecAssertion `json:"bgpsecAssertions"`
	} `json:"locallyAddedAssertions"`
}

type wirePrefixFilter struct {
	ASN     *uint32 `json:"asn,omitempty"`
	Prefix  *string `json:"prefix,omitempty"`
	Comment string  `json:"comment"`
}

type wireBGPsecFilter struct {
	ASN     *uint32 `json:"asn,omitempty"`
	SKI     string  `json:"ski,omitempty"`
	Comment string  `json:"comment"`
}

type wirePrefixAssertion struct {
	ASN             uint32 `json:"asn"`
	Prefix          string `json:"prefix"`
	MaxPrefixLength int    `json:"maxPrefixLength"`
	Comment         string `json:"comment"`
}

type wireBGPsecAssertion struct {
	ASN             uint32 `json:"asn"`
	SKI             string `json:"ski"`
	RouterPublicKey string `json:"routerPublicKey"`
	Comment         string `json:"comment"`
}

// Decode parses an RFC 8416 SLURM document.
func Decode(r io.Reader) (*Document, error) {
	var w wire
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "decoding SLURM document: %s", err)
	}

	doc := &Document{Version: w.SlurmVersion}

	for _, f := range w.ValidationOutputFilters.PrefixFilters {
		pf := PrefixFilter{ASN: f.ASN, Comment: f.Comment}
		if f.Prefix != nil {
			p, err := netip.ParsePrefix(*f.Prefix)
			if err != nil {
				return nil, verrors.New(verrors.InvalidInput, "SLURM prefix filter: %s", err)
			}
			pf.Prefix = &p
		}
		doc.PrefixFilters = append(doc.PrefixFilters, pf)
	}
	for _, f := range w.ValidationOutputFilters.BgpsecFilters {
		bf := BGPsecFilter{ASN: f.ASN, Comment: f.Comment}
		if f.SKI != "" {
			ski, err := hex.DecodeString(f.SKI)
			if err != nil {
				return nil, verrors.New(verrors.InvalidInput, "SLURM BGPsec filter: decoding SKI: %s", err)
			}
			bf.SKI = ski
		}
		doc.BGPsecFilters = append(doc.BGPsecFilters, bf)
	}

	for _, a := range w.LocallyAddedAssertions.PrefixAssertions {
		prefix, err := netip.ParsePrefix(a.Prefix)
		if err != nil {
			return nil, verrors.New(verrors.InvalidInput, "SLURM prefix assertion: %s", err)
		}
		maxLen := a.MaxPrefixLength
		if maxLen < prefix.Bits() {
			maxLen = prefix.Bits()
		}
		doc.PrefixAssertions = append(doc.PrefixAssertions, PrefixAssertion{
			ASN: a.ASN, Prefix: prefix, MaxPrefixLength: maxLen, Comment: a.Comment,
		})
	}
	for _, a := range w.LocallyAddedAssertions.BgpsecAssertions {
		ski, err := hex.DecodeString(a.SKI)
		if err != nil {
			return nil, verrors.New(verrors.InvalidInput, "SLURM BGPsec assertion: decoding SKI: %s", err)
		}
		pub, err := hex.DecodeString(a.RouterPublicKey)
		if err != nil {
			return nil, verrors.New(verrors.InvalidInput, "SLURM BGPsec assertion: decoding routerPublicKey: %s", err)
		}
		doc.BGPsecAssertions = append(doc.BGPsecAssertions, BGPsecAssertion{
			ASN: a.ASN, SKI: ski, RouterPublicKey: pub, Comment: a.Comment,
		})
	}
	return doc, nil
}

// matchesVRP reports whether a prefix filter matches v under RFC 8416's
// flag-masking rules: an absent ASN or Prefix field is a wildcard, and a
// filter with neither set matches everything.
func (f PrefixFilter) matchesVRP(v validator.VRPRecord) bool {
	if f.ASN != nil && v.ASN != *f.ASN {
		return false
	}
	if f.Prefix != nil {
		if !f.Prefix.Contains(v.Prefix.Addr()) {
			return false
		}
		last := lastAddr(v.Prefix)
		if !f.Prefix.Contains(last) {
			return false
		}
	}
	return true
}

func lastAddr(p netip.Prefix) netip.Addr {
	addr := p.Addr()
	octets := addr.AsSlice()
	hostBits := addr.BitLen() - p.Bits()
	for i := len(octets) - 1; hostBits > 0; i-- {
		if hostBits >= 8 {
			octets[i] = 0xff
			hostBits -= 8
			continue
		}
		octets[i] |= byte(0xff >> (8 - hostBits))
		hostBits = 0
	}
	last, _ := netip.AddrFromSlice(octets)
	return last
}

func (f BGPsecFilter) matchesKey(k validator.RouterKeyRecord) bool {
	if f.ASN != nil && k.ASN != *f.ASN {
		return false
	}
	if len(f.SKI) != 0 && !bytes.Equal(f.SKI, k.SKI) {
		return false
	}
	return true
}

// Apply filters vrps and routerKeys against the document's validationOutputFilters,
// then unions in its locallyAddedAssertions, per §4.F. logger may be nil.
func (d *Document) Apply(vrps []validator.VRPRecord, routerKeys []validator.RouterKeyRecord, logger log.Logger) ([]validator.VRPRecord, []validator.RouterKeyRecord) {
	keptVRPs := make([]validator.VRPRecord, 0, len(vrps))
	removedVRPs := 0
	for _, v := range vrps {
		if d.isFilteredVRP(v) {
			removedVRPs++
			continue
		}
		keptVRPs = append(keptVRPs, v)
	}
	for _, a := range d.PrefixAssertions {
		keptVRPs = append(keptVRPs, validator.VRPRecord{
			VRP: rpki.VRP{ASN: a.ASN, Prefix: a.Prefix, MaxLength: a.MaxPrefixLength},
			TAL: "slurm:" + a.Comment,
		})
	}

	keptKeys := make([]validator.RouterKeyRecord, 0, len(routerKeys))
	removedKeys := 0
	for _, k := range routerKeys {
		if d.isFilteredRouterKey(k) {
			removedKeys++
			continue
		}
		keptKeys = append(keptKeys, k)
	}
	for _, a := range d.BGPsecAssertions {
		keptKeys = append(keptKeys, validator.RouterKeyRecord{
			ASN: a.ASN, SKI: a.SKI, SPKI: a.RouterPublicKey, TAL: "slurm:" + a.Comment,
		})
	}

	if logger != nil {
		if len(d.PrefixFilters) != 0 || len(d.PrefixAssertions) != 0 {
			logger.Infof("SLURM: %d VRPs removed by filter, %d asserted, %d served", removedVRPs, len(d.PrefixAssertions), len(keptVRPs))
		}
		if len(d.BGPsecFilters) != 0 || len(d.BGPsecAssertions) != 0 {
			logger.Infof("SLURM: %d router keys removed by filter, %d asserted, %d served", removedKeys, len(d.BGPsecAssertions), len(keptKeys))
		}
	}
	return keptVRPs, keptKeys
}

func (d *Document) isFilteredVRP(v validator.VRPRecord) bool {
	for _, f := range d.PrefixFilters {
		if f.matchesVRP(v) {
			return true
		}
	}
	return false
}

func (d *Document) isFilteredRouterKey(k validator.RouterKeyRecord) bool {
	for _, f := range d.BGPsecFilters {
		if f.matchesKey(k) {
			return true
		}
	}
	return false
}
