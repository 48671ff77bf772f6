// Package resources implements the IPv4/IPv6 prefix and AS-number range
// arithmetic RPKI certificate validation is built on: canonical sorted
// sets, containment, union, difference, and the "inherit" resolution
// RFC 3779 requires of child certificates.
package resources

import (
	"fmt"
	"net/netip"

	"golang.org/x/exp/slices"
)

// addr128 is a uniform representation for both IPv4 and IPv6 addresses,
// so ranges in either family compare and merge the same way. IPv4
// addresses occupy the low 32 bits of lo.
type addr128 struct {
	hi, lo uint64
}

func addr128FromAddr(a netip.Addr) addr128 {
	a16 := a.As16()
	return addr128{hi: beUint64(a16[0:8]), lo: beUint64(a16[8:16])}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (a addr128) less(b addr128) bool {
	if a.hi != b.hi {
		return a.hi < b.hi
	}
	return a.lo < b.lo
}

func (a addr128) equal(b addr128) bool { return a.hi == b.hi && a.lo == b.lo }

func (a addr128) addOne() addr128 {
	if a.lo == ^uint64(0) {
		return addr128{hi: a.hi + 1, lo: 0}
	}
	return addr128{hi: a.hi, lo: a.lo + 1}
}

func (a addr128) subOne() addr128 {
	if a.lo == 0 {
		return addr128{hi: a.hi - 1, lo: ^uint64(0)}
	}
	return addr128{hi: a.hi, lo: a.lo - 1}
}

func maxAddr(a, b addr128) addr128 {
	if a.less(b) {
		return b
	}
	return a
}

func minAddr(a, b addr128) addr128 {
	if a.less(b) {
		return a
	}
	return b
}

// ipRange is a closed interval [lo, hi] of addresses within one address
// family. Family is tracked at the IPSet level, not per-range.
type ipRange struct {
	lo, hi addr128
}

// Family identifies IPv4 versus IPv6.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// IPSet is a canonical, sorted, non-overlapping set of address ranges
// within a single address family.
type IPSet struct {
	family Family
	ranges []ipRange
}

// NewIPSet returns an empty IPSet for the given family.
func NewIPSet(family Family) *IPSet {
	return &IPSet{family: family}
}

// Family reports which address family this set holds.
func (s *IPSet) Family() Family { return s.family }

func (s *IPSet) checkFamily(a netip.Addr) error {
	if s.family == IPv4 && !a.Is4() {
		return fmt.Errorf("resources: address %s is not IPv4", a)
	}
	if s.family == IPv6 && a.Is4() {
		return fmt.Errorf("resources: address %s is not IPv6", a)
	}
	return nil
}

func prefixRange(p netip.Prefix) (lo, hi addr128) {
	p = p.Masked()
	lo = addr128FromAddr(p.Addr())
	width := p.Addr().BitLen()
	hostBits := width - p.Bits()
	hi = lo
	for i := 0; i < hostBits; i++ {
		if i < 64 {
			hi.lo |= 1 << uint(i)
		} else {
			hi.hi |= 1 << uint(i-64)
		}
	}
	return lo, hi
}

// AddPrefix inserts a CIDR prefix into the set, merging it with any
// overlapping or adjacent existing range.
func (s *IPSet) AddPrefix(p netip.Prefix) error {
	if err := s.checkFamily(p.Addr()); err != nil {
		return err
	}
	lo, hi := prefixRange(p)
	s.addRange(ipRange{lo: lo, hi: hi})
	return nil
}

// addRange merges r into the canonical range list: append, sort, coalesce.
func (s *IPSet) addRange(r ipRange) {
	s.ranges = append(s.ranges, r)
	slices.SortFunc(s.ranges, func(a, b ipRange) bool { return a.lo.less(b.lo) })
	s.ranges = coalesce(s.ranges)
}

func overlapsOrAdjacent(a, b ipRange) bool {
	if a.hi.less(b.lo) {
		return a.hi.addOne().equal(b.lo)
	}
	if b.hi.less(a.lo) {
		return b.hi.addOne().equal(a.lo)
	}
	return true
}

func unionRange(a, b ipRange) ipRange {
	return ipRange{lo: minAddr(a.lo, b.lo), hi: maxAddr(a.hi, b.hi)}
}

// coalesce assumes ranges is sorted by lo and merges overlapping or
// adjacent entries in a single linear pass.
func coalesce(ranges []ipRange) []ipRange {
	if len(ranges) == 0 {
		return ranges
	}
	out := make([]ipRange, 0, len(ranges))
	cur := ranges[0]
	for _, r := range ranges[1:] {
		if overlapsOrAdjacent(cur, r) {
			cur = unionRange(cur, r)
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// BuildIPSet constructs a canonical IPSet from a batch of prefixes in a
// single sort-and-coalesce pass, rather than one merge-on-overlap
// insertion per prefix.
func BuildIPSet(family Family, prefixes []netip.Prefix) (*IPSet, error) {
	s := NewIPSet(family)
	ranges := make([]ipRange, 0, len(prefixes))
	for _, p := range prefixes {
		if err := s.checkFamily(p.Addr()); err != nil {
			return nil, err
		}
		lo, hi := prefixRange(p)
		ranges = append(ranges, ipRange{lo: lo, hi: hi})
	}
	slices.SortFunc(ranges, func(a, b ipRange) bool { return a.lo.less(b.lo) })
	s.ranges = coalesce(ranges)
	return s, nil
}

// IsEmpty reports whether the set has no ranges.
func (s *IPSet) IsEmpty() bool { return len(s.ranges) == 0 }

// Contains reports whether every range in other is covered by a range in
// s, via a two-pointer sweep over both (already sorted) range lists.
func (s *IPSet) Contains(other *IPSet) bool {
	if other == nil || other.IsEmpty() {
		return true
	}
	i := 0
	for _, r := range other.ranges {
		for i < len(s.ranges) && s.ranges[i].hi.less(r.lo) {
			i++
		}
		if i >= len(s.ranges) {
			return false
		}
		covering := s.ranges[i]
		if covering.lo.less(r.lo) || covering.lo.equal(r.lo) {
			if r.hi.less(covering.hi) || r.hi.equal(covering.hi) {
				continue
			}
		}
		return false
	}
	return true
}

// Union returns the canonical union of s and other.
func (s *IPSet) Union(other *IPSet) *IPSet {
	out := &IPSet{family: s.family, ranges: append([]ipRange{}, s.ranges...)}
	out.ranges = append(out.ranges, other.ranges...)
	slices.SortFunc(out.ranges, func(a, b ipRange) bool { return a.lo.less(b.lo) })
	out.ranges = coalesce(out.ranges)
	return out
}

// Subtract returns s with every range in other removed.
func (s *IPSet) Subtract(other *IPSet) *IPSet {
	out := &IPSet{family: s.family}
	for _, r := range s.ranges {
		remaining := []ipRange{r}
		for _, sub := range other.ranges {
			var next []ipRange
			for _, rem := range remaining {
				next = append(next, subtractRange(rem, sub)...)
			}
			remaining = next
		}
		out.ranges = append(out.ranges, remaining...)
	}
	slices.SortFunc(out.ranges, func(a, b ipRange) bool { return a.lo.less(b.lo) })
	out.ranges = coalesce(out.ranges)
	return out
}

func subtractRange(r, sub ipRange) []ipRange {
	if sub.hi.less(r.lo) || r.hi.less(sub.lo) {
		return []ipRange{r}
	}
	var out []ipRange
	if r.lo.less(sub.lo) {
		out = append(out, ipRange{lo: r.lo, hi: sub.lo.subOne()})
	}
	if sub.hi.less(r.hi) {
		out = append(out, ipRange{lo: sub.hi.addOne(), hi: r.hi})
	}
	return out
}

// Intersect returns the intersection of s and other.
func (s *IPSet) Intersect(other *IPSet) *IPSet {
	out := &IPSet{family: s.family}
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lo := maxAddr(a.lo, b.lo)
		hi := minAddr(a.hi, b.hi)
		if !hi.less(lo) {
			out.ranges = append(out.ranges, ipRange{lo: lo, hi: hi})
		}
		if a.hi.less(b.hi) {
			i++
		} else {
			j++
		}
	}
	return out
}

// Equal reports whether s and other hold the same canonical ranges.
func (s *IPSet) Equal(other *IPSet) bool {
	if other == nil {
		return s.IsEmpty()
	}
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if !s.ranges[i].lo.equal(other.ranges[i].lo) || !s.ranges[i].hi.equal(other.ranges[i].hi) {
			return false
		}
	}
	return true
}

// PrefixesBetween decomposes the closed address range [lo, hi] into the
// minimal list of CIDR prefixes covering it. It exists so extension
// parsers that encounter an explicit IPAddressRange (rather than a single
// prefix) can reuse the same range-to-CIDR decomposition Prefixes uses
// internally, instead of reimplementing it.
func PrefixesBetween(family Family, lo, hi netip.Addr) ([]netip.Prefix, error) {
	s := NewIPSet(family)
	if err := s.checkFamily(lo); err != nil {
		return nil, err
	}
	if err := s.checkFamily(hi); err != nil {
		return nil, err
	}
	width := 32
	if family == IPv6 {
		width = 128
	}
	r := ipRange{lo: addr128FromAddr(lo), hi: addr128FromAddr(hi)}
	return rangeToPrefixes(r, width), nil
}

// Prefixes decomposes the canonical range set back into the minimal list
// of CIDR prefixes covering it, for encoding into a certificate's IP
// resource extension.
func (s *IPSet) Prefixes() []netip.Prefix {
	var out []netip.Prefix
	width := 32
	if s.family == IPv6 {
		width = 128
	}
	for _, r := range s.ranges {
		out = append(out, rangeToPrefixes(r, width)...)
	}
	return out
}

func rangeToPrefixes(r ipRange, width int) []netip.Prefix {
	var out []netip.Prefix
	lo, hi := r.lo, r.hi
	for {
		maxBits := width
		for bits := 0; bits <= width; bits++ {
			hostBits := width - bits
			if alignedAt(lo, hostBits) && blockFits(lo, hostBits, hi) {
				maxBits = bits
				break
			}
		}
		hostBits := width - maxBits
		blockHi := addHostBits(lo, hostBits)
		out = append(out, addrToPrefix(lo, maxBits, width))
		if blockHi.equal(hi) {
			break
		}
		lo = blockHi.addOne()
	}
	return out
}

func alignedAt(a addr128, hostBits int) bool {
	for i := 0; i < hostBits; i++ {
		if bitSet(a, i) {
			return false
		}
	}
	return true
}

func bitSet(a addr128, i int) bool {
	if i < 64 {
		return a.lo&(1<<uint(i)) != 0
	}
	return a.hi&(1<<uint(i-64)) != 0
}

func addHostBits(a addr128, hostBits int) addr128 {
	out := a
	for i := 0; i < hostBits; i++ {
		if i < 64 {
			out.lo |= 1 << uint(i)
		} else {
			out.hi |= 1 << uint(i-64)
		}
	}
	return out
}

func blockFits(lo addr128, hostBits int, hi addr128) bool {
	blockHi := addHostBits(lo, hostBits)
	return !hi.less(blockHi)
}

func addrToPrefix(a addr128, bits, width int) netip.Prefix {
	var b16 [16]byte
	for i := 0; i < 8; i++ {
		b16[i] = byte(a.hi >> uint(56-8*i))
		b16[8+i] = byte(a.lo >> uint(56-8*i))
	}
	addr16 := netip.AddrFrom16(b16)
	if width == 32 {
		a4 := addr16.As4()
		return netip.PrefixFrom(netip.AddrFrom4(a4), bits)
	}
	return netip.PrefixFrom(addr16, bits)
}
