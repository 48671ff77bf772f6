package resources

import "golang.org/x/exp/slices"

// ASRange is a half-open range of AS numbers [Lo, Hi). A single ASN a is
// represented as the range [a, a+1).
type ASRange struct {
	Lo, Hi uint32
}

// ASNSet is a canonical, sorted, disjoint set of AS-number ranges.
type ASNSet struct {
	ranges []ASRange
}

// NewASNSet returns an empty ASNSet.
func NewASNSet() *ASNSet {
	return &ASNSet{}
}

// AddASN inserts a single AS number.
func (s *ASNSet) AddASN(asn uint32) {
	s.AddRange(ASRange{Lo: asn, Hi: asn + 1})
}

// AddRange inserts a half-open range, merging with overlapping or
// adjacent existing ranges.
func (s *ASNSet) AddRange(r ASRange) {
	s.ranges = append(s.ranges, r)
	sortASRanges(s.ranges)
	s.ranges = coalesceASRanges(s.ranges)
}

func sortASRanges(ranges []ASRange) {
	slices.SortFunc(ranges, func(a, b ASRange) bool { return a.Lo < b.Lo })
}

func coalesceASRanges(ranges []ASRange) []ASRange {
	if len(ranges) == 0 {
		return ranges
	}
	out := make([]ASRange, 0, len(ranges))
	cur := ranges[0]
	for _, r := range ranges[1:] {
		if r.Lo <= cur.Hi {
			if r.Hi > cur.Hi {
				cur.Hi = r.Hi
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// BuildASNSet constructs a canonical ASNSet from a batch of ranges in one
// sort-and-coalesce pass.
func BuildASNSet(ranges []ASRange) *ASNSet {
	cp := append([]ASRange{}, ranges...)
	sortASRanges(cp)
	return &ASNSet{ranges: coalesceASRanges(cp)}
}

// IsEmpty reports whether the set has no ranges.
func (s *ASNSet) IsEmpty() bool { return len(s.ranges) == 0 }

// Contains reports whether every range in other is covered by a range in s.
func (s *ASNSet) Contains(other *ASNSet) bool {
	if other == nil || other.IsEmpty() {
		return true
	}
	i := 0
	for _, r := range other.ranges {
		for i < len(s.ranges) && s.ranges[i].Hi <= r.Lo {
			i++
		}
		if i >= len(s.ranges) {
			return false
		}
		if s.ranges[i].Lo <= r.Lo && r.Hi <= s.ranges[i].Hi {
			continue
		}
		return false
	}
	return true
}

// ContainsASN reports whether asn falls within the set.
func (s *ASNSet) ContainsASN(asn uint32) bool {
	for _, r := range s.ranges {
		if asn >= r.Lo && asn < r.Hi {
			return true
		}
	}
	return false
}

// Union returns the canonical union of s and other.
func (s *ASNSet) Union(other *ASNSet) *ASNSet {
	all := append(append([]ASRange{}, s.ranges...), other.ranges...)
	sortASRanges(all)
	return &ASNSet{ranges: coalesceASRanges(all)}
}

// Subtract returns s with every range in other removed.
func (s *ASNSet) Subtract(other *ASNSet) *ASNSet {
	out := &ASNSet{}
	for _, r := range s.ranges {
		remaining := []ASRange{r}
		for _, sub := range other.ranges {
			var next []ASRange
			for _, rem := range remaining {
				next = append(next, subtractASRange(rem, sub)...)
			}
			remaining = next
		}
		out.ranges = append(out.ranges, remaining...)
	}
	sortASRanges(out.ranges)
	out.ranges = coalesceASRanges(out.ranges)
	return out
}

func subtractASRange(r, sub ASRange) []ASRange {
	if sub.Hi <= r.Lo || r.Hi <= sub.Lo {
		return []ASRange{r}
	}
	var out []ASRange
	if r.Lo < sub.Lo {
		out = append(out, ASRange{Lo: r.Lo, Hi: sub.Lo})
	}
	if sub.Hi < r.Hi {
		out = append(out, ASRange{Lo: sub.Hi, Hi: r.Hi})
	}
	return out
}

// Equal reports whether s and other hold the same canonical ranges.
func (s *ASNSet) Equal(other *ASNSet) bool {
	if other == nil {
		return s.IsEmpty()
	}
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

// Ranges returns the canonical range list, for encoding into a
// certificate's AS resource extension.
func (s *ASNSet) Ranges() []ASRange {
	return append([]ASRange{}, s.ranges...)
}
