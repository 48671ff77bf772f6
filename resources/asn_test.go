package resources

import "testing"

func TestASNSetSingleASNRange(t *testing.T) {
	s := NewASNSet()
	s.AddASN(64500)
	if !s.ContainsASN(64500) {
		t.Fatalf("expected set to contain 64500")
	}
	if s.ContainsASN(64501) {
		t.Fatalf("expected set not to contain 64501")
	}
	ranges := s.Ranges()
	if len(ranges) != 1 || ranges[0] != (ASRange{Lo: 64500, Hi: 64501}) {
		t.Fatalf("expected single-ASN range [64500,64501), got %v", ranges)
	}
}

func TestASNSetContainsAfterUnion(t *testing.T) {
	a := BuildASNSet([]ASRange{{Lo: 64500, Hi: 64600}})
	b := BuildASNSet([]ASRange{{Lo: 64550, Hi: 64560}})
	if !a.Contains(b) {
		t.Fatalf("expected [64500,64600) to contain [64550,64560)")
	}
	union := a.Union(b)
	if !union.Equal(a) {
		t.Fatalf("A.contains(B) should imply A.union(B) == A")
	}
	if !b.Subtract(a).IsEmpty() {
		t.Fatalf("B.subtract(A) should be empty when A contains B")
	}
}

func TestASNSetAdjacentRangesMerge(t *testing.T) {
	s := BuildASNSet([]ASRange{{Lo: 1, Hi: 10}, {Lo: 10, Hi: 20}})
	ranges := s.Ranges()
	if len(ranges) != 1 || ranges[0] != (ASRange{Lo: 1, Hi: 20}) {
		t.Fatalf("expected merged [1,20), got %v", ranges)
	}
}

func TestASNSetDisjointDoesNotContain(t *testing.T) {
	a := BuildASNSet([]ASRange{{Lo: 64500, Hi: 64501}})
	b := BuildASNSet([]ASRange{{Lo: 64501, Hi: 64502}})
	if a.Contains(b) {
		t.Fatalf("adjacent-but-disjoint ranges must not contain each other")
	}
}
