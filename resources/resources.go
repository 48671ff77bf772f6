package resources

import (
	"fmt"

	verrors "github.com/openrpki/rpvalid/errors"
)

// Set is the resolved or unresolved resource extent of a certificate:
// IPv4 prefixes, IPv6 prefixes, and AS-number ranges, each either a
// literal canonical set or the RFC 3779 "inherit" sentinel.
//
// It is illegal to query containment on a Set that still has an
// unresolved inherit flag set — ResolveInherit must run first. This
// mirrors §4.A: "inherit" is a flag on the container, and resolution is
// a one-shot copy-from-parent, not a live reference.
type Set struct {
	IP4         *IPSet
	IP4Inherit  bool
	IP6         *IPSet
	IP6Inherit  bool
	ASN         *ASNSet
	ASNInherit  bool
}

// NewEmpty returns a Set with literal, empty resources in all three
// families.
func NewEmpty() *Set {
	return &Set{
		IP4: NewIPSet(IPv4),
		IP6: NewIPSet(IPv6),
		ASN: NewASNSet(),
	}
}

// resolved reports whether every family has been resolved out of
// "inherit" form.
func (s *Set) resolved() bool {
	return !s.IP4Inherit && !s.IP6Inherit && !s.ASNInherit
}

// ResolveInherit copies any inherited family from parent into s, in
// place, and clears the corresponding inherit flag. It is idempotent:
// calling it twice on an already-resolved Set is a no-op. The literal
// form is stored thereafter, per §4.A/§9.
func (s *Set) ResolveInherit(parent *Set) error {
	if parent == nil {
		if s.IP4Inherit || s.IP6Inherit || s.ASNInherit {
			return verrors.ResourceViolationError("cannot resolve inherit with no parent")
		}
		return nil
	}
	if s.IP4Inherit {
		if parent.IP4Inherit {
			return verrors.InternalErrorf("parent resources not resolved before child")
		}
		s.IP4 = nil
		if parent.IP4 != nil {
			s.IP4 = &IPSet{family: parent.IP4.family, ranges: append([]ipRange(nil), parent.IP4.ranges...)}
		}
		s.IP4Inherit = false
	}
	if s.IP6Inherit {
		if parent.IP6Inherit {
			return verrors.InternalErrorf("parent resources not resolved before child")
		}
		s.IP6 = nil
		if parent.IP6 != nil {
			s.IP6 = &IPSet{family: parent.IP6.family, ranges: append([]ipRange(nil), parent.IP6.ranges...)}
		}
		s.IP6Inherit = false
	}
	if s.ASNInherit {
		if parent.ASNInherit {
			return verrors.InternalErrorf("parent resources not resolved before child")
		}
		s.ASN = nil
		if parent.ASN != nil {
			s.ASN = &ASNSet{ranges: parent.ASN.Ranges()}
		}
		s.ASNInherit = false
	}
	return nil
}

// Contains reports whether s fully covers other in all three families.
// It is an error to call this before other and s are both resolved.
func (s *Set) Contains(other *Set) (bool, error) {
	if !s.resolved() || !other.resolved() {
		return false, verrors.InternalErrorf("resources: containment queried on unresolved inherit set")
	}
	if !s.IP4.Contains(other.IP4) {
		return false, nil
	}
	if !s.IP6.Contains(other.IP6) {
		return false, nil
	}
	if !s.ASN.Contains(other.ASN) {
		return false, nil
	}
	return true, nil
}

// IsEmpty reports whether every family is literal and empty. A Set
// still carrying an inherit flag is never considered empty.
func (s *Set) IsEmpty() bool {
	if s.IP4Inherit || s.IP6Inherit || s.ASNInherit {
		return false
	}
	return s.IP4.IsEmpty() && s.IP6.IsEmpty() && s.ASN.IsEmpty()
}

// String renders a human-readable summary for logging.
func (s *Set) String() string {
	if !s.resolved() {
		return "<unresolved inherit>"
	}
	return fmt.Sprintf("ip4=%v ip6=%v asn=%v", s.IP4.Prefixes(), s.IP6.Prefixes(), s.ASN.Ranges())
}
