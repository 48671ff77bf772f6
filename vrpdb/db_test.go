package vrpdb

import (
	"net/netip"
	"testing"

	"github.com/openrpki/rpvalid/rpki"
	"github.com/openrpki/rpvalid/validator"
)

func vrp(asn uint32, prefix string, maxLen int) validator.VRPRecord {
	return validator.VRPRecord{
		VRP: rpki.VRP{ASN: asn, Prefix: netip.MustParsePrefix(prefix), MaxLength: maxLen},
		TAL: "test",
	}
}

func TestCommitAllocatesSerialOnlyWhenChanged(t *testing.T) {
	db := New(4, nil)
	if s := db.CurrentSerial(); s != 0 {
		t.Fatalf("initial serial = %d, want 0", s)
	}

	v1 := vrp(64500, "10.0.0.0/24", 24)
	serial, changed := db.Commit([]validator.VRPRecord{v1}, nil)
	if !changed || serial != 1 {
		t.Fatalf("Commit = (%d, %v), want (1, true)", serial, changed)
	}

	serial2, changed2 := db.Commit([]validator.VRPRecord{v1}, nil)
	if changed2 || serial2 != 1 {
		t.Fatalf("no-op Commit = (%d, %v), want (1, false)", serial2, changed2)
	}
}

func TestGetDeltasFromReturnsCurrentWhenUpToDate(t *testing.T) {
	db := New(4, nil)
	db.Commit([]validator.VRPRecord{vrp(64500, "10.0.0.0/24", 24)}, nil)

	deltas, newSerial, ok := db.GetDeltasFrom(1)
	if !ok || newSerial != 1 || len(deltas) != 0 {
		t.Fatalf("GetDeltasFrom(current) = (%+v, %d, %v)", deltas, newSerial, ok)
	}
}

func TestGetDeltasFromAccumulatesAcrossCommits(t *testing.T) {
	db := New(4, nil)
	v1 := vrp(64500, "10.0.0.0/24", 24)
	v2 := vrp(64501, "10.0.1.0/24", 24)
	db.Commit([]validator.VRPRecord{v1}, nil)
	db.Commit([]validator.VRPRecord{v1, v2}, nil)
	db.Commit([]validator.VRPRecord{v2}, nil)

	deltas, newSerial, ok := db.GetDeltasFrom(1)
	if !ok {
		t.Fatalf("expected serial 1 to still be in history")
	}
	if newSerial != 3 {
		t.Fatalf("newSerial = %d, want 3", newSerial)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v, want 2 entries", deltas)
	}
	if len(deltas[0].AddedVRPs) != 1 || deltas[0].AddedVRPs[0].ASN != 64501 {
		t.Errorf("deltas[0] added = %+v, want v2 added", deltas[0].AddedVRPs)
	}
	if len(deltas[1].WithdrawnVRPs) != 1 || deltas[1].WithdrawnVRPs[0].ASN != 64500 {
		t.Errorf("deltas[1] withdrawn = %+v, want v1 withdrawn", deltas[1].WithdrawnVRPs)
	}
}

func TestHistoryEvictionTriggersCacheReset(t *testing.T) {
	db := New(2, nil)
	v1 := vrp(64500, "10.0.0.0/24", 24)
	v2 := vrp(64501, "10.0.1.0/24", 24)
	v3 := vrp(64502, "10.0.2.0/24", 24)

	db.Commit([]validator.VRPRecord{v1}, nil)                 // serial 1
	db.Commit([]validator.VRPRecord{v1, v2}, nil)              // serial 2
	db.Commit([]validator.VRPRecord{v1, v2, v3}, nil)          // serial 3, evicts serial 1

	if _, ok := db.GetSnapshot(1); ok {
		t.Fatalf("expected serial 1 to have been evicted")
	}
	_, _, ok := db.GetDeltasFrom(1)
	if ok {
		t.Fatalf("expected a cache reset for an evicted serial")
	}

	deltas, newSerial, ok := db.GetDeltasFrom(2)
	if !ok || newSerial != 3 || len(deltas) != 1 {
		t.Fatalf("GetDeltasFrom(2) = (%+v, %d, %v)", deltas, newSerial, ok)
	}
}

func TestCommitDiffsRouterKeys(t *testing.T) {
	db := New(4, nil)
	k1 := validator.RouterKeyRecord{ASN: 64500, SKI: []byte{1, 2, 3}, SPKI: []byte{9}}
	k2 := validator.RouterKeyRecord{ASN: 64501, SKI: []byte{4, 5, 6}, SPKI: []byte{9}}

	db.Commit(nil, []validator.RouterKeyRecord{k1})
	serial, changed := db.Commit(nil, []validator.RouterKeyRecord{k2})
	if !changed || serial != 2 {
		t.Fatalf("Commit = (%d, %v), want (2, true)", serial, changed)
	}

	deltas, _, ok := db.GetDeltasFrom(1)
	if !ok || len(deltas) != 1 {
		t.Fatalf("GetDeltasFrom(1) = (%+v, ok=%v)", deltas, ok)
	}
	if len(deltas[0].AddedKeys) != 1 || deltas[0].AddedKeys[0].ASN != 64501 {
		t.Errorf("added keys = %+v", deltas[0].AddedKeys)
	}
	if len(deltas[0].WithdrawnKeys) != 1 || deltas[0].WithdrawnKeys[0].ASN != 64500 {
		t.Errorf("withdrawn keys = %+v", deltas[0].WithdrawnKeys)
	}
}
