// Package vrpdb holds the validated RPKI payload set the RTR server
// reads from: a current snapshot plus a bounded history of prior
// snapshots and the deltas between them (§4.G). The validation driver
// is the database's sole writer; RTR sessions are concurrent readers.
package vrpdb

import (
	"fmt"
	"sync"

	"github.com/openrpki/rpvalid/metrics"
	"github.com/openrpki/rpvalid/validator"
)

// Snapshot is the full VRP/router-key set as of a given serial.
type Snapshot struct {
	Serial     uint32
	VRPs       []validator.VRPRecord
	RouterKeys []validator.RouterKeyRecord
}

// Delta is the set of changes a commit introduced, keyed by the serial
// it produced. FromSerial is the serial the delta applies on top of.
type Delta struct {
	Serial     uint32
	FromSerial uint32

	AddedVRPs     []validator.VRPRecord
	WithdrawnVRPs []validator.VRPRecord

	AddedKeys     []validator.RouterKeyRecord
	WithdrawnKeys []validator.RouterKeyRecord
}

// DB is the reader-writer-locked home for the current snapshot and its
// recent history, modeled on the boulder AMQP RPC server's
// mutex-guarded shared state (rpc/amqp-rpc.go's AmqpRPCServer).
type DB struct {
	mu sync.RWMutex

	k int

	// snapshots holds up to k entries, oldest first; the last entry is
	// always the current snapshot. deltas holds up to k-1 entries,
	// oldest first; deltas[i] is the transition from snapshots[i] to
	// snapshots[i+1].
	snapshots []*Snapshot
	deltas    []*Delta

	scope metrics.Scope
}

// New constructs a DB retaining up to k snapshots of history (k<1 is
// clamped to 1), starting from an empty snapshot at serial 0.
func New(k int, scope metrics.Scope) *DB {
	if k < 1 {
		k = 1
	}
	return &DB{
		k:         k,
		snapshots: []*Snapshot{{Serial: 0}},
		scope:     scope,
	}
}

// CurrentSerial returns the serial of the most recently committed
// snapshot.
func (db *DB) CurrentSerial() uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.current().Serial
}

func (db *DB) current() *Snapshot {
	return db.snapshots[len(db.snapshots)-1]
}

// CurrentSnapshot returns the most recently committed snapshot.
func (db *DB) CurrentSnapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.current()
}

// GetSnapshot returns the retained snapshot at serial, if it is still in
// history.
func (db *DB) GetSnapshot(serial uint32) (*Snapshot, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, s := range db.snapshots {
		if s.Serial == serial {
			return s, true
		}
	}
	return nil, false
}

// GetDeltasFrom returns the ordered sequence of deltas needed to bring a
// client at serial up to the current serial. ok is false when serial has
// fallen out of the retained history window, meaning the caller must
// instead send a Cache Reset (§4.G, §4.H).
func (db *DB) GetDeltasFrom(serial uint32) (deltas []*Delta, newSerial uint32, ok bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	newSerial = db.current().Serial
	if serial == newSerial {
		return nil, newSerial, true
	}
	for i, s := range db.snapshots {
		if s.Serial != serial {
			continue
		}
		out := make([]*Delta, len(db.deltas)-i)
		copy(out, db.deltas[i:])
		return out, newSerial, true
	}
	return nil, newSerial, false
}

// Commit computes additions and withdrawals against the current
// snapshot and, if anything changed, allocates the next serial and
// records a new snapshot and delta, evicting history beyond k. It
// reports the resulting serial and whether a new serial was allocated;
// an unchanged result reuses the current serial (§4.G step 2).
func (db *DB) Commit(vrps []validator.VRPRecord, routerKeys []validator.RouterKeyRecord) (serial uint32, changed bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	vrps = dedupeVRPs(vrps)

	cur := db.current()
	addedVRPs, withdrawnVRPs := diffVRPs(cur.VRPs, vrps)
	addedKeys, withdrawnKeys := diffKeys(cur.RouterKeys, routerKeys)

	if len(addedVRPs) == 0 && len(withdrawnVRPs) == 0 && len(addedKeys) == 0 && len(withdrawnKeys) == 0 {
		db.publish()
		return cur.Serial, false
	}

	next := cur.Serial + 1
	snap := &Snapshot{Serial: next, VRPs: vrps, RouterKeys: routerKeys}
	delta := &Delta{
		Serial:        next,
		FromSerial:    cur.Serial,
		AddedVRPs:     addedVRPs,
		WithdrawnVRPs: withdrawnVRPs,
		AddedKeys:     addedKeys,
		WithdrawnKeys: withdrawnKeys,
	}

	db.snapshots = append(db.snapshots, snap)
	db.deltas = append(db.deltas, delta)
	if len(db.snapshots) > db.k {
		db.snapshots = db.snapshots[len(db.snapshots)-db.k:]
	}
	if keep := db.k - 1; len(db.deltas) > keep {
		db.deltas = db.deltas[len(db.deltas)-keep:]
	}

	db.publish()
	return next, true
}

func (db *DB) publish() {
	if db.scope == nil {
		return
	}
	cur := db.current()
	_ = db.scope.Gauge("serial", int64(cur.Serial))
	_ = db.scope.Gauge("vrps", int64(len(cur.VRPs)))
	_ = db.scope.Gauge("router_keys", int64(len(cur.RouterKeys)))
	_ = db.scope.Gauge("history_depth", int64(len(db.snapshots)))
}

func vrpKey(v validator.VRPRecord) [3]any {
	return [3]any{v.ASN, v.Prefix, v.MaxLength}
}

// dedupeVRPs collapses VRPs that agree on (asn, prefix, max_length) to a
// single served entry, keeping the first one encountered. Two trust
// anchors can independently attest the same announcement; the RTR wire
// format has no room for per-TAL provenance, so that distinction stays in
// the validator's own diagnostics and never reaches the serving boundary.
func dedupeVRPs(vrps []validator.VRPRecord) []validator.VRPRecord {
	seen := make(map[[3]any]bool, len(vrps))
	out := make([]validator.VRPRecord, 0, len(vrps))
	for _, v := range vrps {
		k := vrpKey(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func diffVRPs(old, new []validator.VRPRecord) (added, withdrawn []validator.VRPRecord) {
	oldSet := make(map[[3]any]bool, len(old))
	for _, v := range old {
		oldSet[vrpKey(v)] = true
	}
	newSet := make(map[[3]any]bool, len(new))
	for _, v := range new {
		newSet[vrpKey(v)] = true
	}
	for _, v := range new {
		if !oldSet[vrpKey(v)] {
			added = append(added, v)
		}
	}
	for _, v := range old {
		if !newSet[vrpKey(v)] {
			withdrawn = append(withdrawn, v)
		}
	}
	return added, withdrawn
}

func routerKeyKey(k validator.RouterKeyRecord) string {
	return fmt.Sprintf("%d|%x", k.ASN, k.SKI)
}

func diffKeys(old, new []validator.RouterKeyRecord) (added, withdrawn []validator.RouterKeyRecord) {
	oldSet := make(map[string]bool, len(old))
	for _, k := range old {
		oldSet[routerKeyKey(k)] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, k := range new {
		newSet[routerKeyKey(k)] = true
	}
	for _, k := range new {
		if !oldSet[routerKeyKey(k)] {
			added = append(added, k)
		}
	}
	for _, k := range old {
		if !newSet[routerKeyKey(k)] {
			withdrawn = append(withdrawn, k)
		}
	}
	return added, withdrawn
}
