package validator

import (
	"sync"

	"github.com/openrpki/rpvalid/rpki"
)

// VRPRecord is a Validated ROA Payload tagged with the trust anchor that
// produced it, so duplicate provenance across TALs can be retained
// internally and deduplicated only at the serving boundary (§4.E
// "tie-breaks and ordering").
type VRPRecord struct {
	rpki.VRP
	TAL string
}

// RouterKeyRecord is a validated BGPsec router key, carrying the fields
// the Router Key RTR PDU needs (§5 "RTR router-key PDU").
type RouterKeyRecord struct {
	ASN  uint32
	SKI  []byte
	SPKI []byte
	TAL  string
}

// Counters tallies accepted and rejected objects by kind, modeled on
// OctoRPKI's per-cycle Prometheus gauge set (§5 "per-cycle summary
// counters").
type Counters struct {
	Accepted map[string]int
	Rejected map[string]int
}

// Result is the accumulated output of one validation cycle across every
// TAL, before SLURM filtering and before being committed to the VRP
// database.
type Result struct {
	VRPs        []VRPRecord
	RouterKeys  []RouterKeyRecord
	Counters    Counters
}

// accumulator is Result's concurrency-safe builder: every TAL's goroutine
// writes into the same accumulator as it walks.
type accumulator struct {
	mu         sync.Mutex
	vrps       []VRPRecord
	routerKeys []RouterKeyRecord
	accepted   map[string]int
	rejected   map[string]int
}

func newAccumulator() *accumulator {
	return &accumulator{
		accepted: make(map[string]int),
		rejected: make(map[string]int),
	}
}

func (a *accumulator) addVRP(v rpki.VRP, tal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vrps = append(a.vrps, VRPRecord{VRP: v, TAL: tal})
	a.accepted["roa"]++
}

func (a *accumulator) addRouterKey(k RouterKeyRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routerKeys = append(a.routerKeys, k)
	a.accepted["router_cert"]++
}

func (a *accumulator) acceptObject(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted[kind]++
}

// reject records a rejected object by the coarse Kind of the error that
// rejected it, so operators can see whether a cycle's losses are mostly
// stale objects, bad signatures, or resource violations.
func (a *accumulator) reject(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected[kind]++
}

func (a *accumulator) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Result{
		VRPs:       append([]VRPRecord{}, a.vrps...),
		RouterKeys: append([]RouterKeyRecord{}, a.routerKeys...),
		Counters: Counters{
			Accepted: copyCounts(a.accepted),
			Rejected: copyCounts(a.rejected),
		},
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
