// Package cert implements the certification index: key-level
// write-write conflict detection between an incoming writeset
// and the sliding window of recently-committed writesets.
package cert

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"go.wsrep.dev/core/wsrep"
)

// keyOccupant tracks the most recent exclusive writer of a key, and the set
// of shared readers since that write (an exclusive write supersedes any
// earlier shared history, so the shared set is cleared when it happens).
type keyOccupant struct {
	exclusiveGSN wsrep.GSN // wsrep.SeqnoUndefined if never exclusively touched.
	sharedGSNs   map[wsrep.GSN]struct{}
}

// MaxDefaultPARange bounds pa_range absent an index-window-derived cap; it is
// overridden by the configured certification window.
const MaxDefaultPARange = 1 << 20

// Index is the certification index. The zero value is not usable;
// construct with New.
//
// Certify/applyKeys/TrimTo form one serial bottleneck: mu guards the full
// certify-and-update critical section so concurrent appliers (the
// replicator runs up to ApplierPoolSize of them) can't race on keys/byGSN.
type Index struct {
	mu sync.Mutex

	keys map[string]*keyOccupant

	// byGSN retains, per GSN, the set of keys it touched, so TrimTo can
	// remove entries without rescanning every key in the index.
	byGSN map[wsrep.GSN][]string

	firstRetained  wsrep.GSN
	lastCommitted  wsrep.GSN
	maxPARange     int64

	stats stats
}

// New returns an empty certification index. maxPARange caps the pa_range
// any writeset may be assigned.
func New(maxPARange int64) *Index {
	if maxPARange <= 0 {
		maxPARange = MaxDefaultPARange
	}
	return &Index{
		keys:          make(map[string]*keyOccupant),
		byGSN:         make(map[wsrep.GSN][]string),
		firstRetained: wsrep.SeqnoUndefined,
		lastCommitted: wsrep.SeqnoUndefined,
		maxPARange:    maxPARange,
	}
}

// Result is the outcome of Certify.
type Result struct {
	Conflict   bool
	ConflictOn wsrep.Key
	Depends    wsrep.GSN
	PARange    int64
}

// Certify checks ws against the index. On success (no
// conflict) it also updates the index with ws's keys; ws.Assigned must
// already be set. On conflict, the index is left unchanged and the caller
// must mark ws a dummy rollback.
func (idx *Index) Certify(ws *wsrep.Writeset) Result {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var ls = ws.LastSeen
	var depends = ls

	if ws.IsPAUnsafe() || ws.IsTOI() {
		idx.stats.recordInterval(int64(ws.Assigned - ls))
		var out = Result{Depends: ws.Assigned - 1, PARange: 0}
		idx.applyKeys(ws) // still populates the index for subsequent certification.
		idx.stats.recordDepends(int64(ws.Assigned - out.Depends))
		return out
	}

	if ws.IsPreordered() {
		// Preordered writesets skip conflict detection entirely: they carry
		// an externally-assigned order and are treated conservatively (see
		// open question on preordered assertions).
		idx.applyKeys(ws)
		var out = Result{Depends: ls}
		idx.stats.recordInterval(int64(ws.Assigned - ls))
		idx.stats.recordDepends(int64(ws.Assigned - out.Depends))
		return out
	}

	for _, k := range ws.Keys {
		var occ, ok = idx.keys[k.Canon]
		if !ok {
			continue
		}
		if occ.exclusiveGSN != wsrep.SeqnoUndefined && occ.exclusiveGSN > ls {
			// An exclusive write after our snapshot conflicts no matter what
			// access we're requesting.
			idx.stats.recordInterval(int64(ws.Assigned - ls))
			return Result{Conflict: true, ConflictOn: k}
		}
		var maxShared = wsrep.SeqnoUndefined
		for g := range occ.sharedGSNs {
			if g > ls && g > maxShared {
				maxShared = g
			}
		}
		if maxShared != wsrep.SeqnoUndefined && k.Access == wsrep.KeyExclusive {
			// Candidate wants exclusive access where a shared reader is active
			// past our snapshot: conflict. Shared-shared never conflicts and
			// never generates a dependency.
			idx.stats.recordInterval(int64(ws.Assigned - ls))
			return Result{Conflict: true, ConflictOn: k}
		}
	}

	idx.applyKeys(ws)

	var paRange = int64(ws.Assigned-depends) - 1
	if paRange > idx.maxPARange {
		paRange = idx.maxPARange
		depends = ws.Assigned - wsrep.GSN(paRange) - 1
	}
	if paRange < 0 {
		paRange = 0
	}

	idx.stats.recordInterval(int64(ws.Assigned - ls))
	idx.stats.recordDepends(int64(ws.Assigned - depends))
	return Result{Depends: depends, PARange: paRange}
}

// applyKeys records ws's GSN as the latest occupant of every key it
// touched. Called both on certification success and on the bypass paths
// (PA-unsafe/TOI/preordered), which must still update the index even
// though they skip the conflict scan.
func (idx *Index) applyKeys(ws *wsrep.Writeset) {
	var canons = make([]string, 0, len(ws.Keys))
	for _, k := range ws.Keys {
		var occ, ok = idx.keys[k.Canon]
		if !ok {
			occ = &keyOccupant{exclusiveGSN: wsrep.SeqnoUndefined, sharedGSNs: make(map[wsrep.GSN]struct{})}
			idx.keys[k.Canon] = occ
		}
		if k.Access == wsrep.KeyExclusive {
			occ.exclusiveGSN = ws.Assigned
			occ.sharedGSNs = make(map[wsrep.GSN]struct{}) // superseded by the exclusive write.
		} else {
			occ.sharedGSNs[ws.Assigned] = struct{}{}
		}
		canons = append(canons, k.Canon)
	}
	idx.byGSN[ws.Assigned] = canons
	if idx.lastCommitted < ws.Assigned {
		idx.lastCommitted = ws.Assigned
	}
	if idx.firstRetained == wsrep.SeqnoUndefined {
		idx.firstRetained = ws.Assigned
	}
	idx.stats.setSize(len(idx.keys))
}

// TrimTo purges every key occupancy referencing only GSNs at or below gsn,
// deleting keys that become empty. It bounds index
// memory and, by shrinking the retained window, the maximum pa_range any
// future writeset can be assigned.
func (idx *Index) TrimTo(gsn wsrep.GSN) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for g := idx.firstRetained; g != wsrep.SeqnoUndefined && g <= gsn; g++ {
		var canons, ok = idx.byGSN[g]
		if !ok {
			continue
		}
		delete(idx.byGSN, g)
		for _, canon := range canons {
			var occ, ok = idx.keys[canon]
			if !ok {
				continue
			}
			if occ.exclusiveGSN == g {
				occ.exclusiveGSN = wsrep.SeqnoUndefined
			}
			delete(occ.sharedGSNs, g)
			if occ.exclusiveGSN == wsrep.SeqnoUndefined && len(occ.sharedGSNs) == 0 {
				delete(idx.keys, canon)
			}
		}
	}
	idx.firstRetained = gsn + 1
	idx.stats.setSize(len(idx.keys))
	log.WithField("gsn", gsn).Debug("cert: trimmed index")
}

// Size returns the current number of distinct keys tracked.
func (idx *Index) Size() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.keys)
}

// Window returns (firstRetained, lastCommitted), the GSN span the index
// currently vouches for.
func (idx *Index) Window() (wsrep.GSN, wsrep.GSN) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.firstRetained, idx.lastCommitted
}
