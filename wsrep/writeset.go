package wsrep

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DataChange is a single ordered row-change recorded against a transaction.
type DataChange struct {
	Table string
	Kind  byte // insert / update / delete, opaque to the core.
	Body  []byte
}

// Writeset is the immutable record gathered for one transaction fragment.
// Before ordering it carries only source/flags/keys/data and a LastSeen
// watermark; once the group-communication layer assigns it a GSN, Assigned,
// Depends and LocalSeqno become meaningful.
type Writeset struct {
	Source    uuid.UUID // Source replica UUID.
	ConnID    int64
	TrxID     int64
	Timestamp time.Time
	Flags     Flags

	LastSeen GSN // GSN observed by the source when gathering began.

	Keys        []Key
	Data        []DataChange
	Unordered   [][]byte // Side-effect payloads, applied outside of ordering.
	Annotations [][]byte

	// Populated once ordered.
	Assigned   GSN
	Depends    GSN
	LocalSeqno int64
}

// IsTOI reports whether the writeset is flagged total-order-isolation.
func (w *Writeset) IsTOI() bool { return w.Flags.Has(FlagIsolation) }

// IsPAUnsafe reports whether the writeset is flagged parallel-apply-unsafe.
func (w *Writeset) IsPAUnsafe() bool { return w.Flags.Has(FlagPAUnsafe) }

// IsPreordered reports whether the writeset carries an externally-assigned
// order and should skip certification's conflict scan.
func (w *Writeset) IsPreordered() bool { return w.Flags.Has(FlagPreordered) }

// IsDummy reports whether the writeset was marked as a certification-failure
// or abort rollback.
func (w *Writeset) IsDummy() bool { return w.Flags.Has(FlagRollback) }

// IsBegin/IsCommit report the fragment-chain position of this writeset.
func (w *Writeset) IsBegin() bool  { return w.Flags.Has(FlagBegin) }
func (w *Writeset) IsCommit() bool { return w.Flags.Has(FlagCommit) }

// PARange returns the writeset's parallel-apply range: the distance between
// its assigned GSN and its dependency GSN.
func (w *Writeset) PARange() int64 {
	if !w.Assigned.Defined() || !w.Depends.Defined() {
		return 0
	}
	return int64(w.Assigned) - int64(w.Depends)
}

// Validate checks the ordered-writeset invariants. It is a no-op
// on LastSeen/flags alone before a GSN has been assigned.
func (w *Writeset) Validate(maxPARange int64) error {
	if !w.Assigned.Defined() {
		return nil
	}
	if w.LastSeen >= w.Assigned {
		return errors.Errorf("writeset %s/%d: last_seen %s not < assigned %s", w.Source, w.TrxID, w.LastSeen, w.Assigned)
	}
	if w.Depends > w.Assigned-1 {
		return errors.Errorf("writeset %s/%d: depends %s exceeds assigned-1 %s", w.Source, w.TrxID, w.Depends, w.Assigned-1)
	}
	if (w.IsPAUnsafe() || w.IsTOI()) && w.Depends != w.Assigned-1 {
		return errors.Errorf("writeset %s/%d: isolation/pa-unsafe requires depends == assigned-1", w.Source, w.TrxID)
	}
	if maxPARange > 0 && w.Depends.Defined() && int64(w.LastSeen)-int64(w.Depends) > maxPARange {
		return errors.Errorf("writeset %s/%d: depends %s below last_seen-pa_range bound", w.Source, w.TrxID, w.Depends)
	}
	return nil
}

// Clone returns a shallow copy of the writeset suitable for mutation of the
// ordering fields (Assigned/Depends/LocalSeqno) without affecting the
// original — eg when the cache retains a writeset that the caller also
// hands to an applier.
func (w *Writeset) Clone() *Writeset {
	var c = *w
	c.Keys = append([]Key(nil), w.Keys...)
	c.Data = append([]DataChange(nil), w.Data...)
	return &c
}
