// Package monitor implements the ordering serializer used by the local,
// apply and commit critical sections: entry is forced
// into strict global-sequence-number order, while exit is allowed to race
// ahead within the dependency range a caller declares.
package monitor

import (
	"context"
	"sync"

	"go.wsrep.dev/core/wsrep"
)

// Event is anything a Monitor can order. GlobalSeqno is the GSN this event
// occupies; DependsSeqno is the highest GSN that must have left the monitor
// (or been canceled) before this event's critical section may begin.
type Event interface {
	GlobalSeqno() wsrep.GSN
	DependsSeqno() wsrep.GSN
}

type slotState int

const (
	slotWaiting slotState = iota
	slotEntered
	slotCanceled
)

type slot struct {
	state slotState
}

// Monitor serializes entry of events in GSN order while permitting their
// critical sections (the span between Enter and Leave) to overlap whenever
// the later event's DependsSeqno has already left. The zero value is not
// usable; construct with New.
type Monitor[T Event] struct {
	mu   sync.Mutex
	cond *sync.Cond

	enteredUpTo wsrep.GSN // highest gsn to have entered or been canceled, contiguously.
	leftFloor   wsrep.GSN // highest gsn such that everything at or below it has left or been canceled.
	left        map[wsrep.GSN]bool

	pending map[wsrep.GSN]*slot

	// canceledAhead holds GSNs canceled before enteredUpTo reached them (eg
	// a victim aborted before its turn). Kept separate from pending so a
	// later Enter's contiguous sweep still has a record to fold over; the
	// cancel itself already resolved the GSN for dependsSatisfiedLocked via left.
	canceledAhead map[wsrep.GSN]bool

	drainPoint *wsrep.GSN

	stats stats
}

// New returns a Monitor whose floor is `initial`: every GSN at or below it
// is considered already entered and left, so the first accepted event must
// carry GlobalSeqno() == initial+1.
func New[T Event](initial wsrep.GSN) *Monitor[T] {
	var m = &Monitor[T]{
		enteredUpTo:   initial,
		leftFloor:     initial,
		left:          make(map[wsrep.GSN]bool),
		pending:       make(map[wsrep.GSN]*slot),
		canceledAhead: make(map[wsrep.GSN]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enter blocks until event is permitted to begin its critical section:
// every lower GSN has entered or been canceled, and every GSN at or below
// event.DependsSeqno() has left or been canceled. It fails with
// KindInterrupted if event is canceled while waiting, or if a drain in
// effect at entry time excludes its GSN.
func (m *Monitor[T]) Enter(ctx context.Context, event T) error {
	var gsn, depends = event.GlobalSeqno(), event.DependsSeqno()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[gsn]; ok {
		return wsrep.Errorf(wsrep.KindInconsistentState, "monitor: gsn %s entered twice", gsn)
	}
	if gsn <= m.enteredUpTo || m.canceledAhead[gsn] {
		// gsn's slot was already resolved without this Enter: a Cancel raced ahead of it.
		return wsrep.Errorf(wsrep.KindInterrupted, "monitor: gsn %s canceled before entering", gsn)
	}
	var sl = &slot{state: slotWaiting}
	m.pending[gsn] = sl
	var outOfOrder = gsn != m.enteredUpTo+1
	m.stats.recordEntry(outOfOrder)

	var wake chan struct{}
	if ctx != nil {
		wake = m.watchContext(ctx)
		defer close(wake)
	}

	for {
		if sl.state == slotCanceled {
			return wsrep.Errorf(wsrep.KindInterrupted, "monitor: gsn %s canceled before entering", gsn)
		}
		if m.drainPoint != nil && gsn > *m.drainPoint {
			// A drain implicitly cancels entries above its point: fold the
			// slot the same way an explicit Cancel would, so the GSN sequence never gaps.
			sl.state = slotCanceled
			m.foldCanceledLocked(gsn)
			return wsrep.Errorf(wsrep.KindInterrupted, "monitor: gsn %s rejected, drain active at %s", gsn, *m.drainPoint)
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				// The slot is left waiting: an interrupted enter still occupies
				// its GSN until the caller explicitly cancels it.
				return err
			}
		}
		if gsn == m.enteredUpTo+1 && m.dependsSatisfiedLocked(depends) {
			break
		}
		m.cond.Wait()
	}

	sl.state = slotEntered
	m.enteredUpTo = gsn
	m.advanceEnteredLocked()
	m.stats.recordWindow(int64(gsn - m.leftFloor))
	m.cond.Broadcast()
	return nil
}

// Leave ends event's critical section, making its GSN visible to depending
// entries and advancing last_left as appropriate.
func (m *Monitor[T]) Leave(event T) error {
	var gsn = event.GlobalSeqno()

	m.mu.Lock()
	defer m.mu.Unlock()

	var sl, ok = m.pending[gsn]
	if !ok || sl.state != slotEntered {
		return wsrep.Errorf(wsrep.KindInconsistentState, "monitor: gsn %s left without having entered", gsn)
	}
	var outOfOrder = gsn != m.leftFloor+1
	m.stats.recordLeave(outOfOrder)
	m.foldLeftLocked(gsn)
	m.cond.Broadcast()
	return nil
}

// Cancel aborts event's slot. If Enter(event) is blocked, it returns
// KindInterrupted; the GSN still counts as resolved for ordering purposes.
// Cancel may race ahead of the matching Enter call (eg a victim transaction
// aborted before ever reaching the monitor), in which case the GSN is
// resolved at once and the later Enter fails immediately with
// KindInterrupted instead of blocking.
func (m *Monitor[T]) Cancel(gsn wsrep.GSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sl, ok = m.pending[gsn]
	if !ok {
		m.pending[gsn] = &slot{state: slotCanceled}
		m.foldCanceledLocked(gsn)
		m.cond.Broadcast()
		return nil
	}

	switch sl.state {
	case slotWaiting:
		sl.state = slotCanceled
		m.foldCanceledLocked(gsn)
	case slotEntered:
		sl.state = slotCanceled
		m.foldLeftLocked(gsn) // cancel after entering still releases downstream waiters.
	default:
		return wsrep.Errorf(wsrep.KindInconsistentState, "monitor: gsn %s already resolved", gsn)
	}
	m.cond.Broadcast()
	return nil
}

// Drain blocks until every event at or below gsn has left. From the moment
// it is called until Resume, any Enter call for a GSN above gsn is rejected.
func (m *Monitor[T]) Drain(ctx context.Context, gsn wsrep.GSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainPoint = &gsn

	var wake chan struct{}
	if ctx != nil {
		wake = m.watchContext(ctx)
		defer close(wake)
	}
	for m.leftFloor < gsn {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		m.cond.Wait()
	}
	return nil
}

// Resume clears an active drain, admitting new Enter calls for any GSN.
func (m *Monitor[T]) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainPoint = nil
	m.cond.Broadcast()
}

// LastLeft returns the highest GSN known to have left (or been canceled),
// contiguously from the monitor's floor.
func (m *Monitor[T]) LastLeft() wsrep.GSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leftFloor
}

func (m *Monitor[T]) dependsSatisfiedLocked(depends wsrep.GSN) bool {
	if depends <= m.leftFloor {
		return true
	}
	for g := m.leftFloor + 1; g <= depends; g++ {
		if !m.left[g] {
			return false
		}
	}
	return true
}

// foldLeftLocked records gsn as left and advances leftFloor over any
// contiguous run now complete, discarding the now-redundant bookkeeping.
func (m *Monitor[T]) foldLeftLocked(gsn wsrep.GSN) {
	m.left[gsn] = true
	delete(m.pending, gsn)
	for m.left[m.leftFloor+1] {
		m.leftFloor++
		delete(m.left, m.leftFloor)
	}
}

// foldCanceledLocked resolves a canceled-before-entering slot. If gsn is
// already enteredUpTo's successor, enteredUpTo advances past it directly;
// otherwise the cancel raced ahead of Enter reaching gsn, so it is recorded
// in canceledAhead instead of simply discarded — a later Enter's own advance
// sweeps over it once enteredUpTo catches up, in either order. The
// cancellation also counts as an immediate "left" for dependency purposes,
// since it never ran a critical section.
func (m *Monitor[T]) foldCanceledLocked(gsn wsrep.GSN) {
	delete(m.pending, gsn)
	if gsn == m.enteredUpTo+1 {
		m.enteredUpTo = gsn
	} else {
		m.canceledAhead[gsn] = true
	}
	m.advanceEnteredLocked()
	m.foldLeftLocked(gsn)
}

// advanceEnteredLocked sweeps enteredUpTo forward over any run of GSNs
// immediately following it that were already canceled ahead of their turn,
// so a Cancel racing ahead of its Enter doesn't permanently block
// admission of enteredUpTo+1 once the intervening GSNs are resolved.
func (m *Monitor[T]) advanceEnteredLocked() {
	for m.canceledAhead[m.enteredUpTo+1] {
		m.enteredUpTo++
		delete(m.canceledAhead, m.enteredUpTo)
	}
}

// watchContext wakes every waiter on ctx cancellation, since sync.Cond has
// no native support for it. Callers must close the returned channel once
// they stop waiting.
func (m *Monitor[T]) watchContext(ctx context.Context) chan struct{} {
	var done = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	return done
}
