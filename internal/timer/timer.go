// Package timer implements scalar-time one-shot and periodic callbacks,
// driven by an explicit Run(now) tick rather than real wall-clock
// goroutines — the same style the teacher uses for its heartbeat tickers
// and drain deadlines (see SocketHandoff's waitForDrainAndExit and
// tbflip's context.WithTimeout drain), generalized into a reusable
// scheduler so the CGI soft/hard-kill chain and server housekeeping can
// share one facility instead of each spawning their own goroutine.
package timer

import (
	"container/heap"
	"sync"
)

// ClientData is an opaque value handed back to a fired callback.
type ClientData any

// Callback is invoked when a timer fires. now is the scalar time (in
// milliseconds) at which Run observed the timer as due.
type Callback func(cd ClientData, now int64)

// Handle identifies a scheduled timer for Cancel.
type Handle uint64

type entry struct {
	handle   Handle
	due      int64
	period   int64 // re-arm interval; used only when periodic
	periodic bool
	cb       Callback
	cd       ClientData
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due < h[j].due }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel schedules and fires timers. It is safe for concurrent use; a
// callback may call Cancel (including canceling its own handle or any
// other handle) without deadlocking.
type Wheel struct {
	mu      sync.Mutex
	byID    map[Handle]*entry
	pending entryHeap
	nextID  Handle
}

// New returns an empty Wheel.
func New() *Wheel {
	return &Wheel{byID: make(map[Handle]*entry)}
}

// Create schedules cb to fire at now+millis. If periodic, it re-arms
// itself every millis after firing until Cancel is called.
func (w *Wheel) Create(now int64, cb Callback, cd ClientData, millis int64, periodic bool) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	e := &entry{
		handle:   w.nextID,
		due:      now + millis,
		period:   millis,
		periodic: periodic,
		cb:       cb,
		cd:       cd,
	}
	w.byID[e.handle] = e
	heap.Push(&w.pending, e)
	return e.handle
}

// Cancel removes a timer. Canceling an already-fired one-shot or an
// unknown handle is a no-op. Safe to call re-entrantly from a callback.
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[h]
	if !ok {
		return
	}
	e.canceled = true
	delete(w.byID, h)
	if e.index >= 0 && e.index < len(w.pending) && w.pending[e.index] == e {
		heap.Remove(&w.pending, e.index)
	}
}

// Run fires every timer due at or before now. Periodic timers are
// re-armed for now+period (not due+period, to avoid runaway catch-up
// bursts after a long pause between Run calls).
func (w *Wheel) Run(now int64) {
	for {
		w.mu.Lock()
		if w.pending.Len() == 0 || w.pending[0].due > now {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.pending).(*entry)
		if e.canceled {
			w.mu.Unlock()
			continue
		}
		if e.periodic {
			e.due = now + e.period
			heap.Push(&w.pending, e)
		} else {
			delete(w.byID, e.handle)
		}
		cb, cd := e.cb, e.cd
		w.mu.Unlock()
		cb(cd, now)
	}
}

// Len reports the number of timers currently pending.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Len()
}
