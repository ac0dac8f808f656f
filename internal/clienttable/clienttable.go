// Package clienttable implements the connector's per-client lifecycle store:
// a hash table keyed by client id, a dead list awaiting reference drain, and
// a recycled list of zeroed records available for reuse. A single
// readers-writer lock guards live hash membership, the dead/recycled lists,
// the ref count, the invalid flag, and event-poller registration
// transitions, so that no reader ever dereferences a record whose fd is
// being reclaimed by another goroutine.
package clienttable

import (
	"container/list"
	"net"
	"sync"
)

// PageSize is the size of a client's receive buffer, matching the source's
// PAGESIZE-sized sliding buffer.
const PageSize = 4096

// MaxMsgSize is the maximum length, in bytes including the trailing LF, of a
// single inbound JSON record. A client whose buffer exceeds this without a
// newline is dropped.
const MaxMsgSize = 1024

// Record is a single client's connection state. Fd, Buf, BufOfs, Passthrough
// and Listener are owned exclusively by the Receiver goroutine while the
// record is live; every other field is guarded by the owning Table's lock.
type Record struct {
	ID          uint64
	Fd          int
	Listener    int
	Addr        net.Addr
	AddrText    string
	Buf         [PageSize]byte
	BufOfs      int
	Passthrough bool
	Invalid     bool
	Ref         int32

	deadElem *list.Element
}

// reset zeroes a record's externally visible state before it re-enters the
// recycled list. The backing Buf array is not cleared; BufOfs governs which
// bytes are meaningful and is always reset to zero here.
func (r *Record) reset() {
	r.ID = 0
	r.Fd = -1
	r.Listener = 0
	r.Addr = nil
	r.AddrText = ""
	r.BufOfs = 0
	r.Passthrough = false
	r.Invalid = false
	r.Ref = 0
	r.deadElem = nil
}

// Table is the concurrent client store.
type Table struct {
	mu       sync.RWMutex
	live     map[uint64]*Record
	dead     *list.List
	recycled *list.List

	nextID           uint64
	totalAccepted    uint64
	totalInvalidated uint64
	generation       uint64
}

// New creates an empty table. firstID is the first id that will be assigned
// to a direct client; callers pass the listener count so that ids
// 0..listenerCount-1 remain reserved for the event poller's listener
// user-data slots, per the identifier-encoding invariant.
func New(firstID uint64) *Table {
	return &Table{
		live:     make(map[uint64]*Record),
		dead:     list.New(),
		recycled: list.New(),
		nextID:   firstID,
	}
}

// Recruit takes one entry off the recycled list (already zeroed) or
// allocates a fresh zeroed record. The generation counter only advances on a
// fresh allocation.
func (t *Table) Recruit() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.recycled.Front(); e != nil {
		t.recycled.Remove(e)
		return e.Value.(*Record)
	}
	t.generation++
	return &Record{Fd: -1}
}

// Insert assigns the next id to r and inserts it into the live hash.
func (t *Table) Insert(r *Record) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	r.ID = id
	r.Invalid = false
	t.live[id] = r
	t.totalAccepted++
	return id
}

// RefByID looks up id; if present and not invalid, increments its ref count
// and returns it. Otherwise returns (nil, false).
func (t *Table) RefByID(id uint64) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.live[id]
	if !ok || r.Invalid {
		return nil, false
	}
	r.Ref++
	return r, true
}

// Unref decrements r's ref count.
func (t *Table) Unref(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Ref--
}

// IncRef increments r's ref count directly, used by the Receiver to account
// for the poller's own registration reference.
func (t *Table) IncRef(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Ref++
}

// Invalidate tombstones r if it is not already invalid: it removes r from
// the live hash, calls deregister (invoked while still holding the table
// lock, so that no racing lookup can observe r live with its poller
// registration already gone), appends r to the dead list, and releases the
// one ref held on behalf of the poller registration. It returns the fd that
// was registered with the poller (or -1 if r was already invalid).
func (t *Table) Invalidate(r *Record, deregister func(fd int)) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Invalid {
		return -1
	}
	r.Invalid = true
	fd := r.Fd
	delete(t.live, r.ID)
	if deregister != nil {
		deregister(fd)
	}
	r.Ref--
	r.deadElem = t.dead.PushBack(r)
	t.totalInvalidated++
	return fd
}

// SweepDead walks the dead list and, for every record whose ref count has
// reached zero, unlinks it, invokes closeFn (disabling SO_LINGER and closing
// the socket is the caller's responsibility), resets it, and pushes it onto
// the recycled list.
func (t *Table) SweepDead(closeFn func(fd int)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var next *list.Element
	for e := t.dead.Front(); e != nil; e = next {
		next = e.Next()
		r := e.Value.(*Record)
		if r.Ref != 0 {
			continue
		}
		t.dead.Remove(e)
		if closeFn != nil {
			closeFn(r.Fd)
		}
		r.reset()
		t.recycled.PushBack(r)
	}
}

// IsInvalid reports whether r has been tombstoned.
func (t *Table) IsInvalid(r *Record) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return r.Invalid
}

// LiveCount returns the number of records currently reachable by id lookup.
func (t *Table) LiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

// DeadCount returns the number of records awaiting ref drain.
func (t *Table) DeadCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dead.Len()
}

// TotalAccepted returns the cumulative number of clients ever inserted.
func (t *Table) TotalAccepted() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalAccepted
}

// TotalInvalidated returns the cumulative number of invalidate calls ever
// performed, i.e. every client ever dropped, whether or not it has since
// been swept and recycled.
func (t *Table) TotalInvalidated() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalInvalidated
}
