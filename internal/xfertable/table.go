// Package xfertable implements a fixed-capacity, direct-addressed
// transfer table: a map from txnid to a live record that never chains on
// collision and never allocates on lookup.
package xfertable

// Elem is anything keyed by a txnid, as required to live in a Table.
type Elem interface {
	TxnID() uint64
}

// Table is a fixed-capacity, direct-addressed map from txnid to *T:
// capacity is rounded up to a power of two, and a slot holds at most one
// live element. An insert that would displace an existing occupant fails
// rather than chaining, so the caller can treat it as txnid exhaustion.
type Table[T Elem] struct {
	slots []*T
	mask  uint64
	count int
}

// New constructs a table whose capacity is the next power of two at least
// capacityHint.
func New[T Elem](capacityHint int) *Table[T] {
	n := nextPow2(capacityHint)
	return &Table[T]{
		slots: make([]*T, n),
		mask:  uint64(n - 1),
	}
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the table's fixed capacity.
func (t *Table[T]) Cap() int { return len(t.slots) }

// Len returns the number of live elements.
func (t *Table[T]) Len() int { return t.count }

func (t *Table[T]) slot(txnid uint64) uint64 { return txnid & t.mask }

// Insert places elem at its slot. It fails (ok == false) if that slot is
// already occupied by a live element — the caller (the engine) treats this
// as transfer-table exhaustion and replies too-many-open-files.
func (t *Table[T]) Insert(elem *T) (ok bool) {
	i := t.slot((*elem).TxnID())
	if t.slots[i] != nil {
		return false
	}
	t.slots[i] = elem
	t.count++
	return true
}

// Find returns the live element with the given txnid, or nil.
func (t *Table[T]) Find(txnid uint64) *T {
	i := t.slot(txnid)
	e := t.slots[i]
	if e == nil || (*e).TxnID() != txnid {
		return nil
	}
	return e
}

// Erase removes the element with the given txnid, if any, without running
// any cleanup on it — the caller is responsible for tearing it down first.
func (t *Table[T]) Erase(txnid uint64) {
	i := t.slot(txnid)
	e := t.slots[i]
	if e == nil || (*e).TxnID() != txnid {
		return
	}
	t.slots[i] = nil
	t.count--
}

// Destroy calls deleter on every live element and empties the table. Used
// at teardown, to tear down every still-live transfer.
func (t *Table[T]) Destroy(deleter func(*T)) {
	for i, e := range t.slots {
		if e != nil {
			deleter(e)
			t.slots[i] = nil
		}
	}
	t.count = 0
}

// Each calls f for every live element, in slot order. f must not mutate
// the table.
func (t *Table[T]) Each(f func(*T)) {
	for _, e := range t.slots {
		if e != nil {
			f(e)
		}
	}
}
