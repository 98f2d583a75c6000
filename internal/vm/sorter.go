package vm

import "bytes"

// Sorter accumulates (key, value) pairs and, on Sort, produces a total
// order by key. Records live on a singly-linked list in insertion order
// until Sort distributes them across an array of bins holding sorted
// runs of successive power-of-two lengths: each new record merges into
// bin 0, a full bin overflows into the next, and finalization merges all
// bins pairwise. Comparison is bytewise on the key; the merge always
// prefers the earlier run on ties, so the sort is stable.
type Sorter struct {
	head, tail *sortRecord
	out        *sortRecord
	sorted     bool
}

type sortRecord struct {
	key  []byte
	val  Mem
	next *sortRecord
}

const sorterBins = 30

// Put appends one record in insertion order.
func (s *Sorter) Put(key []byte, val Mem) {
	r := &sortRecord{key: append([]byte(nil), key...), val: val.Dup()}
	if s.tail == nil {
		s.head, s.tail = r, r
	} else {
		s.tail.next = r
		s.tail = r
	}
}

// Sort orders everything accumulated so far.
func (s *Sorter) Sort() {
	var bins [sorterBins]*sortRecord
	r := s.head
	for r != nil {
		next := r.next
		r.next = nil
		run := r
		i := 0
		for ; i < sorterBins-1 && bins[i] != nil; i++ {
			run = mergeRuns(bins[i], run)
			bins[i] = nil
		}
		bins[i] = run
		r = next
	}
	var all *sortRecord
	for i := 0; i < sorterBins; i++ {
		if bins[i] != nil {
			all = mergeRuns(bins[i], all)
		}
	}
	s.out = all
	s.head, s.tail = nil, nil
	s.sorted = true
}

// mergeRuns merges two sorted runs; a wins ties, keeping the sort stable
// (a always holds the earlier-inserted records).
func mergeRuns(a, b *sortRecord) *sortRecord {
	var head, tail *sortRecord
	appendRec := func(r *sortRecord) {
		if tail == nil {
			head, tail = r, r
		} else {
			tail.next = r
			tail = r
		}
	}
	for a != nil && b != nil {
		if bytes.Compare(a.key, b.key) <= 0 {
			n := a
			a = a.next
			n.next = nil
			appendRec(n)
		} else {
			n := b
			b = b.next
			n.next = nil
			appendRec(n)
		}
	}
	rest := a
	if rest == nil {
		rest = b
	}
	if rest != nil {
		if tail == nil {
			head = rest
		} else {
			tail.next = rest
		}
	}
	return head
}

// Next pops the smallest remaining record after Sort. ok is false once
// the sorter is drained (or Sort was never called).
func (s *Sorter) Next() (Mem, bool) {
	if !s.sorted || s.out == nil {
		return Null(), false
	}
	r := s.out
	s.out = r.next
	return r.val, true
}

// Reset drops all state, returning the sorter to empty.
func (s *Sorter) Reset() {
	*s = Sorter{}
}
