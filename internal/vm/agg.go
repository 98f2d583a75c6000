package vm

// Aggregator is the keyed bucket store behind GROUP BY: each distinct
// key owns a bucket holding a fixed-arity array of values, a focus
// pointer selects the bucket accumulation opcodes act on, and a final
// walk visits every bucket once. The walk order is insertion order
// (first-seen key first), which keeps output deterministic for a given
// input sequence.
type Aggregator struct {
	arity   int
	buckets map[string]*aggBucket
	order   []string
	focus   *aggBucket
	iter    int
}

type aggBucket struct {
	key  string
	vals []Mem
}

// NewAggregator returns an empty aggregator whose buckets carry arity
// values each.
func NewAggregator(arity int) *Aggregator {
	return &Aggregator{
		arity:   arity,
		buckets: make(map[string]*aggBucket),
	}
}

// Focus selects (creating if needed) the bucket for key. found reports
// whether the bucket already existed; a fresh bucket starts as all
// NULLs.
func (a *Aggregator) Focus(key string) (found bool) {
	if b, ok := a.buckets[key]; ok {
		a.focus = b
		return true
	}
	vals := make([]Mem, a.arity)
	for i := range vals {
		vals[i] = Null()
	}
	b := &aggBucket{key: key, vals: vals}
	a.buckets[key] = b
	a.order = append(a.order, key)
	a.focus = b
	return false
}

// Get returns a copy of field i of the focused bucket.
func (a *Aggregator) Get(i int) Mem {
	if a.focus == nil || i < 0 || i >= len(a.focus.vals) {
		return Null()
	}
	return a.focus.vals[i].Dup()
}

// Set stores v into field i of the focused bucket.
func (a *Aggregator) Set(i int, v Mem) bool {
	if a.focus == nil || i < 0 || i >= len(a.focus.vals) {
		return false
	}
	a.focus.vals[i] = v.Dup()
	return true
}

// Incr adds delta to field i of the focused bucket, treating NULL as 0.
func (a *Aggregator) Incr(i int, delta int64) bool {
	if a.focus == nil || i < 0 || i >= len(a.focus.vals) {
		return false
	}
	cur := a.focus.vals[i]
	if cur.IsNull() {
		a.focus.vals[i] = Int(delta)
	} else {
		a.focus.vals[i] = Int(cur.ToInt() + delta)
	}
	return true
}

// Next advances the bucket walk, focusing the next bucket in insertion
// order and returning its key. ok is false once every bucket has been
// visited.
func (a *Aggregator) Next() (key string, ok bool) {
	if a.iter >= len(a.order) {
		a.focus = nil
		return "", false
	}
	k := a.order[a.iter]
	a.iter++
	a.focus = a.buckets[k]
	return k, true
}
