package pp

import "math/bits"

// Set is a growable bitset over registry ids. Once handed back to a caller
// it is treated as logically immutable; every mutating operation below
// returns a new Set rather than editing its receiver in place. Capacity is
// a snapshot of the registry size at the moment the set was created (or
// last grown by Add); bits at or beyond capacity are implicitly false, so
// a set created before the registry widened still compares correctly
// against one created after.
type Set struct {
	words    []uint64
	capacity uint32
	size     uint32
}

func wordsFor(capacity uint32) int {
	return int((capacity + 63) / 64)
}

func (s Set) test(id uint32) bool {
	if id >= s.capacity {
		return false
	}
	return s.words[id/64]&(1<<(id%64)) != 0
}

func (s *Set) set(id uint32) (changed bool) {
	w, b := id/64, id%64
	if s.words[w]&(1<<b) != 0 {
		return false
	}
	s.words[w] |= 1 << b
	return true
}

// Capacity returns the registry-id range this set was sized against.
func (s Set) Capacity() uint32 { return s.capacity }

// Size returns the cached popcount of the set.
func (s Set) Size() int { return int(s.size) }

// Clone returns an independent copy with identical members and size.
func (s Set) Clone() Set {
	words := make([]uint64, len(s.words))
	copy(words, s.words)
	return Set{words: words, capacity: s.capacity, size: s.size}
}

// Add returns a set with pp's id set, growing capacity to
// max(s.capacity, pp.ID+1) if necessary. Size increments only if the bit
// was previously unset.
func (s Set) Add(p PP) Set {
	newCap := s.capacity
	if p.ID+1 > newCap {
		newCap = p.ID + 1
	}
	out := Set{words: make([]uint64, wordsFor(newCap)), capacity: newCap, size: s.size}
	copy(out.words, s.words)
	if out.set(p.ID) {
		out.size++
	}
	return out
}

// Contains reports whether pp's id is a member of s.
func (s Set) Contains(p PP) bool {
	return p.ID < s.capacity && s.test(p.ID)
}

// Subset reports whether every bit set in sub is also set in super. Bits
// in sub beyond super's capacity make the answer false if set, and are
// harmless if clear.
func (sub Set) Subset(super Set) bool {
	for id := uint32(0); id < sub.capacity; id++ {
		if !sub.test(id) {
			continue
		}
		if id >= super.capacity || !super.test(id) {
			return false
		}
	}
	return true
}

// popcount returns the number of set bits, used by Create to seed size.
func popcount(words []uint64) uint32 {
	var n uint32
	for _, w := range words {
		n += uint32(bits.OnesCount64(w))
	}
	return n
}

// Create snapshots every registry PP whose priority bitwise-ANDs nonzero
// with mask. Capacity is the registry size at the moment of the scan.
func (r *Registry) Create(mask Priority) Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap32 := uint32(len(r.pps))
	out := Set{words: make([]uint64, wordsFor(cap32)), capacity: cap32}
	for i := range r.pps {
		if mask&r.pps[i].Priority != 0 {
			out.set(r.pps[i].ID)
		}
	}
	out.size = popcount(out.words)
	return out
}

// Iterate returns the PPs in s in ascending id order. It is a finite,
// restartable snapshot, not a live view: callers wanting fresh exploration
// state should call Iterate again.
func (r *Registry) Iterate(s Set) []PP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PP, 0, s.size)
	for id := uint32(0); id < s.capacity; id++ {
		if !s.test(id) {
			continue
		}
		if int(id) < len(r.pps) {
			out = append(out, r.pps[id])
		}
	}
	return out
}

// Generation is 1 + max(pp.Generation for pp in s), or 0 for an empty set.
func (r *Registry) Generation(s Set) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max uint32
	var any bool
	for id := uint32(0); id < s.capacity; id++ {
		if !s.test(id) || int(id) >= len(r.pps) {
			continue
		}
		any = true
		if g := r.pps[id].Generation; g >= max {
			max = g + 1
		}
	}
	if !any {
		return 0
	}
	return max
}

// FilterUnexplored returns a new set containing only the unexplored
// members of s, and ok=true. If every member is already explored (or s is
// empty) it returns the zero Set and ok=false -- callers use ok to decide
// whether the set is worth exploring again.
func (r *Registry) FilterUnexplored(s Set) (out Set, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out = Set{words: make([]uint64, len(s.words)), capacity: s.capacity}
	for id := uint32(0); id < s.capacity; id++ {
		if !s.test(id) || int(id) >= len(r.pps) {
			continue
		}
		if !r.pps[id].Explored {
			out.set(id)
			ok = true
		}
	}
	out.size = popcount(out.words)
	if !ok {
		return Set{}, false
	}
	return out, true
}

// UnexploredPriority returns the minimum priority over s's unexplored
// members. It returns PriorityAll if s is nonempty but every member is
// explored, and PriorityNone if s itself is empty.
func (r *Registry) UnexploredPriority(s Set) Priority {
	r.mu.RLock()
	defer r.mu.RUnlock()
	min := PriorityAll
	empty := true
	for id := uint32(0); id < s.capacity; id++ {
		if !s.test(id) {
			continue
		}
		empty = false
		if int(id) >= len(r.pps) {
			continue
		}
		if p := r.pps[id]; !p.Explored && p.Priority < min {
			min = p.Priority
		}
	}
	if empty {
		return PriorityNone
	}
	return min
}
