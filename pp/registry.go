// Package pp implements the process-wide registry of preemption points (PPs)
// and the immutable-on-publication bitsets ("sets") drawn from it. A PP is
// a program location the exploration workers may choose to preempt at;
// the registry is the single source of truth for their identity, priority,
// and exploration status, discovered incrementally as jobs report back.
package pp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/landslide-mc/ctl/log"
)

// Priority orders PPs for scheduling purposes: lower values matter more.
// A priority also doubles as a bitmask class so that Create can select
// a subset of the registry with a single bitwise AND, mirroring the
// "pp_mask & pp->priority" test in the original C registry.
type Priority uint32

const (
	// PriorityMutexLock and PriorityMutexUnlock are the two built-in
	// seed PPs installed at registry construction, ids 0 and 1.
	PriorityMutexLock   Priority = 1 << 0
	PriorityMutexUnlock Priority = 1 << 1

	// PriorityDataRaceLo..PriorityDataRaceHi is the distinguished range of
	// priorities that mark a PP as a suspected-data-race candidate.
	PriorityDataRaceLo Priority = 1 << 2
	PriorityDataRaceHi Priority = 1 << 5

	// PriorityOrdinaryLo..PriorityOrdinaryHi covers all other PPs the
	// arbiter discovers that are neither a built-in nor a race candidate.
	PriorityOrdinaryLo Priority = 1 << 6
	PriorityOrdinaryHi Priority = 1 << 29

	// PriorityAll is returned by UnexploredPriority for a nonempty set
	// that is fully explored; PriorityNone for an empty set.
	PriorityAll  Priority = ^Priority(0)
	PriorityNone Priority = 0
)

const dataRaceMask = (PriorityDataRaceHi << 1) - PriorityDataRaceLo

// IsDataRace reports whether p falls in the data-race priority range.
func (p Priority) IsDataRace() bool {
	return p&dataRaceMask != 0 && p >= PriorityDataRaceLo && p <= PriorityDataRaceHi
}

// suppressedLongPrefix matches the one hardcoded "gross special case" the
// original detector used to silence an unreadable obfuscated kernel address
// that otherwise showed up as a spurious data race every run.
const suppressedLongPrefix = "0x00102917"

// PP is an immutable identity (Id, Directive, Short, Long) plus mutable,
// registry-lock-guarded scheduling state (Priority, Generation, Explored).
// Values handed to callers are snapshots; mutate only through the Registry.
type PP struct {
	ID         uint32
	Directive  string
	Short      string
	Long       string
	Priority   Priority
	Generation uint32
	Explored   bool
}

const initialCapacity = 16

// Registry is the append-only table of distinct PPs, keyed by directive
// string, plus the high-water generation counter. It is never shared as
// package-level state (see SPEC_FULL.md §3); callers construct one per run, or
// one per test, and thread it through the dispatcher and jobs explicitly.
type Registry struct {
	mu            sync.RWMutex
	pps           []PP
	byDirective   map[string]uint32
	maxGeneration uint32
	lg            *log.Logger
}

// NewRegistry constructs a Registry with its two built-in seed PPs already
// installed at ids 0 and 1, folding the original's double-checked lazy
// init into construction so no check-then-init race is reachable at all.
func NewRegistry(lg *log.Logger) *Registry {
	if lg == nil {
		lg = log.NewDiscard()
	}
	r := &Registry{
		pps:         make([]PP, 0, initialCapacity),
		byDirective: make(map[string]uint32, initialCapacity),
		lg:          lg,
	}
	lock := r.append(PP{
		Directive: "within_user_function mutex_lock",
		Short:     "mutex_lock",
		Long:      "<at beginning of mutex_lock>",
		Priority:  PriorityMutexLock,
	})
	unlock := r.append(PP{
		Directive: "within_user_function mutex_unlock",
		Short:     "mutex_unlock",
		Long:      "<at end of mutex_unlock>",
		Priority:  PriorityMutexUnlock,
	})
	if lock.ID != 0 || unlock.ID != 1 {
		panic(fmt.Sprintf("pp: built-in ids corrupted: lock=%d unlock=%d", lock.ID, unlock.ID))
	}
	return r
}

// append installs a brand-new PP and grows the backing storage by doubling
// when full, matching the registry's never-rehash, never-reorder contract:
// ids are positions and positions never move. Caller must hold the
// registry's write lock (or be NewRegistry, which runs before the registry
// is shared); append takes no lock itself.
func (r *Registry) append(p PP) PP {
	if p.Priority == 0 {
		panic("pp: registry consistency violation: priority must be nonzero")
	}
	p.ID = uint32(len(r.pps))
	if cap(r.pps) == len(r.pps) {
		grown := make([]PP, len(r.pps), growCapacity(cap(r.pps)))
		copy(grown, r.pps)
		r.pps = grown
	}
	r.pps = append(r.pps, p)
	r.byDirective[p.Directive] = p.ID
	if p.Generation > r.maxGeneration {
		r.maxGeneration = p.Generation
	}
	return p
}

func growCapacity(c int) int {
	if c == 0 {
		return initialCapacity
	}
	return c * 2
}

// GetOrIntern looks up directive; if present and priority is strictly lower
// than the stored priority, the stored priority and generation are updated.
// Otherwise a new PP is appended with a fresh id. The bool result reports
// whether directive already existed prior to this call.
//
// The write-lock path always re-scans by directive rather than trusting a
// read-lock-only lookup, because a check-then-act race on insertion would
// duplicate directives -- no optimistic path is permitted here.
func (r *Registry) GetOrIntern(directive, short, long string, priority Priority, generation uint32) (PP, bool, error) {
	if directive == "" {
		return PP{}, false, errors.New("pp: empty directive")
	}
	if priority == 0 {
		panic("pp: registry consistency violation: priority must be nonzero")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byDirective[directive]; ok {
		existing := r.pps[id]
		if priority < existing.Priority {
			existing.Priority = priority
			existing.Generation = generation
			if generation > r.maxGeneration {
				r.maxGeneration = generation
			}
			r.pps[id] = existing
		}
		return r.pps[id], true, nil
	}

	if priority.IsDataRace() {
		r.lg.Warn("found a potentially-racy access", log.KV("directive", directive), log.KV("long", long))
	}
	created := r.append(PP{
		Directive:  directive,
		Short:      short,
		Long:       long,
		Priority:   priority,
		Generation: generation,
	})
	return created, false, nil
}

// Get performs a bounds-checked lookup by id.
func (r *Registry) Get(id uint32) (PP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.pps) {
		return PP{}, fmt.Errorf("pp: no such id %d (registry has %d entries)", id, len(r.pps))
	}
	return r.pps[id], nil
}

// Size returns the number of PPs currently interned.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pps)
}

// ReportUnexploredDataRaces emits one warning per unexplored data-race PP,
// preceded by a single header line, skipping entries whose long description
// matches the known obfuscated-kernel-address false positive.
func (r *Registry) ReportUnexploredDataRaces() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.reportUnexploredDataRacesLocked()
}

// TryReportUnexploredDataRaces is the signal-safe variant: it never blocks.
// If the registry lock is contended it silently does nothing, so that a
// shutdown/interrupt handler can call it without risking deadlock against
// a writer holding the lock.
func (r *Registry) TryReportUnexploredDataRaces() {
	if !r.mu.TryRLock() {
		return
	}
	defer r.mu.RUnlock()
	r.reportUnexploredDataRacesLocked()
}

func (r *Registry) reportUnexploredDataRacesLocked() {
	headerPrinted := false
	for i := range r.pps {
		p := &r.pps[i]
		if !p.Priority.IsDataRace() || p.Explored {
			continue
		}
		if len(p.Long) >= len(suppressedLongPrefix) && p.Long[:len(suppressedLongPrefix)] == suppressedLongPrefix {
			continue
		}
		if !headerPrinted {
			headerPrinted = true
			r.lg.Warn("discovered potentially-racy accesses that could not be confirmed either way")
		}
		r.lg.Warn("data race at", log.KV("long", p.Long), log.KV("directive", p.Directive))
	}
}

// MarkExplored sets Explored=true for every PP in set, except that a
// data-race candidate is left live when elapsed is <= 1: a state space
// that small likely never gave the race a chance to manifest.
func (r *Registry) MarkExplored(set Set, elapsed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := uint32(0); id < set.capacity; id++ {
		if !set.test(id) {
			continue
		}
		if int(id) >= len(r.pps) {
			continue
		}
		p := &r.pps[id]
		if p.Priority.IsDataRace() && elapsed <= 1 {
			continue
		}
		p.Explored = true
	}
}
