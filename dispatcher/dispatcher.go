// Package dispatcher runs the iterative-deepening loop that decides which
// PP-sets are worth exploring next, launches jobs for them, and folds
// their results back into the registry until no live work remains.
package dispatcher

import (
	"sync"

	"github.com/landslide-mc/ctl/job"
	"github.com/landslide-mc/ctl/log"
	"github.com/landslide-mc/ctl/pp"
)

// Frontier is the widening candidate-mask schedule: mutexes only, then
// mutexes plus known data races, then every known PP. Each mask's own
// refinement loop runs independently and concurrently with the others,
// bounded by Options.Parallelism; the shared build mutex inside job.Start
// is what actually serializes the worker build phases across them.
var Frontier = []pp.Priority{
	pp.PriorityMutexLock | pp.PriorityMutexUnlock,
	pp.PriorityMutexLock | pp.PriorityMutexUnlock | dataRaceRangeMask(),
	pp.PriorityAll,
}

func dataRaceRangeMask() pp.Priority {
	mask := pp.PriorityDataRaceLo
	for p := pp.PriorityDataRaceLo; p <= pp.PriorityDataRaceHi; p <<= 1 {
		mask |= p
	}
	return mask
}

// Options configures a dispatcher run.
type Options struct {
	// Parallelism bounds how many jobs may be in flight (across all
	// frontier masks) at once. Clamped to at least 1.
	Parallelism int
	Jobs        job.Options
}

// Dispatcher owns the registry, the build mutex shared across every job it
// starts, and the bounded-concurrency loop that drives exploration.
type Dispatcher struct {
	registry *pp.Registry
	opts     Options
	lg       *log.Logger
	buildMu  sync.Mutex

	sem chan struct{}

	mu         sync.Mutex
	bugReports []string
}

// New constructs a dispatcher against registry. Parallelism is clamped to
// at least 1.
func New(registry *pp.Registry, opts Options, lg *log.Logger) *Dispatcher {
	if lg == nil {
		lg = log.NewDiscard()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		lg:       lg,
		sem:      make(chan struct{}, opts.Parallelism),
	}
}

// Run drives every frontier mask's own widening loop to completion
// concurrently, bounded by Options.Parallelism, and returns every bug
// report surfaced across the whole run.
func (d *Dispatcher) Run() []string {
	var wg sync.WaitGroup
	for _, mask := range Frontier {
		mask := mask
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runFrontier(mask)
		}()
	}
	wg.Wait()
	d.registry.TryReportUnexploredDataRaces()
	return d.bugReports
}

// runFrontier keeps launching rounds against mask until filter_unexplored
// reports nothing left to explore at this frontier -- other frontiers
// widen the registry concurrently, so a fixed mask can still turn up
// fresh work in a later round even after its current members are marked
// explored.
func (d *Dispatcher) runFrontier(mask pp.Priority) {
	for {
		candidate := d.registry.Create(mask)
		unexplored, ok := d.registry.FilterUnexplored(candidate)
		if !ok {
			return
		}
		d.runJob(unexplored)
	}
}

// runJob acquires a parallelism slot, runs one job to completion, and
// folds its results back in.
func (d *Dispatcher) runJob(candidate pp.Set) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	j := job.New(d.registry, candidate, d.opts.Jobs, &d.buildMu, d.lg)
	j.Start()
	result := j.Wait()

	if len(result.BugReports) > 0 {
		d.mu.Lock()
		d.bugReports = append(d.bugReports, result.BugReports...)
		d.mu.Unlock()
	}
	if result.Err != nil {
		d.lg.Warn("job ended with an error", log.KV("job", j.ID), log.KVErr(result.Err))
	}
}

// BugsFound reports whether Run surfaced at least one bug report.
func BugsFound(reports []string) bool { return len(reports) > 0 }
