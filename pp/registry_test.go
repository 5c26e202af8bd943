package pp

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/landslide-mc/ctl/log"
)

func TestBootstrapBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	set := r.Create(PriorityMutexLock | PriorityMutexUnlock)
	if set.Size() != 2 {
		t.Fatalf("expected size 2, got %d", set.Size())
	}
	members := r.Iterate(set)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].ID != 0 || members[0].Short != "mutex_lock" {
		t.Fatalf("unexpected first member: %+v", members[0])
	}
	if members[1].ID != 1 || members[1].Short != "mutex_unlock" {
		t.Fatalf("unexpected second member: %+v", members[1])
	}
}

func TestGetOrInternPriorityLowering(t *testing.T) {
	r := NewRegistry(nil)
	first, dup, err := r.GetOrIntern("X", "x", "long x", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("expected first intern to report not-a-duplicate")
	}
	second, dup, err := r.GetOrIntern("X", "x", "long x", 7, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("expected second intern to report duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same id, got %d and %d", first.ID, second.ID)
	}
	stored, err := r.Get(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Priority != 7 || stored.Generation != 3 {
		t.Fatalf("expected priority=7 generation=3, got %+v", stored)
	}
}

func TestGetOrInternHigherPriorityIgnored(t *testing.T) {
	r := NewRegistry(nil)
	pp, _, _ := r.GetOrIntern("Y", "y", "long y", 5, 0)
	r.GetOrIntern("Y", "y", "long y", 9, 1)
	stored, err := r.Get(pp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Priority != 5 || stored.Generation != 0 {
		t.Fatalf("a higher (less important) priority must not overwrite, got %+v", stored)
	}
}

func TestDistinctDirectivesGetDistinctIDs(t *testing.T) {
	r := NewRegistry(nil)
	a, _, _ := r.GetOrIntern("A", "a", "long a", 10, 0)
	b, _, _ := r.GetOrIntern("B", "b", "long b", 10, 0)
	if a.ID == b.ID {
		t.Fatalf("distinct directives must get distinct ids")
	}
}

func TestGetOutOfBounds(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Get(999); err == nil {
		t.Fatal("expected bounds error")
	}
}

func TestZeroPriorityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero priority")
		}
	}()
	r := NewRegistry(nil)
	r.GetOrIntern("Z", "z", "long z", 0, 0)
}

func TestMarkExploredGating(t *testing.T) {
	r := NewRegistry(nil)
	race, _, _ := r.GetOrIntern("race", "r", "long r", PriorityDataRaceLo, 0)
	set := Set{}.Add(race)

	r.MarkExplored(set, 1)
	stored, _ := r.Get(race.ID)
	if stored.Explored {
		t.Fatal("expected explored to remain false with elapsed<=1")
	}

	r.MarkExplored(set, 2)
	stored, _ = r.Get(race.ID)
	if !stored.Explored {
		t.Fatal("expected explored to become true with elapsed>1")
	}
}

func TestReportUnexploredDataRacesFiltersObfuscatedAddress(t *testing.T) {
	out := &bufCloser{}
	r := NewRegistry(log.New(out))
	r.GetOrIntern("race1", "r1", suppressedLongPrefix+" extra", PriorityDataRaceLo, 0)
	r.GetOrIntern("race2", "r2", "a real race site", PriorityDataRaceLo, 0)
	// Interning a data-race PP logs its own warning; only the reports'
	// output is inspected below, for both the blocking and try variants.
	out.Reset()
	r.ReportUnexploredDataRaces()
	if strings.Contains(out.String(), "race1") || !strings.Contains(out.String(), "race2") {
		t.Fatalf("expected only race2 to be reported, got %q", out.String())
	}
	out.Reset()
	r.TryReportUnexploredDataRaces()
	if strings.Contains(out.String(), "race1") || !strings.Contains(out.String(), "race2") {
		t.Fatalf("expected only race2 to be reported by the try variant, got %q", out.String())
	}
}

type bufCloser struct{ bytes.Buffer }

func (*bufCloser) Close() error { return nil }

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < initialCapacity*3; i++ {
		r.GetOrIntern(fmt.Sprintf("directive-%d", i), "s", "l", PriorityOrdinaryLo, 0)
	}
	if r.Size() < initialCapacity*3 {
		t.Fatalf("expected registry to have grown past initial capacity, size=%d", r.Size())
	}
}
