// Package arbiter defines the boundary between the controller and the
// in-simulator arbiter: the stream of interesting-event decisions the
// core consumes, and the choices queue the core can push thread-id hints
// onto for the arbiter to read back.
package arbiter

import "github.com/landslide-mc/ctl/pp"

// EventKind classifies one interesting-event decision reported by the
// in-simulator arbiter.
type EventKind int

const (
	VoluntaryReschedule EventKind = iota
	SleepState
	DataRaceSuspected
	OrdinaryPP
)

func (k EventKind) String() string {
	switch k {
	case VoluntaryReschedule:
		return "voluntary_reschedule"
	case SleepState:
		return "sleep_state"
	case DataRaceSuspected:
		return "data_race_suspected"
	case OrdinaryPP:
		return "ordinary_pp"
	}
	return "unknown"
}

// Event is one decision read from the in-simulator arbiter's event
// stream, naming the preemption point it fired at.
type Event struct {
	Kind      EventKind
	Directive string
	Short     string
	Long      string
}

// Priority maps an event's kind to the registry priority class it should
// be interned under.
func (e Event) Priority() pp.Priority {
	if e.Kind == DataRaceSuspected {
		return pp.PriorityDataRaceLo
	}
	return pp.PriorityOrdinaryLo
}

// EventStream is the collaborator interface the core consumes events
// from; a real implementation reads them off the messaging session, a
// test implementation can be a closure or a slice-backed stub.
type EventStream interface {
	Next() (Event, bool)
}
