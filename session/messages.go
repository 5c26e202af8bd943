package session

import (
	"time"

	"github.com/landslide-mc/ctl/pp"
)

type kind int

const (
	kindHello kind = iota
	kindDiscoveredPP
	kindSuspectedDataRace
	kindProgressHeartbeat
	kindBugFound
	kindCompletion
	kindAbortRequest
	kindDiscoveryAck
)

func (k kind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindDiscoveredPP:
		return "discovered-pp"
	case kindSuspectedDataRace:
		return "suspected-data-race"
	case kindProgressHeartbeat:
		return "progress-heartbeat"
	case kindBugFound:
		return "bug-found"
	case kindCompletion:
		return "completion"
	case kindAbortRequest:
		return "abort-request"
	case kindDiscoveryAck:
		return "discovery-ack"
	}
	return "unknown"
}

// Message is the single wire record exchanged in both directions. Only the
// fields relevant to Kind are meaningful; this mirrors a tagged union
// without requiring a custom gob codec.
type Message struct {
	Kind kind

	// Hello
	JobID uint32

	// DiscoveredPP / SuspectedDataRace
	Directive string
	Short     string
	Long      string
	Priority  pp.Priority

	// DiscoveryAck
	IsNew bool

	// ProgressHeartbeat
	ElapsedBranches uint64
	Estimate        time.Duration

	// BugFound
	BugReport string
}

// Hello is sent by the worker once it has finished building and is ready
// to explore.
func Hello(jobID uint32) Message { return Message{Kind: kindHello, JobID: jobID} }

// DiscoveredPP is sent by the worker for an ordinary newly-seen PP.
func DiscoveredPP(directive, short, long string, priority pp.Priority) Message {
	return Message{Kind: kindDiscoveredPP, Directive: directive, Short: short, Long: long, Priority: priority}
}

// SuspectedDataRace is identical in shape to DiscoveredPP but carries a
// priority in the data-race range.
func SuspectedDataRace(directive, short, long string, priority pp.Priority) Message {
	return Message{Kind: kindSuspectedDataRace, Directive: directive, Short: short, Long: long, Priority: priority}
}

// ProgressHeartbeat is an advisory progress update.
func ProgressHeartbeat(elapsed uint64, estimate time.Duration) Message {
	return Message{Kind: kindProgressHeartbeat, ElapsedBranches: elapsed, Estimate: estimate}
}

// BugFound carries an abstract bug report the core forwards upward.
func BugFound(report string) Message {
	return Message{Kind: kindBugFound, BugReport: report}
}

// Completion is terminal; it carries the total elapsed branch count.
func Completion(elapsed uint64) Message {
	return Message{Kind: kindCompletion, ElapsedBranches: elapsed}
}

// AbortRequest asks the worker to stop cooperatively.
func AbortRequest(jobID uint32) Message { return Message{Kind: kindAbortRequest, JobID: jobID} }
