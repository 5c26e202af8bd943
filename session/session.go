// Package session implements the per-job messaging protocol between the
// controller and an exploration worker process: a handshake that blocks
// until the worker has finished building and is running, followed by an
// exploration dialogue that feeds discovered PPs back into the registry
// and collects progress and completion reports.
//
// The wire format is a length-prefixed gob frame per direction over a
// net.Conn, chosen because it realizes the ordered, bidirectional, framed
// channel the protocol needs without specifying anything the spec leaves
// open; any such transport would do.
package session

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/landslide-mc/ctl/log"
	"github.com/landslide-mc/ctl/pp"
)

// State is a node in the session's protocol state machine.
type State int

const (
	Handshaking State = iota
	Alive
	Exploring
	Draining
	Closed
	Dead
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Alive:
		return "alive"
	case Exploring:
		return "exploring"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Dead:
		return "dead"
	}
	return "unknown"
}

var (
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrHandshakeTimeout  = errors.New("session: handshake timed out waiting for worker")
	ErrAfterCompletion   = errors.New("session: message received after completion")
	ErrWrongJob          = errors.New("session: hello carried the wrong job id")
)

// Callbacks lets the caller observe exploration-phase events without the
// session package knowing anything about dispatcher-level concerns.
type Callbacks struct {
	// OnDiscovered is invoked for a DiscoveredPP or SuspectedDataRace
	// message; it must intern the PP at the job's generation and report
	// back whether it was new.
	OnDiscovered func(directive, short, long string, priority pp.Priority) (isNew bool)
	// OnProgress is invoked for advisory heartbeats.
	OnProgress func(elapsedBranches uint64, estimate time.Duration)
	// OnBug is invoked when the worker reports a bug; the core forwards
	// it upward and lets the worker complete its own crash dump.
	OnBug func(report string)
	// OnCompletion is invoked exactly once, with the total elapsed
	// branch count, before the session transitions to Draining.
	OnCompletion func(elapsedBranches uint64)
}

// Session is the parent-side handle to one job's messaging channel.
type Session struct {
	mu      sync.Mutex
	state   State
	jobID   uint32
	conn    net.Conn
	enc     *gob.Encoder
	dec     *gob.Decoder
	handshakeTimeout time.Duration
	lg      *log.Logger
}

// Init prepares the transport and records the job id the handshake must
// match. conn is typically one end of a pipe whose other end the worker
// process was handed (e.g. via an inherited fd or a listener address
// written into the config file); that wiring is the caller's concern.
func Init(conn net.Conn, jobID uint32, handshakeTimeout time.Duration, lg *log.Logger) *Session {
	if lg == nil {
		lg = log.NewDiscard()
	}
	return &Session{
		state:            Handshaking,
		jobID:            jobID,
		conn:             conn,
		enc:              gob.NewEncoder(conn),
		dec:              gob.NewDecoder(bufio.NewReader(conn)),
		handshakeTimeout: handshakeTimeout,
		lg:               lg,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// WaitForChild blocks until the worker sends a Hello matching this
// session's job id, or until handshakeTimeout elapses or the worker dies.
// It should take on the order of seconds, enough for compilation time.
func (s *Session) WaitForChild() (alive bool, err error) {
	if s.handshakeTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	var m Message
	if err = s.dec.Decode(&m); err != nil {
		s.setState(Dead)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, ErrHandshakeTimeout
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	if m.Kind != kindHello {
		s.setState(Dead)
		return false, fmt.Errorf("%w: expected hello, got %v", ErrProtocolViolation, m.Kind)
	}
	if m.JobID != s.jobID {
		s.setState(Dead)
		return false, ErrWrongJob
	}
	s.setState(Alive)
	return true, nil
}

// TalkToChild runs the exploration dialogue until the worker closes its
// side. After a Completion it keeps reading (Draining) so that any further
// message is reported as ErrAfterCompletion. generation is the job's generation,
// which always takes precedence over any generation value the worker
// itself might report (the parent's view is authoritative; see
// DESIGN.md).
func (s *Session) TalkToChild(generation uint32, cb Callbacks) error {
	s.setState(Exploring)
	completed := false
	for {
		var m Message
		if err := s.dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if completed {
			return ErrAfterCompletion
		}
		switch m.Kind {
		case kindDiscoveredPP, kindSuspectedDataRace:
			var isNew bool
			if cb.OnDiscovered != nil {
				isNew = cb.OnDiscovered(m.Directive, m.Short, m.Long, m.Priority)
			}
			if err := s.enc.Encode(Message{Kind: kindDiscoveryAck, IsNew: isNew}); err != nil {
				return err
			}
		case kindProgressHeartbeat:
			if cb.OnProgress != nil {
				cb.OnProgress(m.ElapsedBranches, m.Estimate)
			}
		case kindBugFound:
			if cb.OnBug != nil {
				cb.OnBug(m.BugReport)
			}
		case kindCompletion:
			if cb.OnCompletion != nil {
				cb.OnCompletion(m.ElapsedBranches)
			}
			completed = true
			s.setState(Draining)
		default:
			return fmt.Errorf("%w: unexpected message kind %v while exploring", ErrProtocolViolation, m.Kind)
		}
	}
	if !completed {
		s.setState(Draining)
	}
	return nil
}

// RequestAbort asks the worker to stop cooperatively; the worker is
// required to respond with a Completion, after which Drain is permitted.
func (s *Session) RequestAbort() error {
	return s.enc.Encode(Message{Kind: kindAbortRequest, JobID: s.jobID})
}

// Finish tears down the transport and reclaims buffers, the final
// transition to Closed.
func (s *Session) Finish() error {
	s.setState(Closed)
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
