// Package job implements one exploration run: it owns a PP-set
// configuration, a child worker process, four scoped scratch files, a
// messaging session, and a completion result. A Job's body runs through
// a fixed sequence of states -- setup, exclusive build, wait-for-alive,
// exploration, reaping, completion -- described in SPEC_FULL.md §4.3.
package job

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/landslide-mc/ctl/log"
	"github.com/landslide-mc/ctl/pp"
	"github.com/landslide-mc/ctl/session"
)

var (
	// ErrWorkerCrashed is recorded in a job's Result when a worker that
	// completed the handshake exits nonzero, whether or not it sent a
	// Completion first.
	ErrWorkerCrashed = errors.New("job: worker exited abnormally")
)

// Options configures how a job's worker is built and run.
type Options struct {
	ScratchDir       string
	WorkerBinary     string
	WorkerWorkingDir string
	HandshakeTimeout time.Duration
}

// Result is what a job has to show for itself once done.
type Result struct {
	Alive      bool     // did the worker complete the handshake?
	BugReports []string // bug reports forwarded verbatim from the worker
	Err        error    // non-nil on protocol violation or worker crash
}

// Job is one execution of an exploration worker process on a specific
// PP-set.
type Job struct {
	ID         uint32
	Generation uint32

	config   pp.Set
	registry *pp.Registry
	opts     Options
	lg       *log.Logger
	buildMu  *sync.Mutex
	spawner  spawner

	sess atomic.Pointer[session.Session]

	done   chan struct{}
	result Result

	// onBuildLocked/onBuildUnlocked are test-only hooks fired exactly when
	// the build mutex is acquired and released, letting tests observe the
	// build-exclusive window without timing the whole job lifetime.
	onBuildLocked, onBuildUnlocked func()
}

var nextJobID uint32

// New allocates a job, assigning it a fresh id by atomic fetch-and-add and
// computing its generation from config. buildMu is the process-wide build
// mutex shared by every job the dispatcher starts.
func New(registry *pp.Registry, config pp.Set, opts Options, buildMu *sync.Mutex, lg *log.Logger) *Job {
	if lg == nil {
		lg = log.NewDiscard()
	}
	return &Job{
		ID:         atomic.AddUint32(&nextJobID, 1) - 1,
		Generation: registry.Generation(config),
		config:     config,
		registry:   registry,
		opts:       opts,
		lg:         lg,
		buildMu:    buildMu,
		spawner:    execSpawner{},
		done:       make(chan struct{}),
	}
}

// Start spawns a detached goroutine running the job body and returns
// immediately; it never blocks the caller.
func (j *Job) Start() {
	go j.run()
}

// Wait blocks until the job's done flag is set.
func (j *Job) Wait() Result {
	<-j.done
	return j.result
}

// Finish waits for completion then releases the job's resources. In this
// port there is nothing to explicitly free beyond what Go's GC already
// reclaims (the owned PP-set and the job record itself); Finish exists to
// preserve the caller-visible contract from SPEC_FULL.md §4.3.
func (j *Job) Finish() Result {
	return j.Wait()
}

// Abort asks the running worker to stop cooperatively. It is a no-op if
// the job has not yet reached the exploration phase.
func (j *Job) Abort() error {
	if s := j.sess.Load(); s != nil {
		return s.RequestAbort()
	}
	return nil
}

func sockPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("job-%d.sock", id))
}

func (j *Job) run() {
	var result Result
	defer func() {
		j.result = result
		close(j.done)
	}()

	sf, err := createScratchFiles(j.opts.ScratchDir, j.ID)
	if err != nil {
		result.Err = fmt.Errorf("job %d: setup: %w", j.ID, err)
		return
	}
	defer sf.stdout.Close()
	defer sf.stderr.Close()

	directives := make([]string, 0, j.config.Size())
	for _, p := range j.registry.Iterate(j.config) {
		directives = append(directives, p.Directive)
	}
	if err := sf.writeConfig(j.ID, directives); err != nil {
		result.Err = fmt.Errorf("job %d: setup: %w", j.ID, err)
		sf.cleanup()
		return
	}

	// The worker is run with WorkerWorkingDir as its cwd and opens its
	// config/results files by simple relative name, so when that differs
	// from ScratchDir the files must actually live there.
	if err := sf.rebaseForWorker(j.opts.WorkerWorkingDir); err != nil {
		result.Err = fmt.Errorf("job %d: setup: %w", j.ID, err)
		sf.cleanup()
		return
	}

	path := sockPath(j.opts.ScratchDir, j.ID)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		result.Err = fmt.Errorf("job %d: setup: listening for worker: %w", j.ID, err)
		sf.cleanup()
		return
	}
	defer os.Remove(path)

	// Exclusive build phase: at most one job may be forking/compiling at
	// a time, but this job's own exploration (below) runs unlocked.
	j.buildMu.Lock()
	if j.onBuildLocked != nil {
		j.onBuildLocked()
	}

	argv := []string{j.opts.WorkerBinary, filepath.Base(sf.configPath), filepath.Base(sf.resultsPath)}
	proc, err := j.spawner.Spawn(j.opts.WorkerBinary, argv, j.opts.WorkerWorkingDir, sf.stdout, sf.stderr)
	if err != nil {
		if j.onBuildUnlocked != nil {
			j.onBuildUnlocked()
		}
		j.buildMu.Unlock()
		ln.Close()
		sf.cleanup()
		result.Err = fmt.Errorf("job %d: failed to start worker: %w", j.ID, err)
		return
	}

	alive, sess := j.handshake(ln, j.opts.HandshakeTimeout)
	// Build mutex is released once the handshake concludes, successfully
	// or not -- concurrent builds corrupt the shared build area, but
	// concurrent explorations are safe.
	if j.onBuildUnlocked != nil {
		j.onBuildUnlocked()
	}
	j.buildMu.Unlock()
	result.Alive = alive

	if alive {
		j.sess.Store(sess)
		err := sess.TalkToChild(j.Generation, session.Callbacks{
			OnDiscovered: func(directive, short, long string, priority pp.Priority) bool {
				_, wasDuplicate, internErr := j.registry.GetOrIntern(directive, short, long, priority, j.Generation)
				if internErr != nil {
					j.lg.Error("failed to intern discovered pp", log.KV("job", j.ID), log.KVErr(internErr))
					return false
				}
				return !wasDuplicate
			},
			OnProgress: func(elapsed uint64, estimate time.Duration) {
				j.lg.Debug("progress", log.KV("job", j.ID), log.KV("elapsed_branches", elapsed), log.KV("estimate", estimate))
			},
			OnBug: func(report string) {
				result.BugReports = append(result.BugReports, report)
			},
			OnCompletion: func(elapsed uint64) {
				j.registry.MarkExplored(j.config, elapsed)
			},
		})
		if err != nil {
			result.Err = fmt.Errorf("job %d: messaging: %w", j.ID, err)
		}
		sess.Finish()
	} else {
		// The worker never completed the handshake -- dead per SPEC_FULL.md
		// §5's cancellation rule, so it must be killed rather than left
		// running past the handshake deadline.
		if killErr := proc.Kill(); killErr != nil {
			j.lg.Warn("failed to kill worker after handshake failure", log.KV("job", j.ID), log.KVErr(killErr))
		}
	}

	exitCode, waitErr := proc.Wait()
	if waitErr != nil {
		if result.Err == nil {
			result.Err = fmt.Errorf("job %d: waiting for worker: %w", j.ID, waitErr)
		}
	} else if alive && exitCode != 0 && result.Err == nil {
		// A nonzero exit after a never-completed handshake is expected --
		// the job just killed the worker itself -- so only a crash after a
		// live dialogue counts as ErrWorkerCrashed.
		result.Err = fmt.Errorf("%w: exit code %d", ErrWorkerCrashed, exitCode)
	}

	ln.Close()
	sf.cleanup()
}

// handshake accepts the worker's connection attempt and runs the
// handshake. Accepting the connection and reading the worker's Hello are
// each bounded by timeout (order of seconds, enough for compilation
// time), so the whole handshake can take up to twice that.
func (j *Job) handshake(ln net.Listener, timeout time.Duration) (alive bool, sess *session.Session) {
	if unixLn, ok := ln.(*net.UnixListener); ok && timeout > 0 {
		unixLn.SetDeadline(time.Now().Add(timeout))
		defer unixLn.SetDeadline(time.Time{})
	}
	conn, err := ln.Accept()
	if err != nil {
		return false, nil
	}
	sess = session.Init(conn, j.ID, timeout, j.lg)
	ok, err := sess.WaitForChild()
	if err != nil || !ok {
		sess.Finish()
		return false, sess
	}
	return true, sess
}
