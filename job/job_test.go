package job

import (
	"encoding/gob"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/landslide-mc/ctl/pp"
	"github.com/landslide-mc/ctl/session"
)

// fakeProcess/fakeSpawner stand in for a real forked worker: instead of
// exec'ing a binary, Spawn dials the job's own listener socket and runs
// script in a goroutine, speaking the wire protocol directly. This lets
// job lifecycle tests exercise the real handshake and dialogue code
// without a compiled worker binary.
type fakeProcess struct {
	exitCode int
	waitErr  error
	done     chan struct{}
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *fakeProcess) Kill() error { return nil }

// fakeSpawner dials the job's listener socket in sockDir (the job's
// ScratchDir, where the socket actually lives) rather than the dir Spawn
// is called with (WorkerWorkingDir, which may differ -- argv's relative
// names are resolved against WorkerWorkingDir, the socket path is not).
// script is handed the job id recovered from argv, so its Hello can match
// the id the job's session expects.
type fakeSpawner struct {
	script   func(conn net.Conn, id uint32)
	exitCode int
	sockDir  string
}

func (f fakeSpawner) Spawn(binary string, argv []string, dir string, stdout, stderr *os.File) (process, error) {
	// argv[1] is the config file's basename, "config-<id>.landslide"; pull
	// the id back out of it rather than assuming one, since job ids come
	// from a package-level counter shared across every test in this file.
	id := idFromConfigName(argv[1])
	sockDir := f.sockDir
	if sockDir == "" {
		sockDir = dir
	}
	conn, err := net.Dial("unix", sockPath(sockDir, id))
	if err != nil {
		return nil, err
	}
	proc := &fakeProcess{exitCode: f.exitCode, done: make(chan struct{})}
	go func() {
		defer conn.Close()
		f.script(conn, id)
		close(proc.done)
	}()
	return proc, nil
}

func idFromConfigName(name string) uint32 {
	name = strings.TrimPrefix(name, "config-")
	name = strings.TrimSuffix(name, ".landslide")
	var id uint32
	for _, c := range name {
		id = id*10 + uint32(c-'0')
	}
	return id
}

func newTestJob(t *testing.T, script func(conn net.Conn, id uint32), exitCode int) (*Job, string) {
	t.Helper()
	registry := pp.NewRegistry(nil)
	config := registry.Create(pp.PriorityMutexLock | pp.PriorityMutexUnlock)
	dir := t.TempDir()

	var buildMu sync.Mutex
	j := New(registry, config, Options{
		ScratchDir:       dir,
		WorkerBinary:     "/bin/true",
		WorkerWorkingDir: dir,
		HandshakeTimeout: time.Second,
	}, &buildMu, nil)
	j.spawner = fakeSpawner{script: script, exitCode: exitCode}
	return j, dir
}

func TestJobSuccessfulExploration(t *testing.T) {
	script := func(conn net.Conn, id uint32) {
		enc := gob.NewEncoder(conn)
		dec := gob.NewDecoder(conn)

		enc.Encode(session.Hello(id))
		enc.Encode(session.DiscoveredPP("within_user_function foo", "foo", "<at foo>", pp.PriorityOrdinaryLo))
		var ack session.Message
		dec.Decode(&ack)
		enc.Encode(session.ProgressHeartbeat(5, time.Second))
		enc.Encode(session.Completion(42))
	}

	j, _ := newTestJob(t, script, 0)
	j.Start()
	result := j.Wait()

	if !result.Alive {
		t.Fatal("expected job to report Alive")
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.BugReports) != 0 {
		t.Fatalf("expected no bug reports, got %v", result.BugReports)
	}

	if got, err := j.registry.Get(2); err != nil || got.Directive != "within_user_function foo" {
		t.Fatalf("expected the discovered pp to be interned, got %+v, %v", got, err)
	}
}

// TestJobRebasesScratchFilesIntoWorkerWorkingDir exercises a controller
// config where ScratchDir and WorkerWorkingDir differ (the config
// package's own defaults, for instance): the worker must find its config
// and results files by simple relative name in WorkerWorkingDir, not in
// ScratchDir.
func TestJobRebasesScratchFilesIntoWorkerWorkingDir(t *testing.T) {
	registry := pp.NewRegistry(nil)
	config := registry.Create(pp.PriorityMutexLock | pp.PriorityMutexUnlock)
	scratchDir := t.TempDir()
	workerDir := t.TempDir()

	var sawConfigArg, sawResultsArg string
	var configErr, resultsErr, scratchConfigErr error
	var buildMu sync.Mutex
	j := New(registry, config, Options{
		ScratchDir:       scratchDir,
		WorkerBinary:     "/bin/true",
		WorkerWorkingDir: workerDir,
		HandshakeTimeout: time.Second,
	}, &buildMu, nil)
	j.spawner = rebaseCheckingSpawner{
		workerDir: workerDir,
		onArgv: func(configArg, resultsArg string) {
			sawConfigArg, sawResultsArg = configArg, resultsArg
			// Checked at spawn time: the job deletes both files once it
			// completes, so they are gone by the time Wait returns.
			_, configErr = os.Stat(filepath.Join(workerDir, configArg))
			_, resultsErr = os.Stat(filepath.Join(workerDir, resultsArg))
			_, scratchConfigErr = os.Stat(filepath.Join(scratchDir, configArg))
		},
		inner: fakeSpawner{sockDir: scratchDir, script: func(conn net.Conn, id uint32) {
			enc := gob.NewEncoder(conn)
			enc.Encode(session.Hello(id))
			enc.Encode(session.Completion(1))
		}},
	}

	j.Start()
	result := j.Wait()

	if !result.Alive {
		t.Fatalf("expected job to report Alive, err=%v", result.Err)
	}
	if sawConfigArg == "" || sawResultsArg == "" {
		t.Fatal("spawner was never invoked")
	}
	if configErr != nil {
		t.Fatalf("expected config file at %s in worker working dir: %v", sawConfigArg, configErr)
	}
	if resultsErr != nil {
		t.Fatalf("expected results file at %s in worker working dir: %v", sawResultsArg, resultsErr)
	}
	if scratchConfigErr == nil {
		t.Fatal("config file should have been moved out of the scratch dir, not copied")
	}
}

// rebaseCheckingSpawner wraps fakeSpawner to hand argv's relative names to
// onArgv, which checks them against workerDir at spawn time, before
// delegating to inner.
type rebaseCheckingSpawner struct {
	inner     spawner
	workerDir string
	onArgv    func(configArg, resultsArg string)
}

func (r rebaseCheckingSpawner) Spawn(binary string, argv []string, dir string, stdout, stderr *os.File) (process, error) {
	r.onArgv(argv[1], argv[2])
	return r.inner.Spawn(binary, argv, dir, stdout, stderr)
}

func TestJobWorkerNeverSaysHello(t *testing.T) {
	script := func(conn net.Conn, id uint32) {
		// Close without ever sending a Hello: the handshake should fail on
		// the closed connection rather than hang forever.
	}

	registry := pp.NewRegistry(nil)
	config := registry.Create(pp.PriorityMutexLock)
	dir := t.TempDir()
	var buildMu sync.Mutex
	j := New(registry, config, Options{
		ScratchDir:       dir,
		WorkerBinary:     "/bin/true",
		WorkerWorkingDir: dir,
		HandshakeTimeout: 50 * time.Millisecond,
	}, &buildMu, nil)
	j.spawner = fakeSpawner{script: script, exitCode: 1}

	j.Start()
	result := j.Wait()

	if result.Alive {
		t.Fatal("expected job to report not alive")
	}
}

func TestJobWorkerCrashReportedAsError(t *testing.T) {
	script := func(conn net.Conn, id uint32) {
		enc := gob.NewEncoder(conn)
		enc.Encode(session.Hello(id))
		enc.Encode(session.Completion(3))
	}

	j, _ := newTestJob(t, script, 1)
	j.Start()
	result := j.Wait()

	if !result.Alive {
		t.Fatal("expected job to report Alive")
	}
	if result.Err == nil {
		t.Fatal("expected a worker-crashed error from the nonzero exit code")
	}
}

// TestBuildPhasesAreMutuallyExclusive launches two jobs sharing a build
// mutex and records each job's build-phase interval (lock through
// unlock, via the job's test-only build hooks); the intervals must never
// overlap even though both jobs' exploration dialogues run concurrently
// afterward, while holding the build mutex only across the build phase.
func TestBuildPhasesAreMutuallyExclusive(t *testing.T) {
	registry := pp.NewRegistry(nil)
	config := registry.Create(pp.PriorityMutexLock | pp.PriorityMutexUnlock)
	dir := t.TempDir()
	var buildMu sync.Mutex

	type interval struct{ start, end time.Time }
	var mu sync.Mutex
	var intervals []interval

	newJob := func() *Job {
		j := New(registry, config, Options{
			ScratchDir:       dir,
			WorkerBinary:     "/bin/true",
			WorkerWorkingDir: dir,
			HandshakeTimeout: time.Second,
		}, &buildMu, nil)
		j.spawner = fakeSpawner{exitCode: 0, script: func(conn net.Conn, id uint32) {
			enc := gob.NewEncoder(conn)
			enc.Encode(session.Hello(id))
			time.Sleep(5 * time.Millisecond)
			enc.Encode(session.Completion(1))
		}}
		var start time.Time
		j.onBuildLocked = func() { start = time.Now() }
		j.onBuildUnlocked = func() {
			mu.Lock()
			intervals = append(intervals, interval{start, time.Now()})
			mu.Unlock()
		}
		return j
	}

	j1, j2 := newJob(), newJob()
	j1.Start()
	j2.Start()
	j1.Wait()
	j2.Wait()

	if len(intervals) != 2 {
		t.Fatalf("expected 2 recorded build intervals, got %d", len(intervals))
	}
	a, b := intervals[0], intervals[1]
	if a.end.After(b.start) && b.end.After(a.start) {
		t.Fatalf("build-phase intervals overlap: %v and %v", a, b)
	}
}

func TestJobBugReportForwarded(t *testing.T) {
	script := func(conn net.Conn, id uint32) {
		enc := gob.NewEncoder(conn)
		enc.Encode(session.Hello(id))
		enc.Encode(session.BugFound("found: assertion failure in foo"))
		enc.Encode(session.Completion(7))
	}

	j, _ := newTestJob(t, script, 0)
	j.Start()
	result := j.Wait()

	if len(result.BugReports) != 1 || result.BugReports[0] != "found: assertion failure in foo" {
		t.Fatalf("expected one forwarded bug report, got %v", result.BugReports)
	}
}
