package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/safefile"
)

// scratchFiles holds the four per-job files named in the wire-format
// naming scheme: a config file the worker reads its PP directives from,
// a results file reserved for future bug-report interpretation, and the
// worker's redirected stdout/stderr logs. Only the logs survive cleanup.
type scratchFiles struct {
	dir         string
	configPath  string
	resultsPath string
	stdout      *os.File
	stderr      *os.File
}

func createScratchFiles(dir string, id uint32) (*scratchFiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("job: creating scratch dir: %w", err)
	}

	resultsF, err := os.CreateTemp(dir, fmt.Sprintf("results-%d.landslide.*", id))
	if err != nil {
		return nil, fmt.Errorf("job: creating results file: %w", err)
	}
	resultsPath := resultsF.Name()
	resultsF.Close()

	stdout, err := os.CreateTemp(dir, fmt.Sprintf("landslide-%d-stdout.log.*", id))
	if err != nil {
		os.Remove(resultsPath)
		return nil, fmt.Errorf("job: creating stdout log: %w", err)
	}
	stderr, err := os.CreateTemp(dir, fmt.Sprintf("landslide-%d-stderr.log.*", id))
	if err != nil {
		stdout.Close()
		os.Remove(resultsPath)
		os.Remove(stdout.Name())
		return nil, fmt.Errorf("job: creating stderr log: %w", err)
	}

	return &scratchFiles{
		dir:         dir,
		resultsPath: resultsPath,
		stdout:      stdout,
		stderr:      stderr,
	}, nil
}

// writeConfig atomically writes one directive per line to the config
// file, fully flushed to disk before returning -- this must complete
// before the build mutex is acquired (ordering guarantee (b) in
// SPEC_FULL.md §5), so the worker never observes a partial config.
func (sf *scratchFiles) writeConfig(id uint32, directives []string) error {
	name := fmt.Sprintf("config-%d.landslide", id)
	f, err := safefile.Create(filepath.Join(sf.dir, name), 0644)
	if err != nil {
		return fmt.Errorf("job: creating config file: %w", err)
	}
	for _, d := range directives {
		if _, err := fmt.Fprintln(f, d); err != nil {
			f.Close()
			return fmt.Errorf("job: writing config file: %w", err)
		}
	}
	if err := f.Commit(); err != nil {
		return fmt.Errorf("job: committing config file: %w", err)
	}
	sf.configPath = filepath.Join(sf.dir, name)
	return nil
}

// rebaseForWorker moves the config and results files into workerDir so
// the worker, run with that as its working directory, can open them by
// simple relative name (SPEC_FULL.md §4.3 step 1). A no-op if workerDir
// is already where the files live.
func (sf *scratchFiles) rebaseForWorker(workerDir string) error {
	if filepath.Clean(workerDir) == filepath.Clean(sf.dir) {
		return nil
	}
	if err := os.MkdirAll(workerDir, 0755); err != nil {
		return fmt.Errorf("job: creating worker working dir: %w", err)
	}
	configPath, err := movePreservingName(sf.configPath, workerDir)
	if err != nil {
		return fmt.Errorf("job: rebasing config file: %w", err)
	}
	sf.configPath = configPath

	resultsPath, err := movePreservingName(sf.resultsPath, workerDir)
	if err != nil {
		return fmt.Errorf("job: rebasing results file: %w", err)
	}
	sf.resultsPath = resultsPath
	return nil
}

// movePreservingName relocates src into dstDir under its own base name,
// via rename where possible and a copy-then-remove fallback for the
// cross-device case rename can't handle.
func movePreservingName(src, dstDir string) (string, error) {
	dst := filepath.Join(dstDir, filepath.Base(src))
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	os.Remove(src)
	return dst, nil
}

// cleanup deletes the temporary, non-log scratch files. The worker is
// required to have released them by the time this runs.
func (sf *scratchFiles) cleanup() {
	if sf.configPath != "" {
		os.Remove(sf.configPath)
	}
	if sf.resultsPath != "" {
		os.Remove(sf.resultsPath)
	}
}
