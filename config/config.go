// Package config reads the controller's INI-style configuration file
// using gcfg, following the same intermediary-struct-plus-Validate
// pattern the supervisor's own config loader uses.
package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravwell/gcfg"

	"github.com/landslide-mc/ctl/dispatcher"
	"github.com/landslide-mc/ctl/job"
	"github.com/landslide-mc/ctl/log"
)

const maxConfigSize int64 = 1024 * 1024

const (
	defaultLogLevel         = "WARN"
	defaultHandshakeSeconds = 30
	defaultParallelism      = 1
)

type global struct {
	Log_File          string
	Log_Level         string
	Scratch_Dir       string
	Worker_Binary     string
	Worker_Dir        string
	Handshake_Seconds int
	Parallelism       int
}

// ppSeed describes one PP-directive seed file to load at startup, letting
// an operator pre-populate the registry with directives from a previous
// run instead of rediscovering everything from scratch.
type ppSeed struct {
	Directive_File string
}

type cfgType struct {
	Global global
	Seed   map[string]*ppSeed
}

// Config is the parsed, validated controller configuration.
type Config struct {
	LogFile    string
	LogLevel   string
	Dispatcher dispatcher.Options
	SeedFiles  []string
}

// Load reads path, validates it, and returns the resulting Config.
func Load(path string) (Config, error) {
	var c Config
	fin, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return c, err
	}
	if fi.Size() > maxConfigSize {
		return c, errors.New("config: file far too large")
	}

	data, err := io.ReadAll(fin)
	if err != nil {
		return c, err
	}

	var raw cfgType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return c, err
	}
	if err := raw.validate(); err != nil {
		return c, err
	}
	return raw.resolve(), nil
}

func (c cfgType) validate() error {
	if strings.TrimSpace(c.Global.Worker_Binary) == "" {
		return errors.New("config: Worker_Binary is required")
	}
	if err := checkExecutable(c.Global.Worker_Binary); err != nil {
		return err
	}
	if c.Global.Handshake_Seconds < 0 {
		return errors.New("config: Handshake_Seconds must be >= 0")
	}
	if c.Global.Parallelism < 0 {
		return errors.New("config: Parallelism must be >= 0")
	}
	for name, s := range c.Seed {
		if s == nil || strings.TrimSpace(s.Directive_File) == "" {
			return errors.New("config: seed block " + name + " missing Directive_File")
		}
	}
	return nil
}

func (c cfgType) resolve() Config {
	handshake := defaultHandshakeSeconds
	if c.Global.Handshake_Seconds > 0 {
		handshake = c.Global.Handshake_Seconds
	}
	parallelism := defaultParallelism
	if c.Global.Parallelism > 0 {
		parallelism = c.Global.Parallelism
	}
	logLevel := c.Global.Log_Level
	if logLevel == "" {
		logLevel = defaultLogLevel
	}

	var seeds []string
	for _, s := range c.Seed {
		seeds = append(seeds, s.Directive_File)
	}

	return Config{
		LogFile:  c.Global.Log_File,
		LogLevel: logLevel,
		Dispatcher: dispatcher.Options{
			Parallelism: parallelism,
			Jobs: job.Options{
				ScratchDir:       filepath.Clean(orDefault(c.Global.Scratch_Dir, "/var/tmp/landslide-ctl")),
				WorkerBinary:     c.Global.Worker_Binary,
				WorkerWorkingDir: filepath.Clean(orDefault(c.Global.Worker_Dir, ".")),
				HandshakeTimeout: time.Duration(handshake) * time.Second,
			},
		},
		SeedFiles: seeds,
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// GetLogger constructs the logger named by the config, a discard logger
// if no log file was set, and OFF collapses to the same.
func (c Config) GetLogger() (*log.Logger, error) {
	if c.LogFile == "" {
		return log.NewDiscard(), nil
	}
	level, err := log.LevelFromString(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if level == log.OFF {
		return log.NewDiscard(), nil
	}
	lg, err := log.NewFile(c.LogFile)
	if err != nil {
		return nil, err
	}
	if err := lg.SetLevel(level); err != nil {
		return nil, err
	}
	return lg, nil
}

func checkExecutable(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return err
	}
	if fi.Mode().Perm()&0111 == 0 {
		return errors.New("config: " + p + " is not executable")
	}
	return nil
}
