package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/landslide-mc/ctl/config"
	"github.com/landslide-mc/ctl/dispatcher"
	"github.com/landslide-mc/ctl/log"
	"github.com/landslide-mc/ctl/pp"
	"github.com/landslide-mc/ctl/version"
)

const defaultConfigPath = `/etc/landslide/landslide-ctl.cfg`

// exitError lets runController report the exit code required by
// SPEC_FULL.md §6 without calling os.Exit itself, so its deferred
// cleanup (closing the logger) always runs.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "landslide-ctl",
		Short: "Iterative-deepening preemption-point controller",
		Long: `landslide-ctl drives iterative-deepening exploration of a stateless
model checker's preemption points: it widens a registry of known
preemption points round by round, forks one worker process per round,
and folds each worker's discoveries back in until nothing unexplored
remains.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to the controller config file")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		var ee *exitError
		code := 1
		if errors.As(err, &ee) {
			code = ee.code
		}
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(*cfgPath)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			version.PrintVersion(os.Stdout)
			return nil
		},
	}
}

// runController wires a Config into a Registry and Dispatcher and runs
// the dispatcher to completion. A SIGHUP, SIGINT or SIGTERM is logged and
// triggers a non-blocking report of unexplored data races; it does not
// stop the dispatcher, which keeps running until no frontier has work
// left. It exits with the code required by SPEC_FULL.md §6: 0 on orderly completion with
// no bugs, 1 on orderly completion with at least one bug report, 2 on a
// resource-exhaustion-class startup failure.
func runController(cfgPath string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("loading config: %w", err)}
	}

	lg, err := c.GetLogger()
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("opening logger: %w", err)}
	}
	defer lg.Close()

	registry := pp.NewRegistry(lg)
	if err := seedRegistry(registry, c.SeedFiles); err != nil {
		lg.Error("failed to seed registry", log.KVErr(err))
		return &exitError{code: 2, err: fmt.Errorf("seeding registry: %w", err)}
	}

	d := dispatcher.New(registry, c.Dispatcher, lg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		sig, ok := <-quit
		if !ok {
			return
		}
		lg.Warn("received shutdown signal, draining in-flight jobs", log.KV("signal", sig.String()))
		registry.TryReportUnexploredDataRaces()
	}()

	reports := d.Run()

	if len(reports) > 0 {
		lg.Critical("workers surfaced bug reports", log.KV("count", len(reports)))
		for _, r := range reports {
			fmt.Fprintln(os.Stderr, r)
		}
		return &exitError{code: 1}
	}
	return nil
}

// seedRegistry interns one directive per line from each seed file,
// letting an operator pre-populate the registry from a prior run's
// output instead of rediscovering everything via exploration.
func seedRegistry(registry *pp.Registry, files []string) error {
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading seed file %s: %w", path, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			directive := strings.TrimSpace(line)
			if directive == "" {
				continue
			}
			if _, _, err := registry.GetOrIntern(directive, directive, directive, pp.PriorityOrdinaryLo, 0); err != nil {
				return fmt.Errorf("seeding directive %q: %w", directive, err)
			}
		}
	}
	return nil
}
