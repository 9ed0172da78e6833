package main

import (
	"flag"
	"fmt"
)

// driverFlagSet wraps flag.FlagSet with the driver's mutually exclusive
// stepping controls, matching the surface
// `MODEL [--prompt ...]+ [--tool ...]+ [--opt k=v]+
// [--dry-run|--one-step|--stop-before NAME|--stop-after NAME]
// [--save-state F|--load-state F] [--file-system F] [--download-to DIR]
// [--debug]`.
type driverFlagSet struct {
	fs *flag.FlagSet

	prompts    stringsFlag
	tools      stringsFlag
	opts       stringsFlag
	dryRun     *bool
	oneStep    *bool
	stopBefore *string
	stopAfter  *string
	saveState  *string
	loadState  *string
	fileSystem *string
	downloadTo *string
	debug      *bool
}

func newFlagSet() *driverFlagSet {
	fs := flag.NewFlagSet("ailets", flag.ContinueOnError)
	d := &driverFlagSet{fs: fs}

	fs.Var(&d.prompts, "prompt", "prompt text, or @file to read from a file; repeatable")
	fs.Var(&d.tools, "tool", "tool spec as NAME=SPEC (SPEC may be @file); repeatable")
	fs.Var(&d.opts, "opt", "driver option as KEY=VALUE; repeatable")
	d.dryRun = fs.Bool("dry-run", false, "render the dependency tree without running any actor")
	d.oneStep = fs.Bool("one-step", false, "spawn ready nodes, wait for one transition, then stop")
	d.stopBefore = fs.String("stop-before", "", "run until NAME is about to become runnable, then stop")
	d.stopAfter = fs.String("stop-after", "", "run until NAME reaches a terminal state, then stop")
	d.saveState = fs.String("save-state", "", "write a snapshot to the given sqlite file after running")
	d.loadState = fs.String("load-state", "", "restore a snapshot from the given sqlite file before running")
	d.fileSystem = fs.String("file-system", "", "root directory @file prompt/tool references resolve against")
	d.downloadTo = fs.String("download-to", "", "directory to write .end's resolved output into")
	d.debug = fs.Bool("debug", false, "enable debug logging")

	return d
}

func (d *driverFlagSet) parse(args []string) (driverOptions, error) {
	if err := d.fs.Parse(args); err != nil {
		return driverOptions{}, err
	}

	opts := driverOptions{
		prompts:    d.prompts,
		tools:      d.tools,
		opts:       d.opts,
		dryRun:     *d.dryRun,
		oneStep:    *d.oneStep,
		stopBefore: *d.stopBefore,
		stopAfter:  *d.stopAfter,
		saveState:  *d.saveState,
		loadState:  *d.loadState,
		fileSystem: *d.fileSystem,
		downloadTo: *d.downloadTo,
		debug:      *d.debug,
	}
	if d.fs.NArg() > 0 {
		opts.model = d.fs.Arg(0)
	}

	if err := validateExclusiveControls(opts); err != nil {
		return driverOptions{}, err
	}
	return opts, nil
}

// validateExclusiveControls enforces the driver surface's
// dry-run|one-step|stop-before|stop-after mutual exclusion.
func validateExclusiveControls(opts driverOptions) error {
	set := 0
	if opts.dryRun {
		set++
	}
	if opts.oneStep {
		set++
	}
	if opts.stopBefore != "" {
		set++
	}
	if opts.stopAfter != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("ailets: --dry-run, --one-step, --stop-before, and --stop-after are mutually exclusive")
	}
	return nil
}
