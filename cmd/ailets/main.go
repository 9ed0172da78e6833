// Command ailets drives one orchestration run: it builds an Environment,
// seeds it with prompts and tools from the command line, and runs the
// scheduler to completion (or to whichever stepping control was
// requested), mirroring the exit code to the terminal node's state.
//
// How MODEL names map to a concrete workflow graph, and the AI-vendor
// actor bodies that would actually run under it, stay out of this
// command: it exists only to exercise the Environment end to end, not to
// implement business logic of its own. Flags are parsed with the
// standard library rather than a third-party CLI framework.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"goa.design/clue/log"

	"github.com/ailets-dev/ailets-go/config"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/dag/plugin"
	"github.com/ailets-dev/ailets-go/env"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/persist"
	"github.com/ailets-dev/ailets-go/scheduler"
	"github.com/ailets-dev/ailets-go/telemetry"
)

// stringsFlag accumulates repeated occurrences of one flag, the way
// multi-valued CLI flags are conventionally handled on top of the
// standard flag package (flag.Value has no built-in repeatable kind).
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ",") }
func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := newFlagSet()
	opts, err := fs.parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if opts.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-c
		cancel()
	}()

	if err := runWithContext(ctx, opts); err != nil {
		log.Error(ctx, err)
		return 1
	}
	return 0
}

type driverOptions struct {
	model      string
	prompts    stringsFlag
	tools      stringsFlag
	opts       stringsFlag
	dryRun     bool
	oneStep    bool
	stopBefore string
	stopAfter  string
	saveState  string
	loadState  string
	fileSystem string
	downloadTo string
	debug      bool
}

// runWithContext assembles an Environment per opts, seeds it, runs the
// scheduler according to whichever control flag was requested, and
// persists/exports state as asked. Returns a non-nil error whenever the
// process should exit non-zero: either a driver-level failure or `.end`
// settling in the Failed state.
func runWithContext(ctx context.Context, opts driverOptions) error {
	cfg := config.Load("")
	if opts.debug {
		cfg.Telemetry.Debug = true
	}
	if err := applyOpts(&cfg, opts.opts); err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	registry := plugin.StaticRegistry{}
	bodies := scheduler.StaticBodyRegistry{}

	e, err := env.New(cfg, registry, bodies, logger)
	if err != nil {
		return fmt.Errorf("ailets: build environment: %w", err)
	}

	if opts.loadState != "" {
		if err := loadState(ctx, e, opts.loadState); err != nil {
			return err
		}
	}

	if err := seedPrompts(e, opts); err != nil {
		return err
	}
	if err := seedTools(e, opts); err != nil {
		return err
	}

	if opts.model != "" {
		log.Debug(ctx, log.KV{K: "model", V: opts.model})
	}

	switch {
	case opts.dryRun:
		fmt.Print(e.Scheduler.DryRun())
		return nil
	case opts.oneStep:
		if _, err := e.Scheduler.OneStep(ctx); err != nil {
			return fmt.Errorf("ailets: one-step: %w", err)
		}
	case opts.stopBefore != "":
		if err := e.Scheduler.StopBefore(ctx, opts.stopBefore); err != nil {
			return fmt.Errorf("ailets: stop-before %q: %w", opts.stopBefore, err)
		}
	case opts.stopAfter != "":
		if err := e.Scheduler.StopAfter(ctx, opts.stopAfter); err != nil {
			return fmt.Errorf("ailets: stop-after %q: %w", opts.stopAfter, err)
		}
	default:
		if err := e.Scheduler.Run(ctx); err != nil {
			return fmt.Errorf("ailets: run: %w", err)
		}
	}

	if opts.saveState != "" {
		if err := saveState(ctx, e, opts.saveState); err != nil {
			return err
		}
	}

	if opts.downloadTo != "" {
		if err := downloadEnd(e, opts.downloadTo); err != nil {
			return err
		}
	}

	return checkEndFailed(e)
}

// checkEndFailed returns an error if `.end` resolves to a node in the
// Failed state, so the process exit code mirrors the terminal node's
// state as the driver surface requires.
func checkEndFailed(e *env.Environment) error {
	ids, err := e.DAG.Resolve(dag.AliasRef(env.AliasEnd))
	if err != nil {
		return nil
	}
	for _, id := range ids {
		if n := e.DAG.NodeByID(id); n != nil && n.State == dag.Failed {
			return errs.NewActorFailure(n.Name, fmt.Errorf("terminal node failed"))
		}
	}
	return nil
}

// seedPrompts turns every --prompt value into a value node aliased
// `.prompt`, in the order given. A value starting with "@" names a file,
// resolved against --file-system if set; anything else is the literal
// prompt text.
func seedPrompts(e *env.Environment, opts driverOptions) error {
	for _, p := range opts.prompts {
		data, explain, err := resolveMaybeFile(p, opts.fileSystem)
		if err != nil {
			return fmt.Errorf("ailets: --prompt %q: %w", p, err)
		}
		if _, err := e.SetPrompt(data, explain); err != nil {
			return fmt.Errorf("ailets: --prompt %q: %w", p, err)
		}
	}
	return nil
}

// seedTools turns every --tool value, given as "name=spec", into a tool
// node aliased `.tools.<name>`. spec follows the same "@file" convention
// as --prompt.
func seedTools(e *env.Environment, opts driverOptions) error {
	for _, t := range opts.tools {
		name, spec, ok := strings.Cut(t, "=")
		if !ok {
			return fmt.Errorf("ailets: --tool %q: expected NAME=SPEC", t)
		}
		data, explain, err := resolveMaybeFile(spec, opts.fileSystem)
		if err != nil {
			return fmt.Errorf("ailets: --tool %q: %w", t, err)
		}
		if _, err := e.RegisterTool(name, data, explain); err != nil {
			return fmt.Errorf("ailets: --tool %q: %w", t, err)
		}
	}
	return nil
}

// applyOpts layers --opt KEY=VALUE pairs onto cfg, after the
// defaults -> TOML file -> env var precedence config.Load already applied.
// Only a known set of dotted keys is accepted; an unrecognized key is a
// usage error rather than a silently ignored flag.
func applyOpts(cfg *config.Config, opts []string) error {
	for _, o := range opts {
		key, value, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("ailets: --opt %q: expected KEY=VALUE", o)
		}
		switch key {
		case "scheduler.max_workers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("ailets: --opt %q: %w", o, err)
			}
			cfg.Scheduler.MaxWorkers = n
		case "pipe.soft_cap_bytes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("ailets: --opt %q: %w", o, err)
			}
			cfg.Pipe.SoftCapBytes = n
		case "persist.sqlite_path":
			cfg.Persist.SqlitePath = value
		case "telemetry.debug":
			cfg.Telemetry.Debug = value == "true" || value == "1"
		case "telemetry.json":
			cfg.Telemetry.JSON = value == "true" || value == "1"
		case "telemetry.otlp_endpoint":
			cfg.Telemetry.OTLPEndpoint = value
		default:
			return fmt.Errorf("ailets: --opt %q: unknown key %q", o, key)
		}
	}
	return nil
}

func resolveMaybeFile(value, fileSystemRoot string) (data []byte, explain string, err error) {
	if !strings.HasPrefix(value, "@") {
		return []byte(value), "literal", nil
	}
	path := strings.TrimPrefix(value, "@")
	if fileSystemRoot != "" && !filepath.IsAbs(path) {
		path = filepath.Join(fileSystemRoot, path)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, path, nil
}

func loadState(ctx context.Context, e *env.Environment, path string) error {
	store, err := persist.Open(path)
	if err != nil {
		return fmt.Errorf("ailets: --load-state %q: %w", path, err)
	}
	defer store.Close()
	if _, err := e.Restore(ctx, store); err != nil {
		return fmt.Errorf("ailets: --load-state %q: %w", path, err)
	}
	return nil
}

func saveState(ctx context.Context, e *env.Environment, path string) error {
	store, err := persist.Open(path)
	if err != nil {
		return fmt.Errorf("ailets: --save-state %q: %w", path, err)
	}
	defer store.Close()
	if err := e.Snapshot(ctx, store); err != nil {
		return fmt.Errorf("ailets: --save-state %q: %w", path, err)
	}
	return nil
}

// downloadEnd writes every node `.end` currently resolves to into dir, one
// file per node named after the node.
func downloadEnd(e *env.Environment, dir string) error {
	ids, err := e.DAG.Resolve(dag.AliasRef(env.AliasEnd))
	if err != nil {
		return fmt.Errorf("ailets: --download-to: resolve .end: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ailets: --download-to %q: %w", dir, err)
	}
	for _, id := range ids {
		n := e.DAG.NodeByID(id)
		if n == nil || n.StdoutPipe == nil {
			continue
		}
		path := filepath.Join(dir, n.Name)
		if err := os.WriteFile(path, n.StdoutPipe.Bytes(), 0o644); err != nil {
			return fmt.Errorf("ailets: --download-to %q: %w", path, err)
		}
	}
	return nil
}
