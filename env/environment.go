// Package env implements the Environment: the sole assembly point for the
// notification queue, key-stream store, DAG store, and scheduler, plus the
// aliasing conventions the rest of the system relies on and the
// snapshot/restore lifecycle backed by package persist.
//
// Environment separates mechanism from policy: dag.Store and
// scheduler.Scheduler know nothing of prompts or tools, while Environment
// wires a specific deployment together on top of them. There is no
// process-wide singleton: every test and every driver invocation builds
// its own Environment.
package env

import (
	"context"
	"fmt"

	"github.com/ailets-dev/ailets-go/config"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/dag/plugin"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/kv"
	"github.com/ailets-dev/ailets-go/notify"
	"github.com/ailets-dev/ailets-go/persist"
	"github.com/ailets-dev/ailets-go/scheduler"
	"github.com/ailets-dev/ailets-go/telemetry"
)

// Standard aliases every Environment seeds at construction, even though
// most start out empty: actors and the driver rely on these names
// existing rather than needing a nil check.
const (
	AliasPrompt       = ".prompt"
	AliasEnd          = scheduler.EndAlias
	AliasChatMessages = ".chat_messages"
	toolAliasPrefix   = ".tools."
)

// ToolAlias returns the alias name a tool named name is published under.
func ToolAlias(name string) string { return toolAliasPrefix + name }

// Environment owns C1-C6 for one orchestration run.
type Environment struct {
	Queue     *notify.Queue
	Alloc     *handle.Allocator
	KV        *kv.Store
	DAG       *dag.Store
	Scheduler *scheduler.Scheduler

	cfg config.Config
}

// New constructs a fresh Environment: a queue, allocator, KV store, DAG
// store bound to registry, and a scheduler bound to bodies, seeds the
// standard empty aliases, and returns it ready for the driver to populate
// with `.prompt`/tool value nodes before calling Scheduler.Run.
func New(cfg config.Config, registry plugin.Registry, bodies scheduler.BodyRegistry, logger telemetry.Logger) (*Environment, error) {
	queue := notify.New()
	alloc := handle.NewAllocator()
	kvStore := kv.New(queue, alloc)
	dagStore := dag.New(queue, alloc, kvStore, registry)
	sched := scheduler.New(dagStore, kvStore, queue, alloc, bodies, cfg.Scheduler.MaxWorkers, logger)

	e := &Environment{Queue: queue, Alloc: alloc, KV: kvStore, DAG: dagStore, Scheduler: sched, cfg: cfg}
	for _, name := range []string{AliasPrompt, AliasEnd, AliasChatMessages} {
		if err := e.DAG.Alias(name, nil); err != nil {
			return nil, fmt.Errorf("env: seed alias %q: %w", name, err)
		}
	}
	return e, nil
}

// SetPrompt adds a value node with the given bytes and aliases it as the
// default `.prompt` target, appending rather than replacing so a driver
// invoked with multiple --prompt flags composes them in order.
func (e *Environment) SetPrompt(data []byte, explain string) (handle.Handle, error) {
	return e.appendValueToAlias(AliasPrompt, data, explain)
}

// RegisterTool publishes a tool specification as a value node aliased
// under ToolAlias(name), so `gpt.messages_to_query`-style actors can
// resolve `.tools.<name>` as an ordinary dependency.
func (e *Environment) RegisterTool(name string, spec []byte, explain string) (handle.Handle, error) {
	return e.appendValueToAlias(ToolAlias(name), spec, explain)
}

func (e *Environment) appendValueToAlias(aliasName string, data []byte, explain string) (handle.Handle, error) {
	id, err := e.DAG.AddValueNode(data, explain)
	if err != nil {
		return handle.Zero, err
	}
	ref := dag.NodeRef(id)
	if err := e.DAG.Alias(aliasName, &ref); err != nil {
		return handle.Zero, err
	}
	return id, nil
}

// SetEnd re-aliases `.end` to id, appending it as an additional resolution
// target. Actors unrolling a tool-call loop call this (via their
// actorio.Runtime) to redirect the run's terminal node to a freshly
// grafted sink.
func (e *Environment) SetEnd(id handle.Handle) error {
	ref := dag.NodeRef(id)
	return e.DAG.Alias(AliasEnd, &ref)
}

// Snapshot writes every Finished node's accumulated stdout bytes into
// store, keyed by node name, per the persisted-state layout: a flat
// Dict(key, value) table of node name to full output buffer.
func (e *Environment) Snapshot(ctx context.Context, store *persist.Store) error {
	if err := store.Clear(ctx); err != nil {
		return err
	}
	for _, id := range e.DAG.AllNodeIDs() {
		n := e.DAG.NodeByID(id)
		if n == nil || n.State != dag.Finished || n.StdoutPipe == nil {
			continue
		}
		if err := store.Put(ctx, n.Name, n.StdoutPipe.Bytes()); err != nil {
			return fmt.Errorf("env: snapshot %q: %w", n.Name, err)
		}
	}
	return nil
}

// Restore replays every entry in store as a Finished value node with its
// original name, so a fresh Environment's dependency-tree dump reports
// every restored node as built with byte-identical output. Restore does
// not recreate aliases: the driver is responsible for re-seeding `.end`
// and any other alias it needs pointed at restored nodes, since the Dict
// layout records node bytes only, not the alias graph.
func (e *Environment) Restore(ctx context.Context, store *persist.Store) (map[string]handle.Handle, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]handle.Handle, len(keys))
	for _, key := range keys {
		value, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("env: restore %q: %w", key, err)
		}
		if !ok {
			continue
		}
		id, err := e.DAG.AddValueNodeNamed(key, value, "restored: "+key)
		if err != nil {
			return nil, fmt.Errorf("env: restore %q: %w", key, err)
		}
		out[key] = id
	}
	return out, nil
}

// Close tears down the Environment. Teardown here simply means dropping
// every reference: pipes and nodes have no external resources to release
// (unlike persist.Store, which owns a sqlite connection the caller opened
// and must Close itself). Running actor bodies observe teardown through
// their context being canceled by the caller, not through this method:
// Environment itself holds no cancellation function of its own.
func (e *Environment) Close() {}
