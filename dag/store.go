// Package dag implements the DAG store: the typed graph of nodes,
// dependencies, and aliases that the scheduler drives to completion and
// that running actors mutate to unroll tool-call loops.
//
// The readiness bookkeeping (ordered node list, linear scan, explicit
// cycle check on every new edge) is grounded in the DAGScheduler example's
// Kahn's-algorithm style dependency accounting
// (other_examples/...dag_scheduler.go.go), generalized from a static task
// list to a dynamically growing graph with alias indirection and partial
// (progressed-not-finished) readiness.
package dag

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ailets-dev/ailets-go/bpipe"
	"github.com/ailets-dev/ailets-go/dag/plugin"
	"github.com/ailets-dev/ailets-go/errs"
	"github.com/ailets-dev/ailets-go/handle"
	"github.com/ailets-dev/ailets-go/kv"
	"github.com/ailets-dev/ailets-go/notify"
)

// aliasTarget is one entry appended to an alias by Alias(): either a
// concrete node id or another alias name, resolved transitively by
// Resolve.
type aliasTarget struct {
	nodeID handle.Handle
	alias  string
}

// Store is the thread-safe DAG store. Mutations are serialized on a single
// writer lock; readers (principally the scheduler's ready_nodes scan) take
// the same lock for the short duration of their linear scan, per the
// single-writer/multi-reader discipline is sufficient at the expected
// graph sizes (≤10^4 nodes).
type Store struct {
	queue    *notify.Queue
	alloc    *handle.Allocator
	kv       *kv.Store
	registry plugin.Registry

	// GraphChanged is notified after every structural mutation (new node,
	// new edge, alias change, detach) and after every node progress
	// transition (MarkProgressed), so the scheduler's awaker can
	// re-evaluate readiness without polling, including a tolerant
	// dependent becoming ready the moment its producer emits its first
	// byte rather than only once the producer finishes.
	GraphChanged handle.Handle

	mu         sync.Mutex
	nodes      map[handle.Handle]*Node
	order      []handle.Handle
	namesUsed  map[string]struct{}
	aliases    map[string][]aliasTarget
	aliasKnown map[string]struct{}
}

// New constructs an empty Store. registry resolves workflow_name ->
// Template for instantiate_with_deps; pass nil (or plugin.StaticRegistry{})
// if the deployment never grafts templates.
func New(queue *notify.Queue, alloc *handle.Allocator, kvStore *kv.Store, registry plugin.Registry) *Store {
	if registry == nil {
		registry = plugin.StaticRegistry{}
	}
	s := &Store{
		queue:      queue,
		alloc:      alloc,
		kv:         kvStore,
		registry:   registry,
		nodes:      make(map[handle.Handle]*Node),
		namesUsed:  make(map[string]struct{}),
		aliases:    make(map[string][]aliasTarget),
		aliasKnown: make(map[string]struct{}),
	}
	s.GraphChanged = alloc.Next()
	queue.Register(s.GraphChanged, "graph-changed")
	return s
}

func (s *Store) notifyGraphChanged() {
	_, _ = s.queue.Notify(s.GraphChanged, 0)
}

// uniqueNameLocked derives a unique node name from hint (an empty hint is
// treated as "node"), appending a short UUID suffix on collision. Callers
// must hold s.mu.
func (s *Store) uniqueNameLocked(hint string) string {
	if hint == "" {
		hint = "node"
	}
	if _, used := s.namesUsed[hint]; !used {
		s.namesUsed[hint] = struct{}{}
		return hint
	}
	for {
		name := fmt.Sprintf("%s-%s", hint, uuid.NewString()[:8])
		if _, used := s.namesUsed[name]; !used {
			s.namesUsed[name] = struct{}{}
			return name
		}
	}
}

func (s *Store) transitionLocked(n *Node, to State) {
	n.State = to
	n.history = append(n.history, to)
}

// AddValueNode creates a value node in the Finished state with data as its
// fixed output buffer, publishes it to the key-stream store under a
// generated name, and returns its id. explain labels the node in
// dependency-tree dumps.
func (s *Store) AddValueNode(data []byte, explain string) (handle.Handle, error) {
	return s.addValueNode("", data, explain)
}

// AddValueNodeNamed is AddValueNode with an exact, caller-chosen name
// instead of one generated from a hint. Used by restore() so replayed
// value nodes keep the names they were snapshotted under, matching
// "restore() replays them into value nodes with the original names".
// Fails if name is already in use.
func (s *Store) AddValueNodeNamed(name string, data []byte, explain string) (handle.Handle, error) {
	if name == "" {
		return handle.Zero, errs.NewGraphError("add_value_node", "name must not be empty")
	}
	s.mu.Lock()
	if _, used := s.namesUsed[name]; used {
		s.mu.Unlock()
		return handle.Zero, errs.NewGraphError("add_value_node", fmt.Sprintf("name %q already in use", name))
	}
	s.mu.Unlock()
	return s.addValueNode(name, data, explain)
}

func (s *Store) addValueNode(exactName string, data []byte, explain string) (handle.Handle, error) {
	s.mu.Lock()
	id := s.alloc.Next()
	var name string
	if exactName != "" {
		s.namesUsed[exactName] = struct{}{}
		name = exactName
	} else {
		name = s.uniqueNameLocked("value")
	}
	writerID := s.alloc.Next()
	spaceID := s.alloc.Next()
	n := &Node{ID: id, Name: name, Kind: KindValue, Explain: explain}
	s.transitionLocked(n, NotStarted)
	s.nodes[id] = n
	s.order = append(s.order, id)
	s.mu.Unlock()

	p := bpipe.New(s.queue, writerID, spaceID, name, 0)
	if _, err := p.Write(context.Background(), data); err != nil {
		return id, err
	}
	if err := p.Close(); err != nil {
		return id, err
	}

	s.mu.Lock()
	n.StdoutPipe = p
	// Value nodes are finished immediately: not_started -> running ->
	// finished, so History() still reflects a (degenerate) monotonic
	// prefix rather than skipping straight from not_started to finished.
	s.transitionLocked(n, Running)
	s.transitionLocked(n, Finished)
	s.mu.Unlock()
	s.kv.PutPipe(name, p)
	s.notifyGraphChanged()
	return id, nil
}

// AddNode allocates a new node, generates a unique name from nameHint,
// validates that none of deps would close a cycle, and registers the node
// in NotStarted state. kind is either a pseudo-kind (KindAlias) or an
// actor workflow name meaningful to the scheduler's body resolver.
func (s *Store) AddNode(nameHint, kind string, deps []Dependency, explain string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.alloc.Next()
	if err := s.checkCycleLocked(id, deps); err != nil {
		return nil, err
	}
	name := s.uniqueNameLocked(nameHint)
	n := &Node{
		ID:           id,
		Name:         name,
		Kind:         kind,
		Dependencies: append([]Dependency(nil), deps...),
		Explain:      explain,
	}
	s.transitionLocked(n, NotStarted)
	s.nodes[id] = n
	s.order = append(s.order, id)
	s.notifyGraphChanged()
	return n, nil
}

// checkCycleLocked verifies that a node about to be created with id and
// deps would not close a cycle. Since id is newly allocated and cannot yet
// appear as anyone's dependency, the only way a cycle can form is if one
// of deps resolves (transitively) back to id — impossible for a fresh id —
// so the real check is deps resolving into a walk that revisits an
// already-visited node, which would indicate a malformed alias loop rather
// than a structural DAG cycle; true node-to-node cycles are instead
// prevented by construction (new nodes can only depend on nodes that
// already exist, so back edges are unrepresentable). What this method
// checks for AddNode is that no dependency names the new id itself and
// that every node-id dependency already exists; InstantiateWithDeps uses
// checkGraftDepsLocked for its batch instead. Callers must hold s.mu.
func (s *Store) checkCycleLocked(newID handle.Handle, deps []Dependency) error {
	for _, d := range deps {
		if d.Ref.IsAlias() {
			continue // alias loops are caught by resolveLocked, not here
		}
		if d.Ref.NodeID == newID {
			return errs.NewGraphError("add_node", "node cannot depend on itself")
		}
		if _, ok := s.nodes[d.Ref.NodeID]; !ok {
			return errs.NewGraphError("add_node", fmt.Sprintf("dependency on unknown node %d", d.Ref.NodeID))
		}
	}
	return nil
}

// Alias appends a target to alias_name, creating the alias if it does not
// already exist. target == nil creates (or ensures the existence of) an
// empty alias. target may be either a node id Ref or an alias-name Ref.
func (s *Store) Alias(aliasName string, target *Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliasKnown[aliasName] = struct{}{}
	if target == nil {
		if _, ok := s.aliases[aliasName]; !ok {
			s.aliases[aliasName] = nil
		}
		s.notifyGraphChangedLocked()
		return nil
	}
	var t aliasTarget
	if target.IsAlias() {
		if _, ok := s.aliasKnown[target.Alias]; !ok {
			return errs.NewGraphError("alias", fmt.Sprintf("unknown alias %q", target.Alias))
		}
		t = aliasTarget{alias: target.Alias}
	} else {
		if _, ok := s.nodes[target.NodeID]; !ok {
			return errs.NewGraphError("alias", fmt.Sprintf("unknown node %d", target.NodeID))
		}
		t = aliasTarget{nodeID: target.NodeID}
	}
	s.aliases[aliasName] = append(s.aliases[aliasName], t)
	s.notifyGraphChangedLocked()
	return nil
}

func (s *Store) notifyGraphChangedLocked() {
	s.mu.Unlock()
	s.notifyGraphChanged()
	s.mu.Lock()
}

// DetachFromAlias snapshots aliasName's current resolution into every node
// that currently depends on it, rewriting each matching Dependency from an
// alias reference into one concrete-node Dependency per resolved id (same
// Param, preserving order). Later mutations to aliasName do not
// retroactively affect these nodes.
func (s *Store) DetachFromAlias(aliasName string) error {
	s.mu.Lock()
	ids, err := s.resolveLocked(Ref{Alias: aliasName}, make(map[string]bool))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, n := range s.nodes {
		var rewritten []Dependency
		changed := false
		for _, d := range n.Dependencies {
			if d.Ref.IsAlias() && d.Ref.Alias == aliasName {
				changed = true
				for _, id := range ids {
					rewritten = append(rewritten, Dependency{Param: d.Param, Ref: NodeRef(id)})
				}
				continue
			}
			rewritten = append(rewritten, d)
		}
		if changed {
			n.Dependencies = rewritten
		}
	}
	s.mu.Unlock()
	s.notifyGraphChanged()
	return nil
}

// Resolve follows aliasName or a direct node-id Ref, recursively expanding
// alias targets and de-duplicating the result while preserving declaration
// order. An unknown alias, or an alias cycle (A -> B -> A), returns a
// GraphError.
func (s *Store) Resolve(ref Ref) ([]handle.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(ref, make(map[string]bool))
}

func (s *Store) resolveLocked(ref Ref, visiting map[string]bool) ([]handle.Handle, error) {
	if !ref.IsAlias() {
		return []handle.Handle{ref.NodeID}, nil
	}
	name := ref.Alias
	if visiting[name] {
		return nil, errs.NewGraphError("resolve", fmt.Sprintf("alias loop detected at %q", name))
	}
	targets, ok := s.aliases[name]
	if !ok {
		return nil, errs.NewGraphError("resolve", fmt.Sprintf("unknown alias %q", name))
	}
	visiting[name] = true
	defer delete(visiting, name)

	seen := make(map[handle.Handle]struct{})
	var out []handle.Handle
	for _, t := range targets {
		var ids []handle.Handle
		var err error
		if t.alias != "" {
			ids, err = s.resolveLocked(Ref{Alias: t.alias}, visiting)
		} else {
			ids = []handle.Handle{t.nodeID}
		}
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// NodeByID returns the node with the given id, or nil if it does not
// exist. The returned pointer is live: callers must not mutate it outside
// Store's own methods.
func (s *Store) NodeByID(id handle.Handle) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

// AllNodeIDs returns every node id in creation order, for dependency-tree
// dumps (dry_run) that need to report on nodes regardless of readiness.
func (s *Store) AllNodeIDs() []handle.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]handle.Handle, len(s.order))
	copy(out, s.order)
	return out
}

// ReadyNodes scans the graph in creation order and returns every node
// whose dependencies are satisfied for scheduling: each dependency
// resolves to one or more node ids that are all at least Progressed (if
// the node tolerates streaming input) or all Finished (if
// RequireFinishedDeps is set); a Failed dependency counts as satisfied in
// both cases. Matching NotStarted nodes transition to
// Runnable as a side effect; Runnable nodes from a previous call are
// re-returned so a caller that has not yet spawned them sees them again.
// A node whose dependency resolves to an unknown alias transitions
// directly to Failed with a GraphError recorded: an unknown alias fails
// the referring node at schedule time rather than wedging it forever.
func (s *Store) ReadyNodes() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.State != NotStarted && n.State != Runnable {
			continue
		}
		ok, err := s.dependenciesSatisfiedLocked(n)
		if err != nil {
			s.transitionLocked(n, Failed)
			n.Err = err
			continue
		}
		if ok {
			if n.State == NotStarted {
				s.transitionLocked(n, Runnable)
			}
			ready = append(ready, n)
		}
	}
	return ready
}

func (s *Store) dependenciesSatisfiedLocked(n *Node) (bool, error) {
	for _, d := range n.Dependencies {
		ids, err := s.resolveLocked(d.Ref, make(map[string]bool))
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			dn, ok := s.nodes[id]
			if !ok {
				return false, errs.NewGraphError("ready_nodes", fmt.Sprintf("dependency on unknown node %d", id))
			}
			// A Failed dependency counts as satisfied too, in both the
			// tolerant and strict case: the failure already poisoned its
			// stdout pipe, and the downstream node needs to actually run
			// and read from it to observe that as EIO, rather than being
			// starved forever because its producer never reached
			// Progressed.
			if n.RequireFinishedDeps {
				if dn.State != Finished && dn.State != Failed {
					return false, nil
				}
			} else if dn.State != Progressed && dn.State != Finished && dn.State != Failed {
				return false, nil
			}
		}
	}
	return true, nil
}

// MarkRunning transitions id from Runnable to Running, opens its stdout
// pipe (so downstream subscribers can attach before the actor body
// produces its first byte), and publishes the pipe into the key-stream
// store under the node's name — the same byte stream snapshot() later
// persists.
func (s *Store) MarkRunning(id handle.Handle) (*bpipe.Pipe, error) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.NewGraphError("mark_running", fmt.Sprintf("unknown node %d", id))
	}
	writerID := s.alloc.Next()
	spaceID := s.alloc.Next()
	s.transitionLocked(n, Running)
	s.mu.Unlock()

	p := bpipe.New(s.queue, writerID, spaceID, n.Name, 0)
	s.mu.Lock()
	n.StdoutPipe = p
	s.mu.Unlock()
	s.kv.PutPipe(n.Name, p)
	return p, nil
}

// MarkProgressed transitions id from Running to Progressed. A no-op if the
// node has already progressed (idempotent, since an actor may call this
// path once per write).
func (s *Store) MarkProgressed(id handle.Handle) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok || n.State != Running {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(n, Progressed)
	s.mu.Unlock()
	s.notifyGraphChanged()
}

// MarkFinished transitions id to Finished and closes its stdout pipe.
func (s *Store) MarkFinished(id handle.Handle) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return errs.NewGraphError("mark_finished", fmt.Sprintf("unknown node %d", id))
	}
	p := n.StdoutPipe
	s.transitionLocked(n, Finished)
	s.mu.Unlock()
	if p != nil && !p.Closed() {
		return p.Close()
	}
	return nil
}

// MarkFailed transitions id to Failed, records cause, and poisons its
// stdout pipe so downstream reads observe end-of-stream plus the poison
// flag.
func (s *Store) MarkFailed(id handle.Handle, cause error) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	n.Err = cause
	p := n.StdoutPipe
	s.transitionLocked(n, Failed)
	s.mu.Unlock()
	if p != nil {
		p.Poison()
	}
}

// InstantiateWithDeps resolves workflowName against the plugin registry,
// grafts its template into the graph (wiring template-internal edges to
// freshly minted node ids and external inputs to deps), and returns the
// id of the template's designated sink node. Rejects if grafting would
// reference an unknown template-local id or an unknown external input.
func (s *Store) InstantiateWithDeps(workflowName string, deps map[string]Ref) (handle.Handle, error) {
	tmpl, ok := s.registry.Lookup(workflowName)
	if !ok {
		return handle.Zero, errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("unknown workflow %q", workflowName))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	localIDs := make(map[string]handle.Handle, len(tmpl.Nodes))
	batchIDs := make(map[handle.Handle]struct{}, len(tmpl.Nodes))
	for _, spec := range tmpl.Nodes {
		id := s.alloc.Next()
		localIDs[spec.LocalID] = id
		batchIDs[id] = struct{}{}
	}

	// Resolve and validate every node's dependencies before committing any
	// of them to s.nodes. tmpl.Nodes may list a dependent node before its
	// dependency — both localIDs and batchIDs are already fully populated
	// above, so that ordering is accepted regardless of which pass would
	// otherwise see it first.
	resolvedDeps := make(map[string][]Dependency, len(tmpl.Nodes))
	for _, spec := range tmpl.Nodes {
		id := localIDs[spec.LocalID]
		var resolved []Dependency
		for _, ds := range spec.Deps {
			var ref Ref
			switch {
			case ds.LocalID != "":
				target, ok := localIDs[ds.LocalID]
				if !ok {
					return handle.Zero, errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("template %q: unknown local id %q", tmpl.Name, ds.LocalID))
				}
				ref = NodeRef(target)
			case ds.Input != "":
				extRef, ok := deps[ds.Input]
				if !ok {
					return handle.Zero, errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("template %q: missing input %q", tmpl.Name, ds.Input))
				}
				ref = extRef
			default:
				return handle.Zero, errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("template %q: dep spec for param %q names neither a local id nor an input", tmpl.Name, ds.Param))
			}
			resolved = append(resolved, Dependency{Param: ds.Param, Ref: ref})
		}
		if err := s.checkGraftDepsLocked(id, resolved, batchIDs); err != nil {
			return handle.Zero, err
		}
		resolvedDeps[spec.LocalID] = resolved
	}

	for _, spec := range tmpl.Nodes {
		id := localIDs[spec.LocalID]
		name := s.uniqueNameLocked(spec.LocalID)
		n := &Node{
			ID:                  id,
			Name:                name,
			Kind:                spec.Kind,
			Dependencies:        resolvedDeps[spec.LocalID],
			Explain:             spec.Explain,
			RequireFinishedDeps: spec.RequireFinishedDeps,
		}
		s.transitionLocked(n, NotStarted)
		s.nodes[id] = n
		s.order = append(s.order, id)
	}
	s.notifyGraphChangedLocked()

	sinkID, ok := localIDs[tmpl.Sink]
	if !ok {
		return handle.Zero, errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("template %q: sink %q not found among its nodes", tmpl.Name, tmpl.Sink))
	}
	return sinkID, nil
}

// checkGraftDepsLocked is checkCycleLocked's counterpart for a batch of
// nodes being grafted together by InstantiateWithDeps: a dependency
// pointing at another node id minted in this same batch is accepted even
// though it has not yet been committed to s.nodes, since the whole batch
// either commits together or not at all. Callers must hold s.mu.
func (s *Store) checkGraftDepsLocked(newID handle.Handle, deps []Dependency, batchIDs map[handle.Handle]struct{}) error {
	for _, d := range deps {
		if d.Ref.IsAlias() {
			continue // alias loops are caught by resolveLocked, not here
		}
		if d.Ref.NodeID == newID {
			return errs.NewGraphError("instantiate_with_deps", "node cannot depend on itself")
		}
		if _, ok := s.nodes[d.Ref.NodeID]; ok {
			continue
		}
		if _, ok := batchIDs[d.Ref.NodeID]; ok {
			continue
		}
		return errs.NewGraphError("instantiate_with_deps", fmt.Sprintf("dependency on unknown node %d", d.Ref.NodeID))
	}
	return nil
}
