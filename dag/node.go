package dag

import (
	"github.com/ailets-dev/ailets-go/bpipe"
	"github.com/ailets-dev/ailets-go/handle"
)

// State is one of the node lifecycle states. Transitions are
// monotonic: not_started -> runnable -> running -> (progressed ->)*
// finished|failed. No reverse transitions are permitted.
type State int

const (
	// NotStarted is a node's initial state.
	NotStarted State = iota
	// Runnable means ready_nodes() has determined every dependency is
	// satisfied; the scheduler has not yet spawned the actor body.
	Runnable
	// Running means the scheduler has spawned the actor body but it has
	// not yet produced its first byte of output.
	Running
	// Progressed means the actor has produced at least one byte of
	// output; observable before Finished.
	Progressed
	// Finished means the actor body completed successfully.
	Finished
	// Failed means the actor body raised, or a dependency resolution
	// failed at schedule time (e.g. an unknown alias).
	Failed
)

// String renders the state for log lines and dependency-tree dumps.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Progressed:
		return "progressed"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state (no further transitions).
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// Pseudo-kinds recognized by the DAG store itself; every other Kind string
// is an actor workflow name (e.g. "gpt.messages_to_query") meaningful only
// to the scheduler's actor-body resolver, which is out of this core's
// scope.
const (
	KindValue = "value"
	KindAlias = "alias"
)

// Ref addresses a dependency's source: either a concrete node id or an
// alias name. Exactly one of the two is set; the zero value (NodeID ==
// handle.Zero, Alias == "") is invalid as a Ref and only appears as a
// sentinel.
type Ref struct {
	NodeID handle.Handle
	Alias  string
}

// NodeRef constructs a Ref targeting a concrete node id.
func NodeRef(id handle.Handle) Ref { return Ref{NodeID: id} }

// AliasRef constructs a Ref targeting an alias name.
func AliasRef(name string) Ref { return Ref{Alias: name} }

// IsAlias reports whether the Ref targets an alias rather than a node id.
func (r Ref) IsAlias() bool { return r.Alias != "" }

// Dependency is one (param_name, source_ref) pair. Param == "" denotes the
// default/positional input.
type Dependency struct {
	Param string
	Ref   Ref
}

// Node is one vertex of the DAG: the unit of computation an actor body
// runs to produce the bytes on its stdout pipe.
type Node struct {
	ID      handle.Handle
	Name    string
	Kind    string
	Explain string

	// Dependencies is the ordered list of (param, source) pairs. Order
	// matters: for a given param, each Dependency entry and each node id an
	// alias Ref resolves to is flattened into one sequence, and that is the
	// order open_read(param, idx) addresses.
	Dependencies []Dependency

	// RequireFinishedDeps is actor-kind metadata: false (the default) means
	// this node may start once every dependency has merely progressed;
	// true means it needs every dependency fully finished first.
	RequireFinishedDeps bool

	State State
	Err   error

	// StdoutPipe is created when the node transitions to Running (or, for
	// value nodes, at creation) so downstream readers can attach before
	// the actor body produces its first byte.
	StdoutPipe *bpipe.Pipe

	history []State
}

// History returns the sequence of states this node has passed through, for
// tests asserting that state only ever moves forward.
func (n *Node) History() []State {
	out := make([]State, len(n.history))
	copy(out, n.history)
	return out
}
