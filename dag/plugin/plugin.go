// Package plugin describes the workflow-template registry the DAG store
// consults when an actor calls instantiate_with_deps. Templates are small
// static sub-graphs keyed by workflow name (e.g. "gpt.messages_to_query");
// the templates themselves — and the vendor-specific actor bodies they
// name — are supplied by the Environment's caller and are out of this
// core's scope. This package only defines the shape a template
// takes so the DAG store can graft one in without knowing where it came
// from.
package plugin

// DepSpec describes one dependency of a template-local node. Exactly one
// of LocalID or Input is set: LocalID wires to another node within the
// same template, Input wires to whatever the caller of
// instantiate_with_deps passed for that named external input.
type DepSpec struct {
	// Param is the dependency's parameter name ("" for the default input).
	Param string
	// LocalID references another NodeSpec.LocalID within the same Template.
	LocalID string
	// Input references a key in the deps map passed to
	// instantiate_with_deps; left empty when LocalID is set.
	Input string
}

// NodeSpec is one node in a Template, addressed within the template by a
// LocalID unique to that template (not a graph-wide handle — the DAG
// store mints real handles when it grafts the template in).
type NodeSpec struct {
	LocalID string
	Kind    string
	Deps    []DepSpec
	Explain string
	// RequireFinishedDeps mirrors dag.Node's tolerance flag: true if this
	// template node needs its dependencies fully finished rather than
	// merely progressed before it may run.
	RequireFinishedDeps bool
}

// Template is a small static sub-graph grafted into the DAG store by
// instantiate_with_deps. Sink names the NodeSpec.LocalID whose handle is
// returned as the instantiation's result.
type Template struct {
	Name  string
	Nodes []NodeSpec
	Sink  string
}

// Registry resolves a workflow name to its Template. Implementations are
// supplied by the Environment at startup, typically loaded from an
// external directory of template definitions; tests supply a StaticRegistry
// of in-memory fixtures.
type Registry interface {
	Lookup(workflowName string) (Template, bool)
}

// StaticRegistry is an in-memory Registry backed by a map, useful for
// tests and for small, fixed deployments that do not need to load
// templates from disk.
type StaticRegistry map[string]Template

// Lookup implements Registry.
func (r StaticRegistry) Lookup(workflowName string) (Template, bool) {
	t, ok := r[workflowName]
	return t, ok
}
