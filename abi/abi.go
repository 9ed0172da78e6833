// Package abi implements the stable, WebAssembly-callable actor runtime
// surface: open_read/open_write/aread/awrite/aclose/get_errno plus the
// feature-gated DAG-ops calls. This file is the pure-Go in-process
// binding, usable directly by an in-process driver and used by tests; wasm_export.go
// (behind the "wasm" build tag) adapts the same Binding to //export
// functions for an actual WebAssembly host, which is otherwise out of
// this module's scope.
//
// Every call here is deliberately C-shaped (fixed-width ints, byte
// slices standing in for raw pointers) rather than idiomatic Go, because
// this is the one layer that must match a calling convention a WASM
// guest can invoke — idiomatic wrapping belongs in actorio.Runtime, which
// this package adapts rather than duplicates.
package abi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ailets-dev/ailets-go/actorio"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/handle"
)

// Binding adapts one actorio.Runtime to the C-shaped ABI surface. The
// zero value is not usable; construct with New.
type Binding struct {
	rt *actorio.Runtime
}

// New constructs a Binding over rt.
func New(rt *actorio.Runtime) *Binding {
	return &Binding{rt: rt}
}

// OpenRead implements open_read(key). key addresses a dependency as
// "param" (index 0) or "param#idx" (an explicit index), reconciling the
// ABI's single-string key with the node runtime facade's (param, idx)
// addressing — the two were left ambiguous relative to each other; this
// is the resolution, recorded in DESIGN.md.
func (b *Binding) OpenRead(key string) int32 {
	param, idx, err := parseKey(key)
	if err != nil {
		return -1
	}
	fd, err := b.rt.OpenRead(param, idx)
	if err != nil {
		return -1
	}
	return int32(fd)
}

// OpenWrite implements open_write(key).
func (b *Binding) OpenWrite(key string) int32 {
	param, _, err := parseKey(key)
	if err != nil {
		return -1
	}
	fd, err := b.rt.OpenWrite(param)
	if err != nil {
		return -1
	}
	return int32(fd)
}

func parseKey(key string) (param string, idx int, err error) {
	if i := strings.IndexByte(key, '#'); i >= 0 {
		n, convErr := strconv.Atoi(key[i+1:])
		if convErr != nil {
			return "", 0, fmt.Errorf("abi: bad index in key %q: %w", key, convErr)
		}
		return key[:i], n, nil
	}
	return key, 0, nil
}

// ARead implements aread(fd, buf, n): copies at most len(buf) bytes into
// buf, returning the count read or -1 on error (get_errno() reports the
// reason). There is no per-call context in the C calling convention, so
// aread/awrite run against context.Background(); a WASM host wanting
// cancellation closes the underlying pipe instead.
func (b *Binding) ARead(fd int32, buf []byte) int32 {
	n, err := b.rt.Read(context.Background(), int(fd), buf)
	if err != nil {
		return -1
	}
	return int32(n)
}

// AWrite implements awrite(fd, buf, n).
func (b *Binding) AWrite(fd int32, data []byte) int32 {
	n, err := b.rt.Write(context.Background(), int(fd), data)
	if err != nil {
		return -1
	}
	return int32(n)
}

// AClose implements aclose(fd).
func (b *Binding) AClose(fd int32) int32 {
	if err := b.rt.Close(int(fd)); err != nil {
		return -1
	}
	return 0
}

// GetErrno implements get_errno().
func (b *Binding) GetErrno() int32 {
	return int32(b.rt.GetErrno())
}

// DagValueNode implements dag_value_node(value, explain): creates a
// finished value node and returns its handle, or -1 on error.
func (b *Binding) DagValueNode(value []byte, explain string) int32 {
	id, err := b.rt.ValueNode(value, explain)
	if err != nil {
		return -1
	}
	return int32(id)
}

// DagAlias implements dag_alias(name, node): appends node to the named
// alias (creating it if new). node == 0 creates an empty alias, matching
// dag.Store.Alias's nil-target contract.
func (b *Binding) DagAlias(name string, node int32) int32 {
	var target *dag.Ref
	if node != 0 {
		ref := dag.NodeRef(handle.Handle(node))
		target = &ref
	}
	if err := b.rt.Alias(name, target); err != nil {
		return -1
	}
	return 0
}

// DagDetachFromAlias implements dag_detach_from_alias(name).
func (b *Binding) DagDetachFromAlias(name string) int32 {
	if err := b.rt.DetachFromAlias(name); err != nil {
		return -1
	}
	return 0
}

// depSpec is one entry of the deps_json object dag_instantiate_with_deps
// accepts: exactly one of Node or Alias is set, mirroring dag.Ref.
type depSpec struct {
	Node  *uint32 `json:"node,omitempty"`
	Alias *string `json:"alias,omitempty"`
}

// depsSchemaDoc describes the deps_json shape: an object whose values are
// each either {"node": <handle>} or {"alias": <name>}, never both or
// neither. Validated with jsonschema/v6 (compile a schema resource, then
// Validate the decoded document) before encoding/json ever unmarshals the
// bytes into a typed value.
const depsSchemaDoc = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"oneOf": [
			{"required": ["node"], "not": {"required": ["alias"]}},
			{"required": ["alias"], "not": {"required": ["node"]}}
		]
	}
}`

var (
	depsSchemaOnce sync.Once
	depsSchema     *jsonschema.Schema
	depsSchemaErr  error
)

func compiledDepsSchema() (*jsonschema.Schema, error) {
	depsSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(depsSchemaDoc), &doc); err != nil {
			depsSchemaErr = fmt.Errorf("abi: unmarshal deps schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("deps.json", doc); err != nil {
			depsSchemaErr = fmt.Errorf("abi: add deps schema resource: %w", err)
			return
		}
		schema, err := c.Compile("deps.json")
		if err != nil {
			depsSchemaErr = fmt.Errorf("abi: compile deps schema: %w", err)
			return
		}
		depsSchema = schema
	})
	return depsSchema, depsSchemaErr
}

// DagInstantiateWithDeps implements
// dag_instantiate_with_deps(workflow, deps_json). deps_json is validated
// against depsSchemaDoc before being decoded, so a malformed payload
// fails with -1 before it reaches dag.Store rather than with a confusing
// graph-grafting error. That early rejection does not update get_errno();
// neither does a malformed key in OpenRead/OpenWrite.
func (b *Binding) DagInstantiateWithDeps(workflow string, depsJSON []byte) int32 {
	var doc any
	if err := json.Unmarshal(depsJSON, &doc); err != nil {
		return -1
	}
	schema, err := compiledDepsSchema()
	if err != nil {
		return -1
	}
	if err := schema.Validate(doc); err != nil {
		return -1
	}

	var raw map[string]depSpec
	if err := json.Unmarshal(depsJSON, &raw); err != nil {
		return -1
	}
	deps := make(map[string]dag.Ref, len(raw))
	for param, spec := range raw {
		switch {
		case spec.Node != nil:
			deps[param] = dag.NodeRef(handle.Handle(*spec.Node))
		case spec.Alias != nil:
			deps[param] = dag.AliasRef(*spec.Alias)
		}
	}

	id, err := b.rt.InstantiateWithDeps(workflow, deps)
	if err != nil {
		return -1
	}
	return int32(id)
}

// OpenWritePipe implements open_write_pipe(explain).
func (b *Binding) OpenWritePipe(explain string) int32 {
	fd, err := b.rt.OpenWritePipe(explain)
	if err != nil {
		return -1
	}
	return int32(fd)
}

// AliasFD implements alias_fd(fd, alias): binds fd's underlying node to
// alias. The design notes leave the exact parameter list for alias_fd
// understated ("alias_fd(fd)"); actorio.Runtime.AliasFD needs the target
// alias name too, so this binding takes both.
func (b *Binding) AliasFD(fd int32, alias string) int32 {
	if err := b.rt.AliasFD(alias, int(fd)); err != nil {
		return -1
	}
	return 0
}
