//go:build wasm

// This file adapts the single active Binding to //export functions a
// WebAssembly host can call directly. WASM export functions are plain
// package-level functions with no receiver, so they dispatch through a
// process-global active Binding set by SetActive; the host integration
// that manages multiple guest instances (and therefore multiple
// Bindings) is out of this module's scope.
package abi

import "unsafe"

var active *Binding

// SetActive installs b as the Binding every exported function below
// dispatches through. A WASM host calls this once after instantiating
// the guest module and constructing its actorio.Runtime.
func SetActive(b *Binding) { active = b }

func bytesFromWasm(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

//export open_read
func wasmOpenRead(keyPtr, keyLen uint32) int32 {
	return active.OpenRead(string(bytesFromWasm(keyPtr, keyLen)))
}

//export open_write
func wasmOpenWrite(keyPtr, keyLen uint32) int32 {
	return active.OpenWrite(string(bytesFromWasm(keyPtr, keyLen)))
}

//export aread
func wasmARead(fd int32, bufPtr, bufLen uint32) int32 {
	return active.ARead(fd, bytesFromWasm(bufPtr, bufLen))
}

//export awrite
func wasmAWrite(fd int32, bufPtr, bufLen uint32) int32 {
	return active.AWrite(fd, bytesFromWasm(bufPtr, bufLen))
}

//export aclose
func wasmAClose(fd int32) int32 {
	return active.AClose(fd)
}

//export get_errno
func wasmGetErrno() int32 {
	return active.GetErrno()
}

//export dag_value_node
func wasmDagValueNode(valuePtr, valueLen, explainPtr, explainLen uint32) int32 {
	return active.DagValueNode(bytesFromWasm(valuePtr, valueLen), string(bytesFromWasm(explainPtr, explainLen)))
}

//export dag_alias
func wasmDagAlias(namePtr, nameLen uint32, node int32) int32 {
	return active.DagAlias(string(bytesFromWasm(namePtr, nameLen)), node)
}

//export dag_detach_from_alias
func wasmDagDetachFromAlias(namePtr, nameLen uint32) int32 {
	return active.DagDetachFromAlias(string(bytesFromWasm(namePtr, nameLen)))
}

//export dag_instantiate_with_deps
func wasmDagInstantiateWithDeps(workflowPtr, workflowLen, depsPtr, depsLen uint32) int32 {
	return active.DagInstantiateWithDeps(string(bytesFromWasm(workflowPtr, workflowLen)), bytesFromWasm(depsPtr, depsLen))
}

//export open_write_pipe
func wasmOpenWritePipe(explainPtr, explainLen uint32) int32 {
	return active.OpenWritePipe(string(bytesFromWasm(explainPtr, explainLen)))
}

//export alias_fd
func wasmAliasFD(fd int32, aliasPtr, aliasLen uint32) int32 {
	return active.AliasFD(fd, string(bytesFromWasm(aliasPtr, aliasLen)))
}
